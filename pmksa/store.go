package pmksa

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("pmksa: cbor encoder mode: %v", err))
	}
}

// Save writes the live entries to w.
func (c *Cache) Save(w io.Writer) error {
	entries := c.Entries()
	if entries == nil {
		entries = []*Entry{}
	}
	return encMode.NewEncoder(w).Encode(entries)
}

// Load adds the entries read from r that did not expire yet and returns
// how many were added.
func (c *Cache) Load(r io.Reader) (int, error) {
	var entries []*Entry
	if err := cbor.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("pmksa: decode: %w", err)
	}
	now := c.now()
	n := 0
	for _, e := range entries {
		ttl := e.Expires.Sub(now)
		if ttl <= 0 || len(e.PMK) != PMKLen {
			continue
		}
		if err := c.c.SetWithTTL(key(e.AA, e.SPA), e, ttl); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SaveFile writes the cache to path through a temporary file.
func (c *Cache) SaveFile(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".pmksa-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if err := c.Save(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// LoadFile reads path. A missing file is an empty cache.
func (c *Cache) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return c.Load(f)
}
