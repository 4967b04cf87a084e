// Package pmksa caches the pairwise master key security associations
// derived from successful EAP conversations (IEEE 802.11-2020 12.6.1.1.3).
package pmksa

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/rs/zerolog"
)

// Key sizes
const (
	PMKLen   = 32
	PMKIDLen = 16
)

// DefaultLifetime is dot11RSNAConfigPMKLifetime.
const DefaultLifetime = 12 * time.Hour

// Cache errors
var (
	ErrShortMSK = errors.New("pmksa: msk shorter than pmk")
	ErrNotFound = errors.New("pmksa: no such entry")
)

// Entry is one PMKSA.
type Entry struct {
	PMKID     []byte           `cbor:"1,keyasint"`
	PMK       []byte           `cbor:"2,keyasint"`
	AA        net.HardwareAddr `cbor:"3,keyasint"`
	SPA       net.HardwareAddr `cbor:"4,keyasint"`
	SessionID []byte           `cbor:"5,keyasint,omitempty"`
	Created   time.Time        `cbor:"6,keyasint"`
	Expires   time.Time        `cbor:"7,keyasint"`
}

// DerivePMK returns the PMK of an 802.1X AKM: the first 256 bits of the
// MSK.
func DerivePMK(msk []byte) ([]byte, error) {
	if len(msk) < PMKLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMSK, len(msk))
	}
	return bytes.Clone(msk[:PMKLen]), nil
}

// ComputePMKID returns HMAC-SHA1-128(PMK, "PMK Name" || AA || SPA).
func ComputePMKID(pmk []byte, aa, spa net.HardwareAddr) []byte {
	mac := hmac.New(sha1.New, pmk)
	mac.Write([]byte("PMK Name"))
	mac.Write(aa)
	mac.Write(spa)
	return mac.Sum(nil)[:PMKIDLen]
}

func key(aa, spa net.HardwareAddr) string {
	return aa.String() + "/" + spa.String()
}

// Cache holds PMKSAs until their lifetime ends.
type Cache struct {
	c        *ttlcache.Cache
	lifetime time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// New returns a Cache whose entries live for lifetime.
func New(lifetime time.Duration, logger zerolog.Logger) *Cache {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	c := &Cache{
		c:        ttlcache.NewCache(),
		lifetime: lifetime,
		log:      logger.With().Str("component", "pmksa").Logger(),
		now:      time.Now,
	}
	c.c.SkipTTLExtensionOnHit(true)
	c.c.SetExpirationCallback(func(key string, _ interface{}) {
		c.log.Debug().Str("key", key).Msg("pmksa expired")
	})
	return c
}

// Add derives and stores the PMKSA of a conversation between
// authenticator aa and supplicant spa, replacing an older one.
func (c *Cache) Add(aa, spa net.HardwareAddr, msk, sessionID []byte) (*Entry, error) {
	pmk, err := DerivePMK(msk)
	if err != nil {
		return nil, err
	}
	now := c.now()
	e := &Entry{
		PMKID:     ComputePMKID(pmk, aa, spa),
		PMK:       pmk,
		AA:        bytes.Clone(aa),
		SPA:       bytes.Clone(spa),
		SessionID: bytes.Clone(sessionID),
		Created:   now,
		Expires:   now.Add(c.lifetime),
	}
	if err := c.c.SetWithTTL(key(aa, spa), e, c.lifetime); err != nil {
		return nil, err
	}
	c.log.Debug().Stringer("aa", aa).Hex("pmkid", e.PMKID).Msg("pmksa added")
	return e, nil
}

// Get returns the PMKSA for aa and spa.
func (c *Cache) Get(aa, spa net.HardwareAddr) (*Entry, error) {
	v, err := c.c.Get(key(aa, spa))
	if err != nil {
		if errors.Is(err, ttlcache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v.(*Entry), nil
}

// Lookup returns the PMKSA with the given PMKID.
func (c *Cache) Lookup(pmkid []byte) (*Entry, error) {
	for _, e := range c.Entries() {
		if hmac.Equal(e.PMKID, pmkid) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// Remove deletes the PMKSA for aa and spa.
func (c *Cache) Remove(aa, spa net.HardwareAddr) error {
	if err := c.c.Remove(key(aa, spa)); err != nil {
		if errors.Is(err, ttlcache.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Entries returns the live entries, oldest first.
func (c *Cache) Entries() []*Entry {
	now := c.now()
	var out []*Entry
	for _, v := range c.c.GetItems() {
		e := v.(*Entry)
		if now.Before(e.Expires) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.c.Count()
}

// Close stops the expiry goroutine.
func (c *Cache) Close() error {
	return c.c.Close()
}
