package tunnel

import (
	"encoding/binary"
	"fmt"
)

// MaxMessageSize bounds a reassembled TLS message.
const MaxMessageSize = 64 * 1024

// Reassembler collects the fragments of one inbound TLS message.
type Reassembler struct {
	buf        []byte
	total      int
	inProgress bool
}

// InProgress reports whether fragments are being collected.
func (r *Reassembler) InProgress() bool {
	return r.inProgress
}

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.total = 0
	r.inProgress = false
}

// Add adds a fragment. It returns the complete message once the last
// fragment arrived, or more set when the caller has to acknowledge and wait
// for the next one. Any error resets the reassembly.
func (r *Reassembler) Add(h Header) (msg []byte, more bool, err error) {
	if h.Flags.Has(FlagLengthIncluded) && !r.inProgress {
		if h.Total == 0 || h.Total > MaxMessageSize {
			return nil, false, fmt.Errorf("%w: %d", ErrBadLength, h.Total)
		}
		r.total = int(h.Total)
		r.buf = make([]byte, 0, r.total)
		r.inProgress = true
	}

	if !r.inProgress {
		if h.Flags.Has(FlagMoreFragments) {
			return nil, false, ErrUnexpectedFragment
		}
		return h.Data, false, nil
	}

	if len(r.buf)+len(h.Data) > r.total {
		total := r.total
		r.Reset()
		return nil, false, fmt.Errorf("%w: %d", ErrOverflow, total)
	}
	r.buf = append(r.buf, h.Data...)

	if h.Flags.Has(FlagMoreFragments) {
		return nil, true, nil
	}
	if len(r.buf) != r.total {
		got, want := len(r.buf), r.total
		r.Reset()
		return nil, false, fmt.Errorf("%w: %d of %d", ErrShortMessage, got, want)
	}
	msg = r.buf
	r.Reset()
	return msg, false, nil
}

// Fragmenter splits outbound TLS messages.
type Fragmenter struct {
	data          []byte
	total         int
	size          int
	includeLength bool
	first         bool
}

// NewFragmenter returns a fragmenter emitting at most size bytes of TLS
// data per fragment. includeLength sets the L flag on unfragmented
// messages too.
func NewFragmenter(size int, includeLength bool) *Fragmenter {
	return &Fragmenter{size: size, includeLength: includeLength}
}

// Pending reports whether fragments remain to be sent.
func (f *Fragmenter) Pending() bool {
	return len(f.data) > 0
}

// Reset drops the outbound message.
func (f *Fragmenter) Reset() {
	f.data = nil
	f.total = 0
	f.first = false
}

// Queue replaces the outbound message and returns its first fragment.
func (f *Fragmenter) Queue(data []byte) []byte {
	f.data = data
	f.total = len(data)
	f.first = true
	return f.Next()
}

// Next returns the type-data of the next fragment.
func (f *Fragmenter) Next() []byte {
	n := len(f.data)
	if n > f.size {
		n = f.size
	}
	more := n < len(f.data)

	var flags Flags
	if f.first && (more || f.includeLength) {
		flags |= FlagLengthIncluded
	}
	if more {
		flags |= FlagMoreFragments
	}

	body := make([]byte, 1, 5+n)
	body[0] = byte(flags)
	if flags.Has(FlagLengthIncluded) {
		body = binary.BigEndian.AppendUint32(body, uint32(f.total))
	}
	body = append(body, f.data[:n]...)

	f.data = f.data[n:]
	f.first = false
	return body
}
