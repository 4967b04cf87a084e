// Package tunnel implements the parts shared by the TLS based EAP methods:
// the flags octet, fragment reassembly and fragmentation, the TLS session
// that runs over EAP and the export of keying material.
package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/yzzyx/supplicant/eap"
)

// Flags is the first octet of EAP-TLS and EAP-TTLS type-data.
//
//	 0 1 2 3 4 5 6 7
//	+-+-+-+-+-+-+-+-+
//	|L M S R R V V V|
//	+-+-+-+-+-+-+-+-+
type Flags uint8

// Flag bits
const (
	FlagLengthIncluded Flags = 0x80
	FlagMoreFragments  Flags = 0x40
	FlagStart          Flags = 0x20

	flagMask    Flags = 0xe0
	versionMask       = 0x07
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	var s []string
	if f.Has(FlagLengthIncluded) {
		s = append(s, "L")
	}
	if f.Has(FlagMoreFragments) {
		s = append(s, "M")
	}
	if f.Has(FlagStart) {
		s = append(s, "S")
	}
	return fmt.Sprintf("[%s] v%d", strings.Join(s, ""), uint8(f)&versionMask)
}

// Tunnel errors
var (
	ErrMissingFlags       = fmt.Errorf("%w: missing flags octet", eap.ErrMalformedFrame)
	ErrMissingLength      = fmt.Errorf("%w: length flag set without length", eap.ErrMalformedFrame)
	ErrBadLength          = fmt.Errorf("%w: tls message length out of range", eap.ErrProtocolViolation)
	ErrUnexpectedFragment = fmt.Errorf("%w: fragment without length or reassembly", eap.ErrProtocolViolation)
	ErrOverflow           = fmt.Errorf("%w: fragment exceeds declared length", eap.ErrProtocolViolation)
	ErrShortMessage       = fmt.Errorf("%w: final fragment short of declared length", eap.ErrProtocolViolation)
	ErrExpectedAck        = fmt.Errorf("%w: expected fragment acknowledgement", eap.ErrProtocolViolation)
	ErrNotStarted         = fmt.Errorf("%w: tls data before start", eap.ErrProtocolViolation)
)

var framingErrors = []error{
	ErrMissingFlags, ErrMissingLength, ErrBadLength, ErrUnexpectedFragment,
	ErrOverflow, ErrShortMessage, ErrNotStarted,
}

// IsFramingError reports whether err rejects a single inbound frame. Such
// frames are dropped without touching the conversation.
func IsFramingError(err error) bool {
	for _, target := range framingErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Header is the decoded framing of a request.
type Header struct {
	Flags   Flags
	Version uint8
	// Total is the declared TLS message length when FlagLengthIncluded is set.
	Total uint32
	Data  []byte
}

// IsAck reports whether the request is an empty acknowledgement.
func (h Header) IsAck() bool {
	return h.Flags&flagMask == 0 && len(h.Data) == 0
}

// ParseHeader splits type-data into flags, optional length and data.
// Data aliases body.
func ParseHeader(body []byte) (Header, error) {
	if len(body) < 1 {
		return Header{}, ErrMissingFlags
	}
	h := Header{
		Flags:   Flags(body[0]) & flagMask,
		Version: body[0] & versionMask,
		Data:    body[1:],
	}
	if h.Flags.Has(FlagLengthIncluded) {
		if len(h.Data) < 4 {
			return Header{}, ErrMissingLength
		}
		h.Total = binary.BigEndian.Uint32(h.Data)
		h.Data = h.Data[4:]
	}
	return h, nil
}
