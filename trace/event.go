// Package trace records the protocol events of authentication attempts as a
// stream of CBOR encoded records.
package trace

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind uint8

// Event kinds
const (
	KindFrame Kind = iota
	KindState
	KindKey
	KindFailure
	KindSuccess
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "FRAME"
	case KindState:
		return "STATE"
	case KindKey:
		return "KEY"
	case KindFailure:
		return "FAILURE"
	case KindSuccess:
		return "SUCCESS"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Direction of a frame.
type Direction uint8

// Directions
const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "OUT"
	}
	return "IN"
}

// Event is one record of a trace. Integer keys keep the records small.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	// Attempt groups the events of one authentication attempt.
	Attempt   uuid.UUID `cbor:"2,keyasint"`
	Kind      Kind      `cbor:"3,keyasint"`
	Direction Direction `cbor:"4,keyasint,omitempty"`
	Frame     []byte    `cbor:"5,keyasint,omitempty"`
	Method    string    `cbor:"6,keyasint,omitempty"`
	State     string    `cbor:"7,keyasint,omitempty"`
	Decision  string    `cbor:"8,keyasint,omitempty"`
	Reason    string    `cbor:"9,keyasint,omitempty"`
	Error     string    `cbor:"10,keyasint,omitempty"`
	// KeyLen is the MSK length of a KindKey event; key bytes are never
	// recorded.
	KeyLen int `cbor:"11,keyasint,omitempty"`
}

// String formats the event on a single line.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-7s", e.Timestamp.Format(time.RFC3339Nano), shortID(e.Attempt), e.Kind)
	switch e.Kind {
	case KindFrame:
		fmt.Fprintf(&b, " %s %d bytes", e.Direction, len(e.Frame))
	case KindKey:
		fmt.Fprintf(&b, " msk %d bytes", e.KeyLen)
	}
	for _, f := range []struct{ k, v string }{
		{"method", e.Method},
		{"state", e.State},
		{"decision", e.Decision},
		{"reason", e.Reason},
		{"error", e.Error},
	} {
		if f.v != "" {
			fmt.Fprintf(&b, " %s=%s", f.k, f.v)
		}
	}
	return b.String()
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
