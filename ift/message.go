// Package ift carries EAP over IF-T/TLS, the transport of Juniper and Pulse
// Secure VPN gateways.
package ift

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/tunnel"
)

// IF-T errors
var (
	ErrTooShort       = errors.New("ift: message too short")
	ErrLengthMismatch = errors.New("ift: length does not match received data")
	ErrTooLong        = errors.New("ift: message too long")
	ErrReservedType   = errors.New("ift: reserved message type")
	ErrNotAuth        = errors.New("ift: not an EAP auth message")
)

// Vendor ids
const (
	VendorIETF    uint32 = 0
	VendorJuniper uint32 = 0xa4c
	VendorTCG     uint32 = 0x5597
)

// Message types in the TCG name space
const (
	TypeVersionRequest      uint32 = 1
	TypeVersionResponse     uint32 = 2
	TypeClientAuthRequest   uint32 = 3
	TypeClientAuthSelection uint32 = 4
	TypeClientAuthChallenge uint32 = 5
	TypeClientAuthResponse  uint32 = 6
	TypeClientAuthSuccess   uint32 = 7

	typeReserved uint32 = 0xffffffff
)

// AuthJuniper1 is the auth type prefixing the EAP packet in challenge and
// response messages.
const AuthJuniper1 = VendorJuniper<<8 | 1

const (
	// HeaderLen is the size of the message header.
	HeaderLen = 16
	// MaxLen bounds messages read from the gateway.
	MaxLen = 1 << 16
)

// Message is an IF-T/TLS message.
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    Reserved   |           Message Type Vendor ID              |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          Message Type                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Message Length                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                       Message Identifier                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           Message Value (e.g. IF-TNCCS Message) . . . .       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Length covers the header. The identifier counts the messages a sender
// has transmitted on the connection, starting at zero and wrapping.
type Message struct {
	Vendor     uint32
	Type       uint32
	Length     uint32
	Identifier uint32
	Value      []byte
}

// Encode returns the wire form of m. Length is recomputed.
func (m *Message) Encode() []byte {
	m.Length = uint32(len(m.Value) + HeaderLen)

	buf := make([]byte, HeaderLen, int(m.Length))
	binary.BigEndian.PutUint32(buf, m.Vendor&0xffffff)
	binary.BigEndian.PutUint32(buf[4:], m.Type)
	binary.BigEndian.PutUint32(buf[8:], m.Length)
	binary.BigEndian.PutUint32(buf[12:], m.Identifier)
	return append(buf, m.Value...)
}

// Decode parses one message. Value aliases b.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	m := &Message{
		Vendor:     binary.BigEndian.Uint32(b) & 0xffffff,
		Type:       binary.BigEndian.Uint32(b[4:]),
		Length:     binary.BigEndian.Uint32(b[8:]),
		Identifier: binary.BigEndian.Uint32(b[12:]),
	}
	if m.Length < HeaderLen || int64(m.Length) != int64(len(b)) {
		return nil, fmt.Errorf("%w: length %d, received %d", ErrLengthMismatch, m.Length, len(b))
	}
	if m.Type == typeReserved {
		return nil, ErrReservedType
	}
	m.Value = b[HeaderLen:]
	return m, nil
}

// Read reads one message from r.
func Read(r io.Reader) (*Message, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[8:])
	if length < HeaderLen {
		return nil, fmt.Errorf("%w: length %d", ErrLengthMismatch, length)
	}
	if length > MaxLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, length)
	}
	buf := make([]byte, length)
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
		return nil, err
	}
	return Decode(buf)
}

// NewAuthResponse wraps an EAP packet into a client auth response.
func NewAuthResponse(identifier uint32, packet []byte) *Message {
	value := make([]byte, 4, 4+len(packet))
	binary.BigEndian.PutUint32(value, AuthJuniper1)
	return &Message{
		Vendor:     VendorTCG,
		Type:       TypeClientAuthResponse,
		Identifier: identifier,
		Value:      append(value, packet...),
	}
}

// EAP returns the EAP packet carried by an auth challenge or response.
func (m *Message) EAP() ([]byte, error) {
	if m.Vendor != VendorTCG ||
		(m.Type != TypeClientAuthChallenge && m.Type != TypeClientAuthResponse) ||
		len(m.Value) < 4+eap.HeaderLen ||
		binary.BigEndian.Uint32(m.Value) != AuthJuniper1 {
		return nil, ErrNotAuth
	}
	return m.Value[4:], nil
}

// IsStartTTLS reports whether m is a challenge opening an EAP-TTLS tunnel.
func (m *Message) IsStartTTLS() bool {
	data, err := m.EAP()
	if err != nil {
		return false
	}
	p, err := eap.Decode(data)
	if err != nil {
		return false
	}
	return p.Code == eap.CodeRequest && p.Type == eap.TypeTTLS &&
		len(p.Data) > 0 && tunnel.Flags(p.Data[0]).Has(tunnel.FlagStart)
}

func (m *Message) String() string {
	return fmt.Sprintf("vendor 0x%x type %d id %d (%d bytes)", m.Vendor, m.Type, m.Identifier, len(m.Value))
}
