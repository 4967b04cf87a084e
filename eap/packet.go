package eap

import (
	"encoding/binary"
	"fmt"
)

// Code is the EAP packet code.
type Code uint8

// EAP codes
const (
	CodeRequest  Code = 1
	CodeResponse Code = 2
	CodeSuccess  Code = 3
	CodeFailure  Code = 4
)

func (c Code) String() string {
	switch c {
	case CodeRequest:
		return "Request"
	case CodeResponse:
		return "Response"
	case CodeSuccess:
		return "Success"
	case CodeFailure:
		return "Failure"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// Type is the legacy one-octet EAP method type.
type Type uint8

// EAP types
const (
	TypeNone         Type = 0
	TypeIdentity     Type = 1
	TypeNotification Type = 2
	TypeNak          Type = 3
	TypeMD5          Type = 4
	TypeOTP          Type = 5
	TypeGTC          Type = 6
	TypeTLS          Type = 13
	TypeTTLS         Type = 21
	TypePEAP         Type = 25
	TypeMSCHAPv2     Type = 26
	TypeExpanded     Type = 254
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeIdentity:
		return "Identity"
	case TypeNotification:
		return "Notification"
	case TypeNak:
		return "Nak"
	case TypeMD5:
		return "MD5-Challenge"
	case TypeOTP:
		return "OTP"
	case TypeGTC:
		return "GTC"
	case TypeTLS:
		return "TLS"
	case TypeTTLS:
		return "TTLS"
	case TypePEAP:
		return "PEAP"
	case TypeMSCHAPv2:
		return "MSCHAPv2"
	case TypeExpanded:
		return "Expanded"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// VendorIETF is the vendor id of all methods defined by the IETF.
const VendorIETF uint32 = 0

// Header sizes
const (
	HeaderLen         = 4
	TypeHeaderLen     = 5
	ExpandedHeaderLen = 12
)

// MethodRef identifies a method by vendor and vendor specific type.
// IETF methods use VendorIETF and their legacy type number.
type MethodRef struct {
	Vendor uint32
	Type   uint32
}

// NoMethod is the sentinel for "no method selected".
var NoMethod = MethodRef{Vendor: VendorIETF, Type: uint32(TypeNone)}

// IETF returns the reference of an IETF method.
func IETF(t Type) MethodRef {
	return MethodRef{Vendor: VendorIETF, Type: uint32(t)}
}

// IsNone reports whether r is the NoMethod sentinel.
func (r MethodRef) IsNone() bool {
	return r == NoMethod
}

// Legacy reports whether r can be expressed with a one-octet type.
func (r MethodRef) Legacy() bool {
	return r.Vendor == VendorIETF && r.Type < uint32(TypeExpanded)
}

func (r MethodRef) String() string {
	if r.Vendor == VendorIETF {
		return Type(r.Type).String()
	}
	return fmt.Sprintf("vendor %d type %d", r.Vendor, r.Type)
}

// Packet describes an EAP packet as seen in RFC 3748 and RFC 3748 section
// 5.7 for the expanded type form.
//
// 0                   1                   2                   3
// 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |     Code      |   Identifier  |            Length             |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |     Type      |  Type-Data ...
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Code
// 1 for request, 2 for response, 3 for success, 4 for failure.
// Success and Failure packets end after the Length field.
//
// Identifier
// The Identifier field is one octet and aids in matching responses
// with requests.
//
// Length
// The Length field is two octets and indicates the number of octets
// in the entire EAP packet, from the Code field through the Data
// field. Octets outside the range of the Length field are treated as
// data link layer padding and ignored on reception.
//
// Type
// For the expanded type (254) the Type field is followed by a three
// octet Vendor-Id and a four octet Vendor-Type:
//
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |     Type=254  |                Vendor-Id                      |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                          Vendor-Type                          |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Packet struct {
	Code       Code
	Identifier uint8
	Length     uint16 // Length is the length of Data + EAP header
	Type       Type
	Vendor     uint32 // only with Type == TypeExpanded
	VendorType uint32 // only with Type == TypeExpanded
	Data       []byte
}

// Expanded reports whether p uses the expanded type form.
func (p *Packet) Expanded() bool {
	return p.Type == TypeExpanded
}

// Method returns the method p belongs to. Expanded packets of vendor 0
// resolve to the same reference as their legacy form.
func (p *Packet) Method() MethodRef {
	if p.Expanded() {
		return MethodRef{Vendor: p.Vendor, Type: p.VendorType}
	}
	return IETF(p.Type)
}

// HasType reports whether the code carries a type field.
func (c Code) HasType() bool {
	return c == CodeRequest || c == CodeResponse
}

// Encode creates a byte-array from a given EAP packet.
// The length field is always recomputed.
func (p *Packet) Encode() []byte {
	if !p.Code.HasType() {
		buf := make([]byte, HeaderLen)
		buf[0] = uint8(p.Code)
		buf[1] = p.Identifier
		p.Length = HeaderLen
		binary.BigEndian.PutUint16(buf[2:], p.Length)
		return buf
	}

	hdrLen := TypeHeaderLen
	if p.Expanded() {
		hdrLen = ExpandedHeaderLen
	}
	buf := make([]byte, hdrLen, hdrLen+len(p.Data))
	buf[0] = uint8(p.Code)
	buf[1] = p.Identifier
	buf[4] = uint8(p.Type)
	if p.Expanded() {
		putUint24(buf[5:], p.Vendor)
		binary.BigEndian.PutUint32(buf[8:], p.VendorType)
	}
	p.Length = uint16(hdrLen + len(p.Data))
	binary.BigEndian.PutUint16(buf[2:], p.Length)
	return append(buf, p.Data...)
}

// Decode decodes a byte array into an EAP packet.
// Data aliases buf.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
	}

	p := &Packet{}
	p.Code = Code(buf[0])
	p.Identifier = buf[1]
	p.Length = binary.BigEndian.Uint16(buf[2:])

	if p.Length < HeaderLen || int(p.Length) > len(buf) {
		return nil, fmt.Errorf("%w: length %d, received %d", ErrLengthMismatch, p.Length, len(buf))
	}
	buf = buf[:p.Length]

	if !p.Code.HasType() {
		if p.Code != CodeSuccess && p.Code != CodeFailure {
			return nil, fmt.Errorf("%w: unknown code %d", ErrMalformedFrame, p.Code)
		}
		return p, nil
	}

	if len(buf) < TypeHeaderLen {
		return nil, fmt.Errorf("%w: %s without type", ErrTooShort, p.Code)
	}
	p.Type = Type(buf[4])
	if p.Type != TypeExpanded {
		p.Data = buf[TypeHeaderLen:]
		return p, nil
	}

	if len(buf) < ExpandedHeaderLen {
		return nil, fmt.Errorf("%w: truncated expanded header", ErrTooShort)
	}
	p.Vendor = uint24(buf[5:])
	p.VendorType = binary.BigEndian.Uint32(buf[8:])
	p.Data = buf[ExpandedHeaderLen:]
	return p, nil
}

// NewResponse builds a response to a request with the given identifier.
// Vendor methods, and any method when expanded is set, use the expanded
// header; IETF methods use the legacy one otherwise.
func NewResponse(identifier uint8, method MethodRef, expanded bool, data []byte) *Packet {
	p := &Packet{
		Code:       CodeResponse,
		Identifier: identifier,
		Data:       data,
	}
	if expanded || !method.Legacy() {
		p.Type = TypeExpanded
		p.Vendor = method.Vendor
		p.VendorType = method.Type
		return p
	}
	p.Type = Type(method.Type)
	return p
}

// NewEAP creates a new packet with a legacy type.
func NewEAP(code Code, identifier uint8, eapType Type, data []byte) *Packet {
	return &Packet{
		Code:       code,
		Identifier: identifier,
		Type:       eapType,
		Data:       data,
	}
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
