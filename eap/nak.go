package eap

import (
	"encoding/binary"
	"fmt"
)

// BuildNak returns the type-data of a legacy Nak (type 3) response
// proposing the given methods, in order.
//
// Vendor specific methods cannot be listed in a legacy Nak; their presence
// is signalled by a single Expanded (254) entry, after which the
// authenticator may continue with an expanded Nak exchange. An empty
// proposal is encoded as a single None (0) octet.
func BuildNak(methods []MethodRef) []byte {
	data := make([]byte, 0, len(methods)+1)
	expanded := false
	for _, m := range methods {
		if m.Legacy() {
			data = append(data, byte(m.Type))
			continue
		}
		if !expanded {
			data = append(data, byte(TypeExpanded))
			expanded = true
		}
	}
	if len(data) == 0 {
		data = append(data, byte(TypeNone))
	}
	return data
}

// BuildExpandedNak returns the type-data of an expanded Nak, i.e. the data
// following an expanded header of vendor 0 type 3. Each proposal is an
// 8 octet expanded type entry; an empty proposal is a single entry of type
// None.
func BuildExpandedNak(methods []MethodRef) []byte {
	if len(methods) == 0 {
		methods = []MethodRef{NoMethod}
	}
	data := make([]byte, 0, 8*len(methods))
	for _, m := range methods {
		entry := make([]byte, 8)
		entry[0] = byte(TypeExpanded)
		putUint24(entry[1:], m.Vendor)
		binary.BigEndian.PutUint32(entry[4:], m.Type)
		data = append(data, entry...)
	}
	return data
}

// ParseNak decodes the proposals of a Nak response. Expanded Naks are
// recognised by the packet header.
func ParseNak(p *Packet) ([]MethodRef, error) {
	if p.Method() != IETF(TypeNak) {
		return nil, fmt.Errorf("%w: not a nak", ErrMalformedFrame)
	}

	var methods []MethodRef
	if !p.Expanded() {
		for _, t := range p.Data {
			methods = append(methods, IETF(Type(t)))
		}
		return methods, nil
	}

	if len(p.Data)%8 != 0 {
		return nil, fmt.Errorf("%w: expanded nak of %d bytes", ErrMalformedFrame, len(p.Data))
	}
	for b := p.Data; len(b) > 0; b = b[8:] {
		if Type(b[0]) != TypeExpanded {
			return nil, fmt.Errorf("%w: expanded nak entry type %d", ErrMalformedFrame, b[0])
		}
		methods = append(methods, MethodRef{Vendor: uint24(b[1:]), Type: binary.BigEndian.Uint32(b[4:])})
	}
	return methods, nil
}
