package eap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	buf := []byte{0x01, 0x07, 0x00, 0x0a, 0x15, 0x20, 0xde, 0xad, 0xbe, 0xef}

	p, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, CodeRequest, p.Code)
	assert.Equal(t, uint8(7), p.Identifier)
	assert.Equal(t, TypeTTLS, p.Type)
	assert.Equal(t, IETF(TypeTTLS), p.Method())
	assert.Equal(t, []byte{0x20, 0xde, 0xad, 0xbe, 0xef}, p.Data)
}

func TestDecodeIgnoresLinkPadding(t *testing.T) {
	buf := []byte{0x01, 0x01, 0x00, 0x05, 0x01, 0x00, 0x00, 0x00}

	p, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeIdentity, p.Type)
	assert.Empty(t, p.Data)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x01, 0x01, 0x00}},
		{"length beyond buffer", []byte{0x01, 0x01, 0x00, 0x09, 0x01}},
		{"length below header", []byte{0x03, 0x01, 0x00, 0x02}},
		{"request without type", []byte{0x01, 0x01, 0x00, 0x04}},
		{"truncated expanded", []byte{0x01, 0x01, 0x00, 0x08, 0xfe, 0x00, 0x00, 0x00}},
		{"unknown code", []byte{0x09, 0x01, 0x00, 0x04}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeSuccess(t *testing.T) {
	p, err := Decode([]byte{0x03, 0x2a, 0x00, 0x04})
	require.NoError(t, err)
	assert.Equal(t, CodeSuccess, p.Code)
	assert.Equal(t, uint8(0x2a), p.Identifier)
}

func TestDecodeExpanded(t *testing.T) {
	buf := []byte{
		0x01, 0x03, 0x00, 0x0e,
		0xfe, 0x00, 0x37, 0x2a, 0x00, 0x00, 0x00, 0x01,
		0xaa, 0xbb,
	}

	p, err := Decode(buf)
	require.NoError(t, err)
	assert.True(t, p.Expanded())
	assert.Equal(t, MethodRef{Vendor: 0x372a, Type: 1}, p.Method())
	assert.Equal(t, []byte{0xaa, 0xbb}, p.Data)
}

func TestEncodeRecomputesLength(t *testing.T) {
	p := NewEAP(CodeResponse, 9, TypeIdentity, []byte("user"))
	p.Length = 1

	buf := p.Encode()
	assert.Equal(t, []byte{0x02, 0x09, 0x00, 0x09, 0x01, 'u', 's', 'e', 'r'}, buf)
	assert.Equal(t, uint16(9), p.Length)
}

func TestEncodeDecodeExpandedResponse(t *testing.T) {
	p := NewResponse(4, MethodRef{Vendor: 0x5597, Type: 3}, false, []byte{1, 2, 3})
	buf := p.Encode()
	require.Len(t, buf, ExpandedHeaderLen+3)

	q, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, p.Method(), q.Method())
	assert.Equal(t, []byte{1, 2, 3}, q.Data)
}

func TestNewResponseForcedExpanded(t *testing.T) {
	p := NewResponse(1, IETF(TypeTLS), true, nil)
	assert.True(t, p.Expanded())
	assert.Equal(t, IETF(TypeTLS), p.Method())
}

func TestEncodeSuccessHasNoType(t *testing.T) {
	p := &Packet{Code: CodeFailure, Identifier: 3, Type: TypeTLS, Data: []byte{1}}
	assert.Equal(t, []byte{0x04, 0x03, 0x00, 0x04}, p.Encode())
}
