package eap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDescriptor(name string, t Type) Descriptor {
	return Descriptor{
		Ref:   IETF(t),
		Name:  name,
		Outer: true,
		New: func(*Env) (Method, error) {
			return nil, errors.New("not used")
		},
	}
}

func TestRegistryKeepsOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestDescriptor("TTLS", TypeTTLS)))
	require.NoError(t, r.Register(newTestDescriptor("TLS", TypeTLS)))

	var names []string
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"TTLS", "TLS"}, names)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestDescriptor("TLS", TypeTLS)))

	err := r.Register(newTestDescriptor("TLS2", TypeTLS))
	assert.ErrorIs(t, err, ErrDuplicateMethod)

	err = r.Register(newTestDescriptor("tls", TypeTTLS))
	assert.ErrorIs(t, err, ErrDuplicateMethod)
}

func TestRegistryRejectsIncompleteDescriptor(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{Ref: IETF(TypeTLS), Name: "TLS"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	d := newTestDescriptor("none", TypeNone)
	assert.ErrorIs(t, r.Register(d), ErrInvalidDescriptor)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestDescriptor("TLS", TypeTLS)))

	d, ok := r.Lookup(IETF(TypeTLS))
	require.True(t, ok)
	assert.Equal(t, "TLS", d.Name)

	_, ok = r.Lookup(IETF(TypeMD5))
	assert.False(t, ok)

	d, ok = r.LookupName("tls")
	require.True(t, ok)
	assert.Equal(t, IETF(TypeTLS), d.Ref)
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{nil, ReasonCredentialRejected},
		{fmt.Errorf("tls: %w", ErrNoCredential), ReasonNoCredential},
		{ErrMethodNotAllowed, ReasonMethodNotAllowed},
		{fmt.Errorf("handshake: %w", ErrTLS), ReasonTLSHandshakeFailed},
		{ErrProtocolViolation, ReasonProtocolViolation},
		{ErrCredentialRejected, ReasonCredentialRejected},
		{errors.New("other"), ReasonCredentialRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonOf(tt.err), "%v", tt.err)
	}
}
