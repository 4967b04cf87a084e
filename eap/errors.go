package eap

import (
	"errors"
	"fmt"
)

// EAP errors
var (
	ErrMalformedFrame = errors.New("eap: malformed frame")
	ErrTooShort       = fmt.Errorf("%w: too short", ErrMalformedFrame)
	ErrLengthMismatch = fmt.Errorf("%w: length header value does not match received data", ErrMalformedFrame)

	ErrUnsupportedMethod  = errors.New("eap: unsupported method")
	ErrMethodInitFailed   = errors.New("eap: method initialization failed")
	ErrNoCredential       = fmt.Errorf("%w: missing credential", ErrMethodInitFailed)
	ErrMethodNotAllowed   = errors.New("eap: method not allowed")
	ErrTLS                = errors.New("eap: tls error")
	ErrCryptoDerivation   = errors.New("eap: key derivation failed")
	ErrProtocolViolation  = errors.New("eap: protocol violation")
	ErrCredentialRejected = errors.New("eap: credential rejected")
	ErrAborted            = errors.New("eap: authentication aborted")

	ErrDuplicateMethod   = errors.New("eap: method already registered")
	ErrInvalidDescriptor = errors.New("eap: invalid method descriptor")
)

// Reason is the terminal failure taxonomy reported upward.
type Reason int

// Terminal failure reasons
const (
	ReasonCredentialRejected Reason = iota
	ReasonNoCredential
	ReasonMethodNotAllowed
	ReasonTLSHandshakeFailed
	ReasonProtocolViolation
)

func (r Reason) String() string {
	switch r {
	case ReasonNoCredential:
		return "NoCredential"
	case ReasonMethodNotAllowed:
		return "MethodNotAllowed"
	case ReasonTLSHandshakeFailed:
		return "TlsHandshakeFailed"
	case ReasonCredentialRejected:
		return "CredentialRejected"
	case ReasonProtocolViolation:
		return "ProtocolViolation"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// ReasonOf maps an error to the terminal failure taxonomy. Errors that do
// not match a known sentinel, and nil, are reported as CredentialRejected:
// the server refused us without telling why.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonCredentialRejected
	case errors.Is(err, ErrNoCredential), errors.Is(err, ErrMethodInitFailed):
		return ReasonNoCredential
	case errors.Is(err, ErrMethodNotAllowed), errors.Is(err, ErrUnsupportedMethod):
		return ReasonMethodNotAllowed
	case errors.Is(err, ErrTLS):
		return ReasonTLSHandshakeFailed
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrCryptoDerivation):
		return ReasonProtocolViolation
	default:
		return ReasonCredentialRejected
	}
}
