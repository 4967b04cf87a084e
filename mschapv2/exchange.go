package mschapv2

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/yzzyx/supplicant/eap"
)

// Exchange holds the values of one challenge/response round. Both the
// EAP method and the TTLS inner authentication are built on it.
type Exchange struct {
	Identity      []byte
	AuthChallenge []byte
	PeerChallenge []byte
	NTResponse    []byte

	// PrevError is the error code of the Failure that started this round,
	// zero for the first round.
	PrevError int

	passwordHash []byte
	authResponse []byte
	masterKey    []byte
}

// StripDomain removes a "DOMAIN\" prefix; only the user part enters the
// challenge hash.
func StripDomain(identity []byte) []byte {
	if i := bytes.LastIndexByte(identity, '\\'); i >= 0 {
		return identity[i+1:]
	}
	return identity
}

// PasswordHash returns the NT hash of the configured password.
func PasswordHash(creds eap.Credentials) ([]byte, error) {
	password, hashed := creds.Password()
	if password == nil {
		return nil, fmt.Errorf("%w: no password", eap.ErrNoCredential)
	}
	if hashed {
		if len(password) != PasswordHashLen {
			return nil, fmt.Errorf("%w: password hash must be %d bytes", eap.ErrNoCredential, PasswordHashLen)
		}
		return append([]byte(nil), password...), nil
	}
	return NTPasswordHash(password), nil
}

// NewExchange answers authChallenge. rnd supplies the peer challenge.
func NewExchange(authChallenge, identity, passwordHash []byte, rnd io.Reader) (*Exchange, error) {
	peerChallenge := make([]byte, ChallengeLen)
	if _, err := io.ReadFull(rnd, peerChallenge); err != nil {
		return nil, fmt.Errorf("%w: peer challenge: %v", eap.ErrCryptoDerivation, err)
	}
	return newExchange(authChallenge, peerChallenge, identity, passwordHash), nil
}

func newExchange(authChallenge, peerChallenge, identity, passwordHash []byte) *Exchange {
	userName := StripDomain(identity)
	ntResponse := GenerateNTResponse(authChallenge, peerChallenge, userName, passwordHash)
	return &Exchange{
		Identity:      identity,
		AuthChallenge: authChallenge,
		PeerChallenge: peerChallenge,
		NTResponse:    ntResponse,
		passwordHash:  passwordHash,
		authResponse:  GenerateAuthenticatorResponse(passwordHash, ntResponse, peerChallenge, authChallenge, userName),
	}
}

// Response returns the Response data of this round.
func (e *Exchange) Response() *Response {
	return &Response{
		PeerChallenge: e.PeerChallenge,
		NTResponse:    e.NTResponse,
		Name:          e.Identity,
	}
}

// Verify checks the authenticator response sent by the server.
// A match derives the master key of the round.
func (e *Exchange) Verify(authResponse []byte) bool {
	if subtle.ConstantTimeCompare(authResponse, e.authResponse) != 1 {
		return false
	}
	e.masterKey = MasterKey(e.passwordHash, e.NTResponse)
	return true
}

// MSK returns the session key of the round, or nil before a successful
// Verify.
func (e *Exchange) MSK() []byte {
	if e.masterKey == nil {
		return nil
	}
	return PeerMSK(e.masterKey)
}

// NewChangePassword builds a Change-Password message that replaces the
// password hashed as oldHash with newPassword. The returned exchange is
// bound to the new password.
func NewChangePassword(authChallenge, identity, oldHash, newPassword []byte, rnd io.Reader) (*ChangePassword, *Exchange, error) {
	encrypted, err := NewPasswordEncryptedWithOldNTPasswordHash(newPassword, oldHash, rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", eap.ErrCryptoDerivation, err)
	}
	newHash := NTPasswordHash(newPassword)
	ex, err := NewExchange(authChallenge, identity, newHash, rnd)
	if err != nil {
		return nil, nil, err
	}
	cpw := &ChangePassword{
		EncryptedPassword: encrypted,
		EncryptedHash:     OldNTPasswordHashEncryptedWithNewNTPasswordHash(newHash, oldHash),
		PeerChallenge:     ex.PeerChallenge,
		NTResponse:        ex.NTResponse,
	}
	return cpw, ex, nil
}
