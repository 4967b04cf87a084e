// Package eaptest provides helpers for testing EAP methods.
package eaptest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/rs/zerolog"

	"github.com/yzzyx/supplicant/eap"
)

// Credentials is an in-memory eap.Credentials.
type Credentials struct {
	User          []byte
	Anonymous     []byte
	Pass          []byte
	Hashed        bool
	NewPass       []byte
	Certificate   *tls.Certificate
	Roots         *x509.CertPool
	PINResets     int
	PasswordSets  [][]byte
	CertificateFn func() (*tls.Certificate, error)
}

var _ eap.Credentials = (*Credentials)(nil)

func (c *Credentials) Identity() []byte          { return c.User }
func (c *Credentials) AnonymousIdentity() []byte { return c.Anonymous }
func (c *Credentials) NewPassword() []byte       { return c.NewPass }
func (c *Credentials) CACertificates() *x509.CertPool {
	return c.Roots
}

func (c *Credentials) Password() ([]byte, bool) {
	return c.Pass, c.Hashed
}

func (c *Credentials) HasClientCertificate() bool {
	return c.Certificate != nil || c.CertificateFn != nil
}

func (c *Credentials) ClientCertificate() (*tls.Certificate, error) {
	if c.CertificateFn != nil {
		return c.CertificateFn()
	}
	if c.Certificate == nil {
		return nil, errors.New("no client certificate")
	}
	return c.Certificate, nil
}

func (c *Credentials) SetPassword(password []byte) {
	c.PasswordSets = append(c.PasswordSets, password)
	c.Pass = password
	c.Hashed = false
}

func (c *Credentials) InvalidatePIN() {
	c.PINResets++
}

// Env returns a method environment around creds with a silent logger.
func Env(creds eap.Credentials) *eap.Env {
	return &eap.Env{
		Credentials: creds,
		Registry:    eap.NewRegistry(),
		Logger:      zerolog.Nop(),
	}
}
