// Package credential is the credential store handed to EAP methods.
package credential

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/internal/config"
)

// Store holds the identity and secrets of one network. Methods borrow from
// it; the token session and decrypted keys stay owned by the store.
type Store struct {
	log zerolog.Logger

	identity  []byte
	anonymous []byte
	roots     *x509.CertPool
	certFile  string
	keyFile   string
	token     *config.PKCS11Config
	prompt    Prompter

	mu          sync.Mutex
	password    []byte
	hashed      bool
	newPassword []byte
	// secret is the token PIN or key passphrase once known.
	secret []byte
	cert   *tls.Certificate
	closer func() error
}

var _ eap.Credentials = (*Store)(nil)

// New builds a store from the auth and tls sections of a configuration.
// prompt may be nil when no interactive secrets are wanted.
func New(auth config.AuthConfig, tlsCfg config.TLSConfig, prompt Prompter, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		log:      logger.With().Str("component", "credential").Logger(),
		identity: []byte(auth.Identity),
		certFile: tlsCfg.CertFile,
		keyFile:  tlsCfg.KeyFile,
		token:    tlsCfg.PKCS11,
		prompt:   prompt,
	}
	if auth.AnonymousIdentity != "" {
		s.anonymous = []byte(auth.AnonymousIdentity)
	}
	if auth.NewPassword != "" {
		s.newPassword = []byte(auth.NewPassword)
	}
	if tlsCfg.PKCS11 != nil && tlsCfg.PKCS11.PIN != "" {
		s.secret = []byte(tlsCfg.PKCS11.PIN)
	}

	switch {
	case auth.Password != "":
		s.password = []byte(auth.Password)
	case auth.PasswordFile != "":
		b, err := os.ReadFile(auth.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		s.password = bytes.TrimRight(b, "\r\n")
	case auth.PasswordHash != "":
		b, err := hex.DecodeString(auth.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("decode password hash: %w", err)
		}
		s.password, s.hashed = b, true
	case auth.PromptPassword:
		if prompt == nil {
			return nil, ErrNoPrompt
		}
		b, err := prompt.Prompt("Password for " + auth.Identity)
		if err != nil {
			return nil, err
		}
		s.password = b
	}

	if tlsCfg.CAFile != "" {
		pool, err := LoadCertPool(tlsCfg.CAFile)
		if err != nil {
			return nil, err
		}
		s.roots = pool
	}
	return s, nil
}

func (s *Store) Identity() []byte          { return s.identity }
func (s *Store) AnonymousIdentity() []byte { return s.anonymous }

func (s *Store) Password() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password, s.hashed
}

func (s *Store) NewPassword() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newPassword
}

func (s *Store) SetPassword(password []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wipe(s.password)
	s.password = bytes.Clone(password)
	s.hashed = false
	s.newPassword = nil
	s.log.Info().Msg("password changed")
}

// CACertificates returns the configured trust anchors, or nil for the
// system roots.
func (s *Store) CACertificates() *x509.CertPool {
	return s.roots
}

func (s *Store) HasClientCertificate() bool {
	return s.certFile != ""
}

// ClientCertificate loads the client certificate and its key on first use.
// Secrets are prompted for when needed and cached until InvalidatePIN.
func (s *Store) ClientCertificate() (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cert != nil {
		return s.cert, nil
	}
	if s.certFile == "" {
		return nil, eap.ErrNoCredential
	}

	chain, err := LoadCertificates(s.certFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eap.ErrNoCredential, err)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse client certificate: %w", eap.ErrNoCredential, err)
	}
	cert := &tls.Certificate{Certificate: chain, Leaf: leaf}

	if s.token != nil {
		err = s.loadTokenKey(cert)
	} else {
		err = s.loadFileKey(cert)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eap.ErrNoCredential, err)
	}
	s.cert = cert
	return cert, nil
}

func (s *Store) loadFileKey(cert *tls.Certificate) error {
	data, err := os.ReadFile(s.keyFile)
	if err != nil {
		return err
	}
	block, encrypted, err := findKeyBlock(data)
	if err != nil {
		return err
	}
	der := block.Bytes
	if encrypted {
		passphrase, err := s.secretLocked("Passphrase for " + s.keyFile)
		if err != nil {
			return err
		}
		//nolint:staticcheck // legacy encrypted keys are still in use
		der, err = x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			s.forgetLocked()
			return fmt.Errorf("decrypt private key: %w", err)
		}
	}
	key, err := parsePrivateKey(der)
	if err != nil {
		if encrypted {
			// A wrong passphrase can decrypt to garbage with valid padding.
			s.forgetLocked()
			return fmt.Errorf("%w: %w", x509.IncorrectPasswordError, err)
		}
		return err
	}
	cert.PrivateKey = key
	return nil
}

// secretLocked returns the cached secret or asks for it.
func (s *Store) secretLocked(label string) ([]byte, error) {
	if s.secret != nil {
		return s.secret, nil
	}
	if s.prompt == nil {
		return nil, ErrNoPrompt
	}
	secret, err := s.prompt.Prompt(label)
	if err != nil {
		return nil, err
	}
	s.secret = secret
	return secret, nil
}

// InvalidatePIN forgets the cached PIN or passphrase and the key loaded
// with it, so the next handshake asks again.
func (s *Store) InvalidatePIN() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked()
}

func (s *Store) forgetLocked() {
	s.log.Warn().Msg("forgetting cached pin")
	wipe(s.secret)
	s.secret = nil
	s.cert = nil
	if s.closer != nil {
		if err := s.closer(); err != nil {
			s.log.Debug().Err(err).Msg("closing token session")
		}
		s.closer = nil
	}
}

// Close releases the token session and wipes the secrets.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.closer != nil {
		err = multierr.Append(err, s.closer())
		s.closer = nil
	}
	wipe(s.password)
	wipe(s.newPassword)
	wipe(s.secret)
	s.password, s.newPassword, s.secret, s.cert = nil, nil, nil, nil
	return err
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
