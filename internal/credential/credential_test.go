package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/pkcs11"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/internal/config"
	"github.com/yzzyx/supplicant/tunnel"
)

type prompter struct {
	answers [][]byte
	labels  []string
}

func (p *prompter) Prompt(label string) ([]byte, error) {
	p.labels = append(p.labels, label)
	if len(p.answers) == 0 {
		return nil, errors.New("no more answers")
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

type files struct {
	dir     string
	cert    string
	key     string
	encKey  string
	private *ecdsa.PrivateKey
}

func writePEM(t *testing.T, path string, blocks ...*pem.Block) {
	t.Helper()
	var out []byte
	for _, b := range blocks {
		out = append(out, pem.EncodeToMemory(b)...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func newFiles(t *testing.T, passphrase string) *files {
	t.Helper()
	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "alice"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)

	f := &files{
		dir:     dir,
		cert:    filepath.Join(dir, "client.pem"),
		key:     filepath.Join(dir, "client.key"),
		encKey:  filepath.Join(dir, "client-enc.key"),
		private: key,
	}
	writePEM(t, f.cert, &pem.Block{Type: "CERTIFICATE", Bytes: der})

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	writePEM(t, f.key, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	sec1, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	//nolint:staticcheck // exercising legacy encrypted keys
	enc, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", sec1, []byte(passphrase), x509.PEMCipherAES256)
	require.NoError(t, err)
	writePEM(t, f.encKey, enc)
	return f
}

func TestPasswordSources(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "pw")
	require.NoError(t, os.WriteFile(pwFile, []byte("from-file\n"), 0o600))

	tests := []struct {
		name       string
		auth       config.AuthConfig
		prompt     *prompter
		wantPass   []byte
		wantHashed bool
	}{
		{name: "inline", auth: config.AuthConfig{Password: "inline"}, wantPass: []byte("inline")},
		{name: "file", auth: config.AuthConfig{PasswordFile: pwFile}, wantPass: []byte("from-file")},
		{name: "hash", auth: config.AuthConfig{PasswordHash: "8846f7eaee8fb117ad06bdd830b7586c"},
			wantPass: []byte{0x88, 0x46, 0xf7, 0xea, 0xee, 0x8f, 0xb1, 0x17, 0xad, 0x06, 0xbd, 0xd8, 0x30, 0xb7, 0x58, 0x6c}, wantHashed: true},
		{name: "prompt", auth: config.AuthConfig{PromptPassword: true}, prompt: &prompter{answers: [][]byte{[]byte("typed")}}, wantPass: []byte("typed")},
		{name: "none", auth: config.AuthConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.auth.Identity = "alice"
			var p Prompter
			if tt.prompt != nil {
				p = tt.prompt
			}
			s, err := New(tt.auth, config.TLSConfig{}, p, zerolog.Nop())
			require.NoError(t, err)
			pass, hashed := s.Password()
			assert.Equal(t, tt.wantPass, pass)
			assert.Equal(t, tt.wantHashed, hashed)
			assert.Equal(t, []byte("alice"), s.Identity())
			assert.Nil(t, s.AnonymousIdentity())
			assert.Nil(t, s.CACertificates())
		})
	}
}

func TestPromptWithoutPrompter(t *testing.T) {
	_, err := New(config.AuthConfig{Identity: "alice", PromptPassword: true}, config.TLSConfig{}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoPrompt)
}

func TestSetPassword(t *testing.T) {
	s, err := New(config.AuthConfig{Identity: "alice", PasswordHash: "8846f7eaee8fb117ad06bdd830b7586c", NewPassword: "next"},
		config.TLSConfig{}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), s.NewPassword())

	s.SetPassword([]byte("next"))
	pass, hashed := s.Password()
	assert.Equal(t, []byte("next"), pass)
	assert.False(t, hashed)
	assert.Nil(t, s.NewPassword())
}

func TestClientCertificateFromFiles(t *testing.T) {
	f := newFiles(t, "unused")
	s, err := New(config.AuthConfig{Identity: "alice"},
		config.TLSConfig{CAFile: f.cert, CertFile: f.cert, KeyFile: f.key}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, s.HasClientCertificate())
	require.NotNil(t, s.CACertificates())

	cert, err := s.ClientCertificate()
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.Leaf.Subject.CommonName)
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, key.Equal(f.private))

	again, err := s.ClientCertificate()
	require.NoError(t, err)
	assert.Same(t, cert, again)
}

func TestEncryptedKeyPrompt(t *testing.T) {
	f := newFiles(t, "correct horse")
	p := &prompter{answers: [][]byte{[]byte("wrong"), []byte("correct horse")}}
	s, err := New(config.AuthConfig{Identity: "alice"},
		config.TLSConfig{CertFile: f.cert, KeyFile: f.encKey}, p, zerolog.Nop())
	require.NoError(t, err)

	_, err = s.ClientCertificate()
	require.Error(t, err)
	assert.ErrorIs(t, err, eap.ErrNoCredential)
	assert.True(t, tunnel.IsPINError(err))

	cert, err := s.ClientCertificate()
	require.NoError(t, err)
	assert.True(t, cert.PrivateKey.(*ecdsa.PrivateKey).Equal(f.private))
	assert.Len(t, p.labels, 2)

	// Cached until invalidated.
	_, err = s.ClientCertificate()
	require.NoError(t, err)
	assert.Len(t, p.labels, 2)

	p.answers = [][]byte{[]byte("correct horse")}
	s.InvalidatePIN()
	_, err = s.ClientCertificate()
	require.NoError(t, err)
	assert.Len(t, p.labels, 3)
}

func TestEncryptedKeyWithoutPrompter(t *testing.T) {
	f := newFiles(t, "secret")
	s, err := New(config.AuthConfig{Identity: "alice"},
		config.TLSConfig{CertFile: f.cert, KeyFile: f.encKey}, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.ClientCertificate()
	assert.ErrorIs(t, err, ErrNoPrompt)
	assert.ErrorIs(t, err, eap.ErrNoCredential)
}

func TestNoClientCertificate(t *testing.T) {
	s, err := New(config.AuthConfig{Identity: "alice"}, config.TLSConfig{}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, s.HasClientCertificate())
	_, err = s.ClientCertificate()
	assert.ErrorIs(t, err, eap.ErrNoCredential)
}

func TestLoadCertificatesErrors(t *testing.T) {
	f := newFiles(t, "x")
	other := filepath.Join(f.dir, "other.pem")
	writePEM(t, other, &pem.Block{Type: "PUBLIC KEY", Bytes: []byte{1}}, &pem.Block{Type: "DH PARAMETERS", Bytes: []byte{2}})
	empty := filepath.Join(f.dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing here"), 0o600))

	_, err := LoadCertificates(f.key)
	assert.ErrorIs(t, err, ErrSwappedPEM)
	_, err = LoadCertificates(empty)
	assert.ErrorIs(t, err, ErrNoPEMData)
	_, err = LoadCertificates(other)
	assert.ErrorIs(t, err, ErrNoCertificate)
	assert.Contains(t, err.Error(), "DH PARAMETERS")
	_, err = LoadCertificates(filepath.Join(f.dir, "missing.pem"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = New(config.AuthConfig{Identity: "alice"}, config.TLSConfig{CAFile: f.key}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrSwappedPEM)
}

type failingSigner struct {
	crypto.Signer
	err error
}

func (f failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, f.err
}

func TestPINSignerInvalidates(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "incorrect pin", err: pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), want: 1},
		{name: "locked pin", err: pkcs11.Error(pkcs11.CKR_PIN_LOCKED), want: 1},
		{name: "device error", err: pkcs11.Error(pkcs11.CKR_DEVICE_ERROR), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			s := &pinSigner{Signer: failingSigner{Signer: key, err: tt.err}, invalidate: func() { calls++ }}
			_, err := s.Sign(rand.Reader, make([]byte, 32), crypto.SHA256)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.want, calls)
			assert.Equal(t, key.Public(), s.Public())
		})
	}
}

func TestClose(t *testing.T) {
	s, err := New(config.AuthConfig{Identity: "alice", Password: "secret"}, config.TLSConfig{}, nil, zerolog.Nop())
	require.NoError(t, err)
	pass, _ := s.Password()
	require.NoError(t, s.Close())
	assert.Equal(t, make([]byte, 6), pass)
	pass, _ = s.Password()
	assert.Nil(t, pass)
}
