package eaptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ServerName is the name in the test server certificate.
const ServerName = "radius.example.com"

// PKI is a throw-away certificate authority with a server and a client
// certificate.
type PKI struct {
	Roots  *x509.CertPool
	Server tls.Certificate
	Client tls.Certificate
}

// NewPKI generates a fresh PKI.
func NewPKI(t testing.TB) *PKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issue := func(serial int64, cn string, usage x509.ExtKeyUsage, dnsNames []string) tls.Certificate {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: cn},
			DNSNames:     dnsNames,
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		}
		der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
		require.NoError(t, err)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	return &PKI{
		Roots:  roots,
		Server: issue(2, ServerName, x509.ExtKeyUsageServerAuth, []string{ServerName}),
		Client: issue(3, "user@example.com", x509.ExtKeyUsageClientAuth, nil),
	}
}

// ServerConfig returns a server configuration that requires and verifies
// client certificates when requireClient is set.
func (p *PKI) ServerConfig(version uint16, requireClient bool) *tls.Config {
	config := &tls.Config{
		Certificates: []tls.Certificate{p.Server},
		MinVersion:   version,
		MaxVersion:   version,
		ClientCAs:    p.Roots,
	}
	if requireClient {
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config
}

// ClientConfig returns the base client configuration for the test server.
func (p *PKI) ClientConfig(version uint16) *tls.Config {
	return &tls.Config{
		ServerName: ServerName,
		MinVersion: version,
		MaxVersion: version,
	}
}

// Session is a scripted TLS engine with the method set of tunnel.Session.
type Session struct {
	// FeedFunc handles every Feed; nil completes the handshake at once.
	FeedFunc   func(in []byte) (out, appData []byte, err error)
	Done       bool
	TLSVersion uint16
	Client     []byte
	Server     []byte
	Fed        [][]byte
	Encrypted  [][]byte
	Closed     bool
}

func (s *Session) Feed(in []byte) (out, appData []byte, err error) {
	s.Fed = append(s.Fed, in)
	if s.FeedFunc == nil {
		s.Done = true
		return nil, nil, nil
	}
	return s.FeedFunc(in)
}

// Encrypt returns plain unchanged.
func (s *Session) Encrypt(plain []byte) ([]byte, error) {
	s.Encrypted = append(s.Encrypted, plain)
	return plain, nil
}

func (s *Session) HandshakeComplete() bool { return s.Done }
func (s *Session) Version() uint16         { return s.TLSVersion }
func (s *Session) Resumed() bool           { return false }

func (s *Session) Randoms() (client, server []byte) {
	return s.Client, s.Server
}

// ExportKeyingMaterial returns deterministic bytes derived from label and
// context.
func (s *Session) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	var out []byte
	for counter := byte(0); len(out) < length; counter++ {
		h := sha256.New()
		h.Write([]byte{counter})
		h.Write([]byte(label))
		h.Write(context)
		out = h.Sum(out)
	}
	return out[:length], nil
}

func (s *Session) Close() error {
	s.Closed = true
	return nil
}
