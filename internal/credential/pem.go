package credential

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// PEM errors
var (
	ErrNoPEMData     = errors.New("credential: no PEM data found")
	ErrSwappedPEM    = errors.New("credential: found a private key where certificates were expected, PEM inputs may have been switched")
	ErrNoCertificate = errors.New("credential: no CERTIFICATE block found")
	ErrNoPrivateKey  = errors.New("credential: no PRIVATE KEY block found")
	ErrKeyType       = errors.New("credential: unsupported private key type")
)

// LoadCertificates returns the DER bytes of every CERTIFICATE block in
// the PEM file at path, in file order.
func LoadCertificates(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseCertificates(data)
}

func parseCertificates(data []byte) ([][]byte, error) {
	var (
		chain   [][]byte
		skipped []string
		block   *pem.Block
	)
	for {
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		} else {
			skipped = append(skipped, block.Type)
		}
	}

	if len(chain) > 0 {
		return chain, nil
	}
	switch {
	case len(skipped) == 0:
		return nil, ErrNoPEMData
	case len(skipped) == 1 && strings.HasSuffix(skipped[0], "PRIVATE KEY"):
		return nil, ErrSwappedPEM
	default:
		return nil, fmt.Errorf("%w after skipping blocks of type %v", ErrNoCertificate, skipped)
	}
}

// LoadCertPool builds a pool from the certificates in the PEM file at path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	chain, err := LoadCertificates(path)
	if err != nil {
		return nil, fmt.Errorf("load ca file: %w", err)
	}
	pool := x509.NewCertPool()
	for _, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse ca certificate: %w", err)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

// findKeyBlock returns the first private key block and whether it uses
// legacy PEM encryption.
func findKeyBlock(data []byte) (*pem.Block, bool, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, false, ErrNoPrivateKey
		}
		if block.Type == "PRIVATE KEY" || strings.HasSuffix(block.Type, " PRIVATE KEY") {
			//nolint:staticcheck // legacy encrypted keys are still in use
			return block, x509.IsEncryptedPEMBlock(block), nil
		}
	}
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return key.(crypto.Signer), nil
		default:
			return nil, fmt.Errorf("%w: %T", ErrKeyType, key)
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unrecognised encoding", ErrKeyType)
}
