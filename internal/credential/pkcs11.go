package credential

import (
	"crypto"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ThalesIgnite/crypto11"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/tunnel"
)

// ErrKeyNotFound is returned when the token holds no matching key pair.
var ErrKeyNotFound = errors.New("credential: key pair not found on token")

// loadTokenKey logs into the configured token and attaches its key to cert.
func (s *Store) loadTokenKey(cert *tls.Certificate) error {
	t := s.token
	pin, err := s.secretLocked("PIN for token " + t.TokenLabel)
	if err != nil {
		return err
	}

	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       t.Module,
		TokenLabel: t.TokenLabel,
		SlotNumber: t.Slot,
		Pin:        string(pin),
	})
	if err != nil {
		if tunnel.IsPINError(err) {
			s.forgetLocked()
		}
		return fmt.Errorf("open token: %w", err)
	}

	var id, label []byte
	if t.KeyID != "" {
		if id, err = hex.DecodeString(t.KeyID); err != nil {
			return multierr.Append(fmt.Errorf("key id: %w", err), ctx.Close())
		}
	}
	if t.KeyLabel != "" {
		label = []byte(t.KeyLabel)
	}
	key, err := ctx.FindKeyPair(id, label)
	if err != nil {
		return multierr.Append(fmt.Errorf("find key pair: %w", err), ctx.Close())
	}
	if key == nil {
		return multierr.Append(ErrKeyNotFound, ctx.Close())
	}

	s.closer = ctx.Close
	cert.PrivateKey = &pinSigner{Signer: key, invalidate: s.InvalidatePIN}
	s.log.Debug().Str("token", t.TokenLabel).Msg("using token key")
	return nil
}

// pinSigner forgets the PIN when the token rejects a signature for PIN
// reasons. crypto/tls flattens signer errors into strings, so the tunnel
// cannot see them.
type pinSigner struct {
	crypto.Signer
	invalidate func()
}

func (p *pinSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	sig, err := p.Signer.Sign(rand, digest, opts)
	if err != nil && tunnel.IsPINError(err) {
		p.invalidate()
	}
	return sig, err
}
