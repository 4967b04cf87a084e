package tunnel

import (
	"crypto/tls"
	"fmt"

	"github.com/yzzyx/supplicant/eap"
)

const (
	keyMaterialLen = 128
	mskLen         = 64
	methodIDLen    = 64

	labelTLS13KeyMaterial = "EXPORTER_EAP_TLS_Key_Material"
	labelTLS13MethodID    = "EXPORTER_EAP_TLS_Method-Id"
)

// Keys is the keying material of a completed handshake.
type Keys struct {
	MSK       []byte
	EMSK      []byte
	SessionID []byte
}

// keyLabel returns the TLS 1.2 PRF label of a method type.
func keyLabel(t eap.Type) string {
	if t == eap.TypeTTLS {
		return "ttls keying material"
	}
	return "client EAP encryption"
}

// DeriveKeys exports the MSK, EMSK and Session-Id of method type t from a
// completed handshake.
func DeriveKeys(s Session, t eap.Type) (*Keys, error) {
	if !s.HandshakeComplete() {
		return nil, fmt.Errorf("%w: handshake not complete", eap.ErrCryptoDerivation)
	}

	typeCode := []byte{byte(t)}
	if s.Version() >= tls.VersionTLS13 {
		material, err := s.ExportKeyingMaterial(labelTLS13KeyMaterial, typeCode, keyMaterialLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", eap.ErrCryptoDerivation, err)
		}
		// EAP-TLS uses an empty context for the Method-Id, the tunnelled
		// methods use their type code.
		var context []byte
		if t != eap.TypeTLS {
			context = typeCode
		}
		methodID, err := s.ExportKeyingMaterial(labelTLS13MethodID, context, methodIDLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", eap.ErrCryptoDerivation, err)
		}
		return &Keys{
			MSK:       material[:mskLen],
			EMSK:      material[mskLen:],
			SessionID: append(typeCode, methodID...),
		}, nil
	}

	material, err := s.ExportKeyingMaterial(keyLabel(t), nil, keyMaterialLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eap.ErrCryptoDerivation, err)
	}
	client, server := s.Randoms()
	if len(client) != helloRandomLen || len(server) != helloRandomLen {
		return nil, fmt.Errorf("%w: hello randoms not seen", eap.ErrCryptoDerivation)
	}
	sessionID := make([]byte, 0, 1+2*helloRandomLen)
	sessionID = append(sessionID, typeCode...)
	sessionID = append(sessionID, client...)
	sessionID = append(sessionID, server...)
	return &Keys{
		MSK:       material[:mskLen],
		EMSK:      material[mskLen:],
		SessionID: sessionID,
	}, nil
}
