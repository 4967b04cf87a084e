// Package eaptls implements the peer side of EAP-TLS (RFC 5216, RFC 9190).
package eaptls

import (
	"bytes"
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/tunnel"
)

// Descriptor registers EAP-TLS.
var Descriptor = eap.Descriptor{
	Ref:   eap.IETF(eap.TypeTLS),
	Name:  "TLS",
	Outer: true,
	New: func(env *eap.Env) (eap.Method, error) {
		return New(env), nil
	},
	Check: Check,
}

// Check requires a client certificate.
func Check(creds eap.Credentials) error {
	if creds == nil || !creds.HasClientCertificate() {
		return fmt.Errorf("%w: eap-tls needs a client certificate", eap.ErrNoCredential)
	}
	return nil
}

// successIndication is the protected success indication of TLS 1.3.
var successIndication = []byte{0x00}

// Method is an EAP-TLS instance.
type Method struct {
	tunnel   *tunnel.Tunnel
	log      zerolog.Logger
	state    eap.MethodState
	decision eap.Decision
}

// New creates an EAP-TLS instance for env.
func New(env *eap.Env) *Method {
	return NewWithConfig(tunnel.ConfigFrom(env, eap.TypeTLS))
}

// NewWithConfig creates an EAP-TLS instance with an explicit tunnel
// configuration.
func NewWithConfig(cfg tunnel.Config) *Method {
	cfg.Type = eap.TypeTLS
	return &Method{
		tunnel: tunnel.New(cfg),
		log:    cfg.Logger.With().Str("method", "TLS").Logger(),
		state:  eap.StateInit,
	}
}

func (m *Method) outcome() eap.Outcome {
	return eap.Outcome{State: m.state, Decision: m.decision, AllowNotifications: true}
}

func (m *Method) fail(resp []byte, err error) ([]byte, eap.Outcome) {
	m.state = eap.StateDone
	m.decision = eap.DecisionFail
	m.log.Warn().Err(err).Msg("authentication failed")
	return resp, eap.Failed(err)
}

// Process implements eap.Method.
func (m *Method) Process(req *eap.Packet) ([]byte, eap.Outcome) {
	res, err := m.tunnel.Process(req.Data)
	if tunnel.IsFramingError(err) {
		m.log.Debug().Err(err).Msg("dropping frame")
		return nil, eap.Ignored(err)
	}
	if err != nil {
		var resp []byte
		if res != nil {
			resp = res.Response
		}
		return m.fail(resp, err)
	}

	if res.Started {
		m.state = eap.StateContinuing
		m.decision = eap.DecisionFail
	}

	tls13 := m.tunnel.Version() >= tls.VersionTLS13
	if res.HandshakeDone {
		if tls13 {
			m.state = eap.StateMayContinue
			m.decision = eap.DecisionConditionalSuccess
		} else {
			m.state = eap.StateDone
			m.decision = eap.DecisionUnconditionalSuccess
		}
	}

	if len(res.AppData) > 0 {
		if !tls13 || !bytes.Equal(res.AppData, successIndication) {
			return m.fail(nil, fmt.Errorf("%w: unexpected application data", eap.ErrProtocolViolation))
		}
		m.log.Debug().Msg("received protected success indication")
		m.state = eap.StateDone
		m.decision = eap.DecisionUnconditionalSuccess
	}

	resp := res.Response
	if resp == nil {
		resp = m.tunnel.Ack()
	}
	return resp, m.outcome()
}

// IsKeyAvailable implements eap.Method.
func (m *Method) IsKeyAvailable() bool {
	return m.tunnel.Keys() != nil
}

// Key implements eap.Method.
func (m *Method) Key() []byte {
	if keys := m.tunnel.Keys(); keys != nil {
		return keys.MSK
	}
	return nil
}

// EMSK implements eap.Method.
func (m *Method) EMSK() []byte {
	if keys := m.tunnel.Keys(); keys != nil {
		return keys.EMSK
	}
	return nil
}

// SessionID implements eap.Method.
func (m *Method) SessionID() []byte {
	if keys := m.tunnel.Keys(); keys != nil {
		return keys.SessionID
	}
	return nil
}

// HasReauthData implements eap.Reauthenticator.
func (m *Method) HasReauthData() bool {
	return m.tunnel.HasReauthData()
}

// InitForReauth implements eap.Reauthenticator.
func (m *Method) InitForReauth() error {
	m.state = eap.StateInit
	m.decision = eap.DecisionFail
	return nil
}

// DeinitForReauth implements eap.Reauthenticator.
func (m *Method) DeinitForReauth() {
	m.tunnel.Suspend()
}

// Close implements eap.Method.
func (m *Method) Close() error {
	return m.tunnel.Close()
}
