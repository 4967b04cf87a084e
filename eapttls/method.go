// Package eapttls implements the peer side of EAP-TTLSv0 (RFC 5281) with
// inner EAP or inner MS-CHAP-V2 authentication.
package eapttls

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/tunnel"
)

// Descriptor registers EAP-TTLS.
var Descriptor = eap.Descriptor{
	Ref:   eap.IETF(eap.TypeTTLS),
	Name:  "TTLS",
	Outer: true,
	New: func(env *eap.Env) (eap.Method, error) {
		return New(env)
	},
	Check: Check,
}

// Check requires an identity for the inner authentication.
func Check(creds eap.Credentials) error {
	if creds == nil || len(creds.Identity()) == 0 {
		return fmt.Errorf("%w: eap-ttls needs an identity", eap.ErrNoCredential)
	}
	return nil
}

// Method is an EAP-TTLS instance.
type Method struct {
	env    *eap.Env
	mode   string
	tunnel *tunnel.Tunnel
	log    zerolog.Logger

	inner     phase2
	state     eap.MethodState
	decision  eap.Decision
	succeeded bool
}

// New creates an EAP-TTLS instance for env.
func New(env *eap.Env) (*Method, error) {
	return NewWithConfig(env, tunnel.ConfigFrom(env, eap.TypeTTLS))
}

// NewWithConfig creates an EAP-TTLS instance with an explicit tunnel
// configuration.
func NewWithConfig(env *eap.Env, cfg tunnel.Config) (*Method, error) {
	mode := env.Config.Phase2
	switch mode {
	case "":
		mode = eap.Phase2EAP
	case eap.Phase2EAP, eap.Phase2MSCHAPv2:
	default:
		return nil, fmt.Errorf("%w: unknown phase 2 %q", eap.ErrMethodInitFailed, mode)
	}
	cfg.Type = eap.TypeTTLS
	log := env.Logger.With().Str("method", "TTLS").Logger()
	return &Method{
		env:    env,
		mode:   mode,
		tunnel: tunnel.New(cfg),
		log:    log,
		state:  eap.StateInit,
	}, nil
}

func (m *Method) newPhase2() phase2 {
	log := m.log.With().Str("phase2", m.mode).Logger()
	if m.mode == eap.Phase2MSCHAPv2 {
		return newInnerMSCHAPv2(m.env.Credentials, m.tunnel, rand.Reader, log)
	}
	return newInnerEAP(m.env, log)
}

func (m *Method) closePhase2() error {
	if m.inner == nil {
		return nil
	}
	err := m.inner.close()
	m.inner = nil
	return err
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
		if err := m.closePhase2(); err != nil {
			m.log.Debug().Err(err).Msg("closing previous phase 2")
		}
		m.inner = m.newPhase2()
		m.state = eap.StateContinuing
		m.decision = eap.DecisionFail
		m.succeeded = false
	}
	if !m.tunnel.Established() || m.inner == nil {
		return m.reply(res, nil)
	}

	var out []AVP
	if res.HandshakeDone {
		m.log.Debug().Uint16("version", m.tunnel.Version()).Msg("tunnel established, starting phase 2")
		if out, err = m.inner.start(); err != nil {
			return m.fail(nil, err)
		}
	}

	switch {
	case len(res.AppData) > 0:
		more, done, err := m.handle(res.AppData)
		out = append(out, more...)
		if err != nil {
			resp, _ := m.encrypt(res, out)
			return m.fail(resp, err)
		}
		if done {
			m.log.Info().Msg("phase 2 succeeded")
			m.state = eap.StateDone
			m.decision = eap.DecisionUnconditionalSuccess
			m.succeeded = true
		}
	case res.Delivered && !res.HandshakeDone && !m.inner.started():
		// The server answered without an inner request: ask again with an
		// implicit identity.
		if out, err = m.inner.start(); err != nil {
			return m.fail(nil, err)
		}
	}

	return m.reply(res, out)
}

// handle parses decrypted AVPs and passes the supported ones to phase 2.
func (m *Method) handle(plain []byte) ([]AVP, bool, error) {
	m.traceAVPs("received avps", plain)
	avps, err := ParseAVPs(plain)
	if err != nil {
		return nil, false, err
	}
	var supported []AVP
	for i := range avps {
		a := &avps[i]
		switch {
		case m.inner.supports(a):
			supported = append(supported, *a)
		case a.Is(0, CodeReplyMessage):
			m.log.Info().Bytes("message", a.Data).Msg("reply message")
		case a.Mandatory:
			return nil, false, fmt.Errorf("%w: unsupported mandatory avp %d vendor %d", eap.ErrProtocolViolation, a.Code, a.Vendor)
		default:
			m.log.Warn().Uint32("code", a.Code).Uint32("vendor", a.Vendor).Msg("skipping unsupported avp")
		}
	}
	return m.inner.handle(supported)
}

func (m *Method) traceAVPs(msg string, plain []byte) {
	ev := m.log.Trace()
	if !ev.Enabled() {
		return
	}
	var buf bytes.Buffer
	if err := Dump(&buf, plain); err != nil {
		ev.AnErr("parse", err)
	}
	ev.Str("avps", buf.String()).Msg(msg)
}

// encrypt returns the response carrying res's records followed by the
// encrypted AVPs.
func (m *Method) encrypt(res *tunnel.Result, out []AVP) ([]byte, error) {
	if len(out) == 0 {
		return res.Response, nil
	}
	plain, err := EncodeAVPs(out...)
	if err != nil {
		return res.Response, err
	}
	m.traceAVPs("sending avps", plain)
	records, err := m.tunnel.Encrypt(plain)
	if err != nil {
		return res.Response, err
	}
	return m.tunnel.Send(append(res.Records, records...)), nil
}

func (m *Method) reply(res *tunnel.Result, out []AVP) ([]byte, eap.Outcome) {
	resp, err := m.encrypt(res, out)
	if err != nil {
		return m.fail(resp, err)
	}
	if resp == nil {
		resp = m.tunnel.Ack()
	}
	return resp, eap.Outcome{State: m.state, Decision: m.decision, AllowNotifications: true}
}

// IsKeyAvailable implements eap.Method. Keys are released once phase 2
// succeeded.
func (m *Method) IsKeyAvailable() bool {
	return m.succeeded && m.tunnel.Keys() != nil
}

// Key implements eap.Method. The MSK is the tunnel key; inner keys are
// not mixed in.
func (m *Method) Key() []byte {
	if !m.IsKeyAvailable() {
		return nil
	}
	return m.tunnel.Keys().MSK
}

// EMSK implements eap.Method.
func (m *Method) EMSK() []byte {
	if !m.IsKeyAvailable() {
		return nil
	}
	return m.tunnel.Keys().EMSK
}

// SessionID implements eap.Method.
func (m *Method) SessionID() []byte {
	if !m.IsKeyAvailable() {
		return nil
	}
	return m.tunnel.Keys().SessionID
}

// HasReauthData implements eap.Reauthenticator.
func (m *Method) HasReauthData() bool {
	return m.tunnel.HasReauthData()
}

// InitForReauth implements eap.Reauthenticator.
func (m *Method) InitForReauth() error {
	m.state = eap.StateInit
	m.decision = eap.DecisionFail
	m.succeeded = false
	return nil
}

// DeinitForReauth implements eap.Reauthenticator.
func (m *Method) DeinitForReauth() {
	if err := m.closePhase2(); err != nil {
		m.log.Debug().Err(err).Msg("closing phase 2")
	}
	m.tunnel.Suspend()
}

// Close implements eap.Method.
func (m *Method) Close() error {
	return multierr.Append(m.closePhase2(), m.tunnel.Close())
}
