package mschapv2

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/yzzyx/supplicant/eap"
)

// Phases of an EAP-MSCHAPv2 conversation.
const (
	phaseIdle         = "idle"
	phaseResponseSent = "response-sent"
	phaseRetrySent    = "retry-sent"
	phaseChangeSent   = "change-sent"
	phaseSuccess      = "success"
	phaseFailed       = "failed"

	eventChallenge      = "challenge"
	eventRetry          = "retry"
	eventChangePassword = "change-password"
	eventSuccess        = "success"
	eventFail           = "fail"
)

// Descriptor registers EAP-MSCHAPv2. It is only run inside a tunnel.
var Descriptor = eap.Descriptor{
	Ref:   eap.IETF(eap.TypeMSCHAPv2),
	Name:  "MSCHAPV2",
	Outer: false,
	New: func(env *eap.Env) (eap.Method, error) {
		return New(env, rand.Reader)
	},
	Check: func(creds eap.Credentials) error {
		if pw, _ := creds.Password(); pw == nil {
			return fmt.Errorf("%w: mschapv2 needs a password", eap.ErrNoCredential)
		}
		return nil
	},
}

// Method is the peer side of EAP-MSCHAPv2.
type Method struct {
	creds eap.Credentials
	log   zerolog.Logger
	rand  io.Reader
	phase *fsm.FSM

	// challenge of the last Challenge request, reused for retries and
	// password changes when the Failure carries no C= value.
	authChallenge []byte
	current       *Exchange
	newPassword   []byte
	msk           []byte
}

// New creates an EAP-MSCHAPv2 instance. rnd supplies peer challenges.
func New(env *eap.Env, rnd io.Reader) (*Method, error) {
	if env.Credentials == nil {
		return nil, fmt.Errorf("%w: no credentials", eap.ErrNoCredential)
	}
	m := &Method{
		creds: env.Credentials,
		log:   env.Logger.With().Str("method", "MSCHAPV2").Logger(),
		rand:  rnd,
	}
	m.phase = fsm.NewFSM(
		phaseIdle,
		fsm.Events{
			{Name: eventChallenge, Src: []string{phaseIdle, phaseResponseSent}, Dst: phaseResponseSent},
			{Name: eventRetry, Src: []string{phaseResponseSent}, Dst: phaseRetrySent},
			{Name: eventChangePassword, Src: []string{phaseResponseSent, phaseRetrySent}, Dst: phaseChangeSent},
			{Name: eventSuccess, Src: []string{phaseResponseSent, phaseRetrySent, phaseChangeSent}, Dst: phaseSuccess},
			{Name: eventFail, Src: []string{phaseIdle, phaseResponseSent, phaseRetrySent, phaseChangeSent, phaseSuccess}, Dst: phaseFailed},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				m.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("phase change")
			},
		},
	)
	return m, nil
}

// Phase returns the current phase name.
func (m *Method) Phase() string {
	return m.phase.Current()
}

func (m *Method) transition(event string) error {
	err := m.phase.Event(event)
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return nil
	}
	return err
}

// Process implements eap.Method.
func (m *Method) Process(req *eap.Packet) ([]byte, eap.Outcome) {
	msg, err := DecodeMessage(req.Data)
	if err != nil {
		return nil, eap.Ignored(err)
	}

	switch msg.Op {
	case OpChallenge:
		return m.processChallenge(msg)
	case OpSuccess:
		return m.processSuccess(msg)
	case OpFailure:
		return m.processFailure(msg)
	default:
		return nil, eap.Ignored(fmt.Errorf("%w: unexpected mschapv2 op %s", eap.ErrProtocolViolation, msg.Op))
	}
}

func (m *Method) processChallenge(msg *Message) ([]byte, eap.Outcome) {
	if !m.phase.Can(eventChallenge) {
		return nil, eap.Ignored(fmt.Errorf("%w: challenge in phase %s", eap.ErrProtocolViolation, m.Phase()))
	}
	challenge, err := ParseChallenge(msg.Data)
	if err != nil {
		return nil, eap.Ignored(err)
	}

	m.log.Debug().Bytes("server", challenge.Name).Msg("received challenge")
	m.authChallenge = challenge.AuthChallenge
	resp, err := m.respond(msg.ID, challenge.AuthChallenge, 0)
	if err != nil {
		return m.fail(err)
	}
	if err := m.transition(eventChallenge); err != nil {
		return m.fail(err)
	}
	return resp, eap.Continuing()
}

func (m *Method) respond(id uint8, authChallenge []byte, prevError int) ([]byte, error) {
	hash, err := PasswordHash(m.creds)
	if err != nil {
		return nil, err
	}
	ex, err := NewExchange(authChallenge, m.creds.Identity(), hash, m.rand)
	if err != nil {
		return nil, err
	}
	ex.PrevError = prevError
	m.current = ex
	out := &Message{Op: OpResponse, ID: id, Data: ex.Response().Encode()}
	return out.Encode(), nil
}

func (m *Method) processSuccess(msg *Message) ([]byte, eap.Outcome) {
	if m.current == nil {
		return m.fail(fmt.Errorf("%w: success before challenge", eap.ErrProtocolViolation))
	}
	if !m.phase.Can(eventSuccess) {
		return nil, eap.Ignored(fmt.Errorf("%w: success in phase %s", eap.ErrProtocolViolation, m.Phase()))
	}
	authResponse, text, err := ParseSuccess(msg.Data)
	if err != nil {
		return m.fail(fmt.Errorf("%w: %v", eap.ErrProtocolViolation, err))
	}
	if !m.current.Verify(authResponse) {
		return m.fail(fmt.Errorf("%w: authenticator response mismatch", eap.ErrProtocolViolation))
	}

	if text != "" {
		m.log.Info().Str("message", text).Msg("server accepted credentials")
	}
	if m.Phase() == phaseChangeSent {
		m.creds.SetPassword(m.newPassword)
		m.log.Info().Msg("password changed")
	}
	m.msk = m.current.MSK()
	if err := m.transition(eventSuccess); err != nil {
		return m.fail(err)
	}
	return Ack(OpSuccess), eap.Succeeded(eap.StateDone, eap.DecisionUnconditionalSuccess)
}

func (m *Method) processFailure(msg *Message) ([]byte, eap.Outcome) {
	if !m.phase.Can(eventRetry) && !m.phase.Can(eventSuccess) {
		return nil, eap.Ignored(fmt.Errorf("%w: failure in phase %s", eap.ErrProtocolViolation, m.Phase()))
	}
	failure, err := ParseFailure(msg.Data)
	if err != nil {
		return m.failAck(fmt.Errorf("%w: %v", eap.ErrProtocolViolation, err))
	}
	m.log.Info().
		Int("error", failure.Error).
		Bool("retry", failure.Retry).
		Int("version", failure.Version).
		Str("message", failure.Message).
		Msg("server rejected credentials")

	authChallenge := m.authChallenge
	if failure.Challenge != nil {
		authChallenge = failure.Challenge
	}

	switch {
	case failure.Error == ErrorPasswordExpired && failure.Version == 3 && m.phase.Can(eventChangePassword):
		newPassword := m.creds.NewPassword()
		if newPassword == nil {
			return m.failAck(fmt.Errorf("%w: password expired and no new password configured", eap.ErrCredentialRejected))
		}
		oldHash, err := PasswordHash(m.creds)
		if err != nil {
			return m.failAck(err)
		}
		cpw, ex, err := NewChangePassword(authChallenge, m.creds.Identity(), oldHash, newPassword, m.rand)
		if err != nil {
			return m.failAck(err)
		}
		ex.PrevError = failure.Error
		m.current = ex
		m.newPassword = newPassword
		if err := m.transition(eventChangePassword); err != nil {
			return m.failAck(err)
		}
		out := &Message{Op: OpChangePassword, ID: msg.ID + 1, Data: cpw.Encode()}
		return out.Encode(), eap.Continuing()

	case failure.Retryable() && m.phase.Can(eventRetry):
		resp, err := m.respond(msg.ID+1, authChallenge, failure.Error)
		if err != nil {
			return m.failAck(err)
		}
		if err := m.transition(eventRetry); err != nil {
			return m.failAck(err)
		}
		return resp, eap.Continuing()
	}

	return m.failAck(fmt.Errorf("%w: mschapv2 error %d", eap.ErrCredentialRejected, failure.Error))
}

func (m *Method) fail(err error) ([]byte, eap.Outcome) {
	_ = m.transition(eventFail)
	return nil, eap.Failed(err)
}

// failAck terminates the method and acknowledges the server's Failure.
func (m *Method) failAck(err error) ([]byte, eap.Outcome) {
	_ = m.transition(eventFail)
	return Ack(OpFailure), eap.Failed(err)
}

// IsKeyAvailable implements eap.Method.
func (m *Method) IsKeyAvailable() bool {
	return m.msk != nil
}

// Key implements eap.Method.
func (m *Method) Key() []byte {
	return m.msk
}

// EMSK implements eap.Method. EAP-MSCHAPv2 derives none.
func (m *Method) EMSK() []byte {
	return nil
}

// SessionID implements eap.Method. EAP-MSCHAPv2 defines none.
func (m *Method) SessionID() []byte {
	return nil
}

// Close implements eap.Method.
func (m *Method) Close() error {
	m.current = nil
	m.msk = nil
	return nil
}
