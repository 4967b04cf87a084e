// Package peer implements the EAP peer state machine (RFC 4137). A Session
// drives one authentication conversation at a time: it answers Identity
// requests, selects and negotiates methods, caches responses for
// retransmissions and publishes the derived keys once the authenticator
// declared success.
//
// A Session is not safe for concurrent use; it is owned by the goroutine
// that feeds it frames.
package peer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/trace"
)

// Handler receives the terminal events of a conversation.
type Handler interface {
	// KeyAvailable is called once per successful conversation that
	// derived keys. The slices are copies owned by the handler.
	KeyAvailable(msk, sessionID []byte)
	// TerminalFailure is called once per failed conversation.
	TerminalFailure(reason eap.Reason, err error)
}

// Config configures a Session.
type Config struct {
	Registry    *eap.Registry
	Credentials eap.Credentials
	// Methods restricts the outer methods by name. Empty allows every
	// registered outer method.
	Methods      []string
	MethodConfig eap.MethodConfig
	Handler      Handler
	Logger       zerolog.Logger
	Recorder     trace.Recorder
}

// Session is the peer state machine.
type Session struct {
	cfg Config
	log zerolog.Logger
	rec trace.Recorder

	method   eap.Method
	selected eap.MethodRef
	// parked keeps a method with re-authentication data between
	// conversations.
	parked    eap.Method
	parkedRef eap.MethodRef

	state        eap.MethodState
	decision     eap.Decision
	allowNotify  bool
	ran          bool
	finished     bool
	lastErr      error
	hasLast      bool
	lastID       uint8
	lastResponse []byte

	msk       []byte
	emsk      []byte
	sessionID []byte
}

// New returns an idle Session.
func New(cfg Config) *Session {
	if cfg.Registry == nil {
		cfg.Registry = eap.NewRegistry()
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = trace.Nop{}
	}
	return &Session{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "peer").Logger(),
		rec:       rec,
		selected:  eap.NoMethod,
		parkedRef: eap.NoMethod,
	}
}

// Receive processes one EAP packet from the authenticator and returns the
// response to send, or nil. Malformed packets are dropped without any
// state change.
func (s *Session) Receive(raw []byte) []byte {
	pkt, err := eap.Decode(raw)
	if err != nil {
		s.log.Debug().Err(err).Int("len", len(raw)).Msg("dropping malformed packet")
		return nil
	}
	s.rec.Record(trace.Event{Kind: trace.KindFrame, Direction: trace.DirectionIn, Frame: bytes.Clone(raw)})

	switch pkt.Code {
	case eap.CodeSuccess:
		s.Success()
		return nil
	case eap.CodeFailure:
		s.Failure()
		return nil
	case eap.CodeResponse:
		s.log.Debug().Uint8("id", pkt.Identifier).Msg("ignoring response")
		return nil
	}

	if s.hasLast && pkt.Identifier == s.lastID && s.lastResponse != nil {
		s.log.Debug().Uint8("id", pkt.Identifier).Msg("retransmission, resending last response")
		return s.send(s.lastResponse)
	}

	resp, ok := s.request(pkt)
	if !ok {
		return nil
	}
	s.hasLast = true
	s.lastID = pkt.Identifier
	s.lastResponse = resp
	return s.send(resp)
}

func (s *Session) send(resp []byte) []byte {
	if resp == nil {
		return nil
	}
	out := bytes.Clone(resp)
	s.rec.Record(trace.Event{Kind: trace.KindFrame, Direction: trace.DirectionOut, Frame: bytes.Clone(out)})
	return out
}

// request dispatches a request. ok is false when the request was ignored.
func (s *Session) request(pkt *eap.Packet) (resp []byte, ok bool) {
	ref := pkt.Method()
	log := s.log.With().Uint8("id", pkt.Identifier).Stringer("type", ref).Logger()

	switch ref {
	case eap.IETF(eap.TypeIdentity):
		if s.finished || s.state == eap.StateDone {
			s.log.Debug().Msg("identity request after finished conversation")
			s.reset(true)
		}
		identity := s.identity()
		log.Debug().Bytes("identity", identity).Msg("identity request")
		return eap.NewResponse(pkt.Identifier, ref, pkt.Expanded(), identity).Encode(), true
	case eap.IETF(eap.TypeNotification):
		if s.method == nil || s.allowNotify {
			log.Info().Bytes("text", pkt.Data).Msg("notification")
		}
		return nil, true
	case eap.IETF(eap.TypeNak):
		log.Debug().Msg("ignoring nak request")
		return nil, false
	}

	if s.finished {
		log.Debug().Msg("conversation finished, ignoring request")
		return nil, false
	}

	if s.method == nil || ref != s.selected {
		if err := s.selectMethod(ref); err != nil {
			eligible := s.eligible()
			log.Info().Err(err).Int("offered", len(eligible)).Msg("sending nak")
			if pkt.Expanded() {
				return eap.NewResponse(pkt.Identifier, eap.IETF(eap.TypeNak), true, eap.BuildExpandedNak(eligible)).Encode(), true
			}
			return eap.NewResponse(pkt.Identifier, eap.IETF(eap.TypeNak), false, eap.BuildNak(eligible)).Encode(), true
		}
	}

	data, outcome := s.method.Process(pkt)
	if outcome.Ignore {
		log.Debug().Err(outcome.Err).Msg("method ignored request")
		return nil, false
	}
	s.ran = true
	s.setState(outcome.State, outcome.Decision)
	s.allowNotify = outcome.AllowNotifications
	if outcome.Decision != eap.DecisionFail && s.method.IsKeyAvailable() {
		s.copyKeys()
	}

	if data != nil {
		resp = eap.NewResponse(pkt.Identifier, ref, pkt.Expanded(), data).Encode()
	}
	if outcome.State == eap.StateDone && outcome.Decision == eap.DecisionFail {
		err := outcome.Err
		if err == nil {
			err = eap.ErrCredentialRejected
		}
		s.terminalFailure(err)
	} else if outcome.Err != nil {
		s.lastErr = outcome.Err
	}
	return resp, true
}

// identity returns the identity for the next Identity response.
func (s *Session) identity() []byte {
	for _, m := range []eap.Method{s.method, s.parked} {
		p, ok := m.(eap.IdentityProvider)
		if !ok {
			continue
		}
		if r, ok := m.(eap.Reauthenticator); ok && r.HasReauthData() {
			if id := p.Identity(); len(id) > 0 {
				return id
			}
		}
	}
	creds := s.cfg.Credentials
	if creds == nil {
		return nil
	}
	if id := creds.AnonymousIdentity(); len(id) > 0 {
		return id
	}
	return creds.Identity()
}

// allowed applies the local method policy to d.
func (s *Session) allowed(d *eap.Descriptor) error {
	if !d.Outer {
		return fmt.Errorf("%w: %s is inner only", eap.ErrMethodNotAllowed, d.Name)
	}
	if len(s.cfg.Methods) > 0 {
		found := false
		for _, name := range s.cfg.Methods {
			if strings.EqualFold(name, d.Name) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s not configured", eap.ErrMethodNotAllowed, d.Name)
		}
	}
	return d.Allowed(s.cfg.Credentials)
}

// eligible lists the methods offered in a Nak, in registration order.
func (s *Session) eligible() []eap.MethodRef {
	var refs []eap.MethodRef
	for _, d := range s.cfg.Registry.Descriptors() {
		if s.allowed(d) == nil {
			refs = append(refs, d.Ref)
		}
	}
	return refs
}

func (s *Session) env() *eap.Env {
	return &eap.Env{
		Credentials: s.cfg.Credentials,
		Registry:    s.cfg.Registry,
		Config:      s.cfg.MethodConfig,
		Logger:      s.cfg.Logger,
	}
}

func (s *Session) selectMethod(ref eap.MethodRef) error {
	d, ok := s.cfg.Registry.Lookup(ref)
	if !ok {
		return fmt.Errorf("%w: %s", eap.ErrUnsupportedMethod, ref)
	}
	if err := s.allowed(d); err != nil {
		return err
	}
	s.closeMethod()

	if s.parked != nil && s.parkedRef == ref {
		m := s.parked
		s.parked, s.parkedRef = nil, eap.NoMethod
		if r, ok := m.(eap.Reauthenticator); ok {
			err := r.InitForReauth()
			if err == nil {
				s.log.Debug().Str("method", d.Name).Msg("resuming parked method")
				s.install(m, ref)
				return nil
			}
			s.log.Debug().Err(err).Str("method", d.Name).Msg("re-authentication init failed")
		}
		if err := m.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing parked method")
		}
	}
	s.closeParked()

	m, err := d.New(s.env())
	if err != nil {
		s.lastErr = err
		return err
	}
	s.log.Debug().Str("method", d.Name).Msg("method selected")
	s.install(m, ref)
	return nil
}

func (s *Session) install(m eap.Method, ref eap.MethodRef) {
	s.method, s.selected = m, ref
	s.allowNotify = false
	s.setState(eap.StateInit, eap.DecisionFail)
}

func (s *Session) setState(state eap.MethodState, decision eap.Decision) {
	if state == s.state && decision == s.decision {
		return
	}
	s.state, s.decision = state, decision
	s.rec.Record(trace.Event{
		Kind:     trace.KindState,
		Method:   s.methodName(),
		State:    state.String(),
		Decision: decision.String(),
	})
}

func (s *Session) methodName() string {
	if d, ok := s.cfg.Registry.Lookup(s.selected); ok {
		return d.Name
	}
	return ""
}

func (s *Session) copyKeys() {
	s.msk = bytes.Clone(s.method.Key())
	s.emsk = bytes.Clone(s.method.EMSK())
	s.sessionID = bytes.Clone(s.method.SessionID())
}

func (s *Session) clearKeys() {
	s.msk, s.emsk, s.sessionID = nil, nil, nil
}

func (s *Session) terminalFailure(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.lastErr = err
	s.clearKeys()
	s.setState(eap.StateDone, eap.DecisionFail)

	reason := eap.ReasonOf(err)
	s.log.Warn().Err(err).Stringer("reason", reason).Msg("authentication failed")
	s.rec.Record(trace.Event{Kind: trace.KindFailure, Method: s.methodName(), Reason: reason.String(), Error: err.Error()})
	if s.cfg.Handler != nil {
		s.cfg.Handler.TerminalFailure(reason, err)
	}
}

// Success handles an EAP-Success from the authenticator.
func (s *Session) Success() {
	switch {
	case s.finished && s.decision == eap.DecisionUnconditionalSuccess:
		s.log.Debug().Msg("duplicate success")
		return
	case s.finished:
		s.log.Debug().Msg("success after failure ignored")
		return
	case !s.ran:
		s.terminalFailure(fmt.Errorf("%w: success before any method ran", eap.ErrProtocolViolation))
		return
	case s.decision == eap.DecisionFail:
		err := s.lastErr
		if err == nil {
			err = fmt.Errorf("%w: success while method decided to fail", eap.ErrProtocolViolation)
		}
		s.terminalFailure(err)
		return
	}

	s.finished = true
	s.setState(eap.StateDone, eap.DecisionUnconditionalSuccess)
	if s.method != nil && s.method.IsKeyAvailable() {
		s.copyKeys()
	}
	s.log.Info().Str("method", s.methodName()).Bool("keys", s.msk != nil).Msg("authentication succeeded")
	s.rec.Record(trace.Event{Kind: trace.KindSuccess, Method: s.methodName()})
	if s.msk == nil {
		return
	}
	s.rec.Record(trace.Event{Kind: trace.KindKey, Method: s.methodName(), KeyLen: len(s.msk)})
	if s.cfg.Handler != nil {
		s.cfg.Handler.KeyAvailable(bytes.Clone(s.msk), bytes.Clone(s.sessionID))
	}
}

// Failure handles an EAP-Failure from the authenticator.
func (s *Session) Failure() {
	if s.state == eap.StateDone && s.decision == eap.DecisionUnconditionalSuccess {
		s.log.Debug().Msg("ignoring failure after success")
		return
	}
	err := s.lastErr
	if err == nil {
		err = eap.ErrCredentialRejected
	}
	s.terminalFailure(err)
}

// Abort ends the conversation after the transport gave up on it, e.g. on
// a timeout.
func (s *Session) Abort() {
	if s.finished {
		return
	}
	err := s.lastErr
	if err == nil {
		err = eap.ErrAborted
	}
	s.terminalFailure(err)
}

// Reset prepares the Session for a new conversation. With reauth set,
// a method holding re-authentication data is parked and resumed if the
// authenticator selects it again.
func (s *Session) Reset(reauth bool) {
	s.reset(reauth)
}

func (s *Session) reset(reauth bool) {
	if reauth && s.method != nil {
		if r, ok := s.method.(eap.Reauthenticator); ok && r.HasReauthData() {
			s.closeParked()
			r.DeinitForReauth()
			s.parked, s.parkedRef = s.method, s.selected
			s.method, s.selected = nil, eap.NoMethod
			s.log.Debug().Stringer("method", s.parkedRef).Msg("method parked for re-authentication")
		}
	}
	if !reauth {
		s.closeParked()
	}
	s.closeMethod()

	s.state, s.decision = eap.StateNone, eap.DecisionFail
	s.allowNotify = false
	s.ran, s.finished = false, false
	s.lastErr = nil
	s.hasLast, s.lastID, s.lastResponse = false, 0, nil
	s.clearKeys()
}

func (s *Session) closeMethod() {
	if s.method == nil {
		return
	}
	if err := s.method.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing method")
	}
	s.method, s.selected = nil, eap.NoMethod
}

func (s *Session) closeParked() {
	if s.parked == nil {
		return
	}
	if err := s.parked.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing parked method")
	}
	s.parked, s.parkedRef = nil, eap.NoMethod
}

// Close tears down the active and the parked method.
func (s *Session) Close() error {
	var err error
	if s.method != nil {
		err = multierr.Append(err, s.method.Close())
		s.method, s.selected = nil, eap.NoMethod
	}
	if s.parked != nil {
		err = multierr.Append(err, s.parked.Close())
		s.parked, s.parkedRef = nil, eap.NoMethod
	}
	s.clearKeys()
	return err
}

// Key returns the MSK once the conversation succeeded.
func (s *Session) Key() []byte {
	if !s.keyReleased() {
		return nil
	}
	return bytes.Clone(s.msk)
}

// EMSK returns the extended MSK once the conversation succeeded.
func (s *Session) EMSK() []byte {
	if !s.keyReleased() {
		return nil
	}
	return bytes.Clone(s.emsk)
}

// SessionID returns the method's session id once the conversation
// succeeded.
func (s *Session) SessionID() []byte {
	if !s.keyReleased() {
		return nil
	}
	return bytes.Clone(s.sessionID)
}

// keyReleased reports whether the authenticator confirmed success. A
// method deciding success on its own does not release the keys.
func (s *Session) keyReleased() bool {
	return s.finished && s.decision == eap.DecisionUnconditionalSuccess
}

// Decision returns the current decision.
func (s *Session) Decision() eap.Decision { return s.decision }

// MethodState returns the current method state.
func (s *Session) MethodState() eap.MethodState { return s.state }

// Selected returns the active method, or eap.NoMethod.
func (s *Session) Selected() eap.MethodRef { return s.selected }

// Finished reports whether the conversation reached a terminal outcome.
func (s *Session) Finished() bool { return s.finished }

// Err returns the cause of the last failure.
func (s *Session) Err() error { return s.lastErr }
