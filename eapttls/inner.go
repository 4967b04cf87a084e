package eapttls

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/eap"
)

// phase2 is the authentication run inside an established tunnel.
type phase2 interface {
	// start returns the AVPs sent as soon as the handshake completes.
	start() ([]AVP, error)
	// started reports whether the inner conversation got past its
	// opening message.
	started() bool
	// supports reports whether the AVP is understood in this mode.
	supports(a *AVP) bool
	// handle consumes the supported AVPs of one request. done is set once
	// the inner authentication succeeded.
	handle(avps []AVP) (out []AVP, done bool, err error)
	close() error
}

// innerEAP runs a second EAP conversation carried in EAP-Message AVPs.
type innerEAP struct {
	env *eap.Env
	log zerolog.Logger

	method eap.Method
	ref    eap.MethodRef
	state  eap.MethodState
	dec    eap.Decision
}

func newInnerEAP(env *eap.Env, log zerolog.Logger) *innerEAP {
	inner := *env
	inner.Logger = log
	return &innerEAP{env: &inner, log: log, ref: eap.NoMethod}
}

// start answers an implicit Identity request; most servers do not send one
// inside the tunnel.
func (p *innerEAP) start() ([]AVP, error) {
	p.log.Debug().Msg("synthesizing implicit identity request")
	return p.respond(eap.NewResponse(0, eap.IETF(eap.TypeIdentity), false, p.identity())), nil
}

func (p *innerEAP) started() bool {
	return p.method != nil
}

func (p *innerEAP) supports(a *AVP) bool {
	return a.Is(0, CodeEAPMessage)
}

func (p *innerEAP) identity() []byte {
	if p.env.Credentials == nil {
		return nil
	}
	return p.env.Credentials.Identity()
}

func (p *innerEAP) respond(resp *eap.Packet) []AVP {
	return []AVP{{Code: CodeEAPMessage, Mandatory: true, Data: resp.Encode()}}
}

func (p *innerEAP) handle(avps []AVP) ([]AVP, bool, error) {
	var msg []byte
	for i := range avps {
		msg = append(msg, avps[i].Data...)
	}
	if len(msg) == 0 {
		return nil, false, nil
	}
	pkt, err := eap.Decode(msg)
	if err != nil {
		return nil, false, fmt.Errorf("%w: inner eap: %w", eap.ErrProtocolViolation, err)
	}

	switch pkt.Code {
	case eap.CodeRequest:
		return p.request(pkt)
	case eap.CodeSuccess:
		if p.method == nil || p.dec == eap.DecisionFail {
			return nil, false, fmt.Errorf("%w: inner success without authentication", eap.ErrProtocolViolation)
		}
		return nil, true, nil
	case eap.CodeFailure:
		return nil, false, fmt.Errorf("%w: inner eap failure", eap.ErrCredentialRejected)
	default:
		return nil, false, fmt.Errorf("%w: inner eap %s", eap.ErrProtocolViolation, pkt.Code)
	}
}

func (p *innerEAP) request(req *eap.Packet) ([]AVP, bool, error) {
	ref := req.Method()
	switch ref {
	case eap.IETF(eap.TypeIdentity):
		p.log.Debug().Uint8("id", req.Identifier).Msg("inner identity request")
		return p.respond(eap.NewResponse(req.Identifier, ref, req.Expanded(), p.identity())), false, nil
	case eap.IETF(eap.TypeNotification):
		p.log.Info().Bytes("text", req.Data).Msg("inner notification")
		return p.respond(eap.NewResponse(req.Identifier, ref, req.Expanded(), nil)), false, nil
	case eap.IETF(eap.TypeNak):
		return nil, false, nil
	}

	if p.method == nil || ref != p.ref {
		if !p.selectMethod(ref) {
			eligible := p.eligible()
			p.log.Info().Stringer("requested", ref).Int("offered", len(eligible)).Msg("inner method not allowed, sending nak")
			if req.Expanded() {
				return p.respond(eap.NewResponse(req.Identifier, eap.IETF(eap.TypeNak), true, eap.BuildExpandedNak(eligible))), false, nil
			}
			return p.respond(eap.NewResponse(req.Identifier, eap.IETF(eap.TypeNak), false, eap.BuildNak(eligible))), false, nil
		}
	}

	data, outcome := p.method.Process(req)
	if outcome.Ignore {
		p.log.Debug().Err(outcome.Err).Msg("inner request ignored")
		return nil, false, nil
	}
	p.state, p.dec = outcome.State, outcome.Decision

	var out []AVP
	if data != nil {
		out = p.respond(eap.NewResponse(req.Identifier, ref, req.Expanded(), data))
	}
	if p.state == eap.StateDone && p.dec == eap.DecisionFail {
		if outcome.Err == nil {
			outcome.Err = eap.ErrCredentialRejected
		}
		return out, false, outcome.Err
	}
	return out, p.state == eap.StateDone, nil
}

// eligible lists the inner-only methods the credentials allow, in
// registration order.
func (p *innerEAP) eligible() []eap.MethodRef {
	if p.env.Registry == nil {
		return nil
	}
	var refs []eap.MethodRef
	for _, d := range p.env.Registry.Descriptors() {
		if d.Outer || d.Allowed(p.env.Credentials) != nil {
			continue
		}
		refs = append(refs, d.Ref)
	}
	return refs
}

func (p *innerEAP) selectMethod(ref eap.MethodRef) bool {
	if p.env.Registry == nil {
		return false
	}
	d, ok := p.env.Registry.Lookup(ref)
	if !ok || d.Outer {
		return false
	}
	if err := d.Allowed(p.env.Credentials); err != nil {
		p.log.Debug().Err(err).Str("method", d.Name).Msg("inner method not usable")
		return false
	}
	if p.method != nil {
		p.method.Close()
		p.method = nil
	}
	m, err := d.New(p.env)
	if err != nil {
		p.log.Warn().Err(err).Str("method", d.Name).Msg("inner method init failed")
		return false
	}
	p.log.Debug().Str("method", d.Name).Msg("inner method selected")
	p.method, p.ref = m, ref
	p.state, p.dec = eap.StateInit, eap.DecisionFail
	return true
}

func (p *innerEAP) close() error {
	var err error
	if p.method != nil {
		err = multierr.Append(err, p.method.Close())
		p.method = nil
	}
	p.ref = eap.NoMethod
	return err
}
