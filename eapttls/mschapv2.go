package eapttls

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/mschapv2"
)

// challengeLabel derives the implicit MS-CHAP-V2 challenge and identifier
// (RFC 5281 section 11.1).
const (
	challengeLabel = "ttls challenge"
	challengeLen   = mschapv2.ChallengeLen + 1
)

// exporter is the part of the tunnel the inner MSCHAPv2 needs.
type exporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// innerMSCHAPv2 runs MS-CHAP-V2 directly in AVPs (RFC 5281 section 11.2.4).
type innerMSCHAPv2 struct {
	creds  eap.Credentials
	tunnel exporter
	rand   io.Reader
	log    zerolog.Logger

	ident uint8
	ex    *mschapv2.Exchange
}

func newInnerMSCHAPv2(creds eap.Credentials, tunnel exporter, rnd io.Reader, log zerolog.Logger) *innerMSCHAPv2 {
	return &innerMSCHAPv2{creds: creds, tunnel: tunnel, rand: rnd, log: log}
}

func (p *innerMSCHAPv2) start() ([]AVP, error) {
	if p.creds == nil {
		return nil, fmt.Errorf("%w: no credentials", eap.ErrNoCredential)
	}
	challenge, err := p.tunnel.ExportKeyingMaterial(challengeLabel, nil, challengeLen)
	if err != nil {
		return nil, err
	}
	authChallenge, ident := challenge[:mschapv2.ChallengeLen], challenge[mschapv2.ChallengeLen]

	hash, err := mschapv2.PasswordHash(p.creds)
	if err != nil {
		return nil, err
	}
	identity := p.creds.Identity()
	ex, err := mschapv2.NewExchange(authChallenge, identity, hash, p.rand)
	if err != nil {
		return nil, err
	}
	p.ident, p.ex = ident, ex

	// MS-CHAP2-Response: Ident, Flags, Peer-Challenge, Reserved, Response.
	resp := make([]byte, 2, 2+mschapv2.ChallengeLen+8+mschapv2.NTResponseLen)
	resp[0] = ident
	resp = append(resp, ex.PeerChallenge...)
	resp = append(resp, make([]byte, 8)...)
	resp = append(resp, ex.NTResponse...)

	p.log.Debug().Uint8("ident", ident).Msg("sending ms-chap-v2 response")
	return []AVP{
		{Code: CodeUserName, Mandatory: true, Data: identity},
		{Code: CodeMSCHAPChallenge, Vendor: VendorMicrosoft, Mandatory: true, Data: authChallenge},
		{Code: CodeMSCHAP2Response, Vendor: VendorMicrosoft, Mandatory: true, Data: resp},
	}, nil
}

func (p *innerMSCHAPv2) started() bool {
	return true
}

func (p *innerMSCHAPv2) supports(a *AVP) bool {
	return a.Is(VendorMicrosoft, CodeMSCHAP2Success) || a.Is(VendorMicrosoft, CodeMSCHAPError)
}

func (p *innerMSCHAPv2) handle(avps []AVP) ([]AVP, bool, error) {
	if p.ex == nil {
		return nil, false, fmt.Errorf("%w: ms-chap-v2 reply before response", eap.ErrProtocolViolation)
	}
	for i := range avps {
		a := &avps[i]
		if len(a.Data) < 1 || a.Data[0] != p.ident {
			return nil, false, fmt.Errorf("%w: ms-chap-v2 ident mismatch", eap.ErrProtocolViolation)
		}
		switch a.Code {
		case CodeMSCHAP2Success:
			authResponse, text, err := mschapv2.ParseSuccess(a.Data[1:])
			if err != nil {
				return nil, false, fmt.Errorf("%w: %w", eap.ErrProtocolViolation, err)
			}
			if !p.ex.Verify(authResponse) {
				return nil, false, fmt.Errorf("%w: authenticator response mismatch", eap.ErrProtocolViolation)
			}
			if text != "" {
				p.log.Info().Str("message", text).Msg("server accepted credentials")
			}
			return nil, true, nil
		case CodeMSCHAPError:
			failure, err := mschapv2.ParseFailure(a.Data[1:])
			if err != nil {
				return nil, false, fmt.Errorf("%w: %w", eap.ErrCredentialRejected, err)
			}
			p.log.Info().Int("error", failure.Error).Str("message", failure.Message).Msg("server rejected credentials")
			return nil, false, fmt.Errorf("%w: ms-chap error %d", eap.ErrCredentialRejected, failure.Error)
		}
	}
	return nil, false, nil
}

func (p *innerMSCHAPv2) close() error {
	p.ex = nil
	return nil
}
