// Package tunneltest provides an authenticator side of TLS based EAP
// methods for tests.
package tunneltest

import (
	"crypto/tls"
	"fmt"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/tunnel"
)

// Server frames a crypto/tls server session into EAP requests of one
// method type.
type Server struct {
	Type    eap.Type
	Session tunnel.Session

	id    uint8
	reasm tunnel.Reassembler
	out   *tunnel.Fragmenter
	// AppData collects application data received from the peer.
	AppData [][]byte
	// Reply, when set, answers application data from the peer. Its
	// result is encrypted into the same flight.
	Reply func(appData []byte) []byte
}

// NewServer returns a server for method type t.
func NewServer(t eap.Type, config *tls.Config, fragmentSize int) *Server {
	return &Server{
		Type:    t,
		Session: tunnel.NewServerSession(config),
		out:     tunnel.NewFragmenter(fragmentSize, false),
	}
}

func (s *Server) request(body []byte) *eap.Packet {
	s.id++
	return eap.NewEAP(eap.CodeRequest, s.id, s.Type, body)
}

// Start returns the Start request.
func (s *Server) Start() *eap.Packet {
	return s.request([]byte{byte(tunnel.FlagStart)})
}

// Send encrypts plain and returns the request carrying it.
func (s *Server) Send(plain []byte) (*eap.Packet, error) {
	records, err := s.Session.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	return s.request(s.out.Queue(records)), nil
}

// Handle consumes the type-data of a response and returns the next
// request, or nil when the server has nothing more to send.
func (s *Server) Handle(resp []byte) (*eap.Packet, error) {
	h, err := tunnel.ParseHeader(resp)
	if err != nil {
		return nil, err
	}
	if s.out.Pending() {
		if !h.IsAck() {
			return nil, fmt.Errorf("expected ack, got %s", h.Flags)
		}
		return s.request(s.out.Next()), nil
	}
	msg, more, err := s.reasm.Add(h)
	if err != nil {
		return nil, err
	}
	if more {
		return s.request([]byte{0}), nil
	}
	out, appData, err := s.Session.Feed(msg)
	if len(appData) > 0 {
		s.AppData = append(s.AppData, appData)
	}
	if err != nil {
		return nil, err
	}
	if len(appData) > 0 && s.Reply != nil {
		if plain := s.Reply(appData); plain != nil {
			records, err := s.Session.Encrypt(plain)
			if err != nil {
				return nil, err
			}
			out = append(out, records...)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return s.request(s.out.Queue(out)), nil
}

// Close closes the session.
func (s *Server) Close() error {
	return s.Session.Close()
}
