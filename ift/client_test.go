package ift

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzzyx/supplicant/eap"
)

type fakePeer struct {
	received []*eap.Packet
	decision eap.Decision
	finished bool
	err      error
	aborted  bool
}

func (p *fakePeer) Receive(raw []byte) []byte {
	pkt, err := eap.Decode(raw)
	if err != nil {
		return nil
	}
	p.received = append(p.received, pkt)
	switch pkt.Code {
	case eap.CodeSuccess:
		p.finished, p.decision = true, eap.DecisionUnconditionalSuccess
		return nil
	case eap.CodeFailure:
		p.finished, p.err = true, eap.ErrCredentialRejected
		return nil
	}
	return eap.NewEAP(eap.CodeResponse, pkt.Identifier, eap.TypeIdentity, []byte("alice")).Encode()
}

func (p *fakePeer) Abort()                 { p.aborted = true }
func (p *fakePeer) Finished() bool         { return p.finished }
func (p *fakePeer) Decision() eap.Decision { return p.decision }
func (p *fakePeer) Err() error             { return p.err }

type gateway struct {
	conn net.Conn
	errc chan error
}

// startGateway runs script against the server end of a pipe.
func startGateway(t *testing.T, script func(g *gateway) error) (net.Conn, *gateway) {
	t.Helper()
	client, server := net.Pipe()
	g := &gateway{conn: server, errc: make(chan error, 1)}
	go func() { g.errc <- script(g) }()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, g
}

func (g *gateway) send(m *Message) error {
	_, err := g.conn.Write(m.Encode())
	return err
}

func (g *gateway) expect(typ uint32) (*Message, error) {
	m, err := Read(g.conn)
	if err != nil {
		return nil, err
	}
	if m.Vendor != VendorTCG || m.Type != typ {
		return nil, errors.New("unexpected message " + m.String())
	}
	return m, nil
}

func (g *gateway) version(v byte) error {
	if _, err := g.expect(TypeVersionRequest); err != nil {
		return err
	}
	return g.send(&Message{Vendor: VendorTCG, Type: TypeVersionResponse, Value: []byte{0, 0, 0, v}})
}

func challenge(id uint32, pkt *eap.Packet) *Message {
	m := NewAuthResponse(id, pkt.Encode())
	m.Type = TypeClientAuthChallenge
	return m
}

func TestClientAuthenticates(t *testing.T) {
	var responses []*Message
	conn, g := startGateway(t, func(g *gateway) error {
		if err := g.version(2); err != nil {
			return err
		}
		if err := g.send(&Message{Vendor: VendorJuniper, Type: 0x88}); err != nil {
			return err
		}
		if err := g.send(challenge(1, eap.NewEAP(eap.CodeRequest, 1, eap.TypeIdentity, nil))); err != nil {
			return err
		}
		m, err := g.expect(TypeClientAuthResponse)
		if err != nil {
			return err
		}
		responses = append(responses, m)
		if err := g.send(challenge(2, &eap.Packet{Code: eap.CodeSuccess, Identifier: 1})); err != nil {
			return err
		}
		return g.send(&Message{Vendor: VendorTCG, Type: TypeClientAuthSuccess})
	})

	p := &fakePeer{}
	var dump bytes.Buffer
	c := NewClient(conn, p, zerolog.Nop())
	c.Dump = &dump
	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, <-g.errc)

	assert.Equal(t, uint8(2), c.Version())
	require.Len(t, p.received, 2)
	assert.Equal(t, eap.CodeSuccess, p.received[1].Code)
	assert.False(t, p.aborted)

	require.Len(t, responses, 1)
	assert.Equal(t, uint32(1), responses[0].Identifier)
	data, err := responses[0].EAP()
	require.NoError(t, err)
	resp, err := eap.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, eap.CodeResponse, resp.Code)
	assert.Equal(t, []byte("alice"), resp.Data)

	assert.Contains(t, dump.String(), "Packet out:")
	assert.Contains(t, dump.String(), "Packet in:")
}

func TestClientEAPFailure(t *testing.T) {
	conn, g := startGateway(t, func(g *gateway) error {
		if err := g.version(1); err != nil {
			return err
		}
		return g.send(challenge(1, &eap.Packet{Code: eap.CodeFailure, Identifier: 1}))
	})

	p := &fakePeer{}
	err := NewClient(conn, p, zerolog.Nop()).Run(context.Background())
	assert.ErrorIs(t, err, eap.ErrCredentialRejected)
	require.NoError(t, <-g.errc)
	assert.False(t, p.aborted)
}

func TestClientGatewaySuccessBeforeEAP(t *testing.T) {
	conn, g := startGateway(t, func(g *gateway) error {
		if err := g.version(2); err != nil {
			return err
		}
		return g.send(&Message{Vendor: VendorTCG, Type: TypeClientAuthSuccess})
	})

	p := &fakePeer{}
	err := NewClient(conn, p, zerolog.Nop()).Run(context.Background())
	assert.ErrorIs(t, err, ErrIncomplete)
	require.NoError(t, <-g.errc)
	assert.True(t, p.aborted)
}

func TestClientVersionMismatch(t *testing.T) {
	conn, g := startGateway(t, func(g *gateway) error {
		return g.version(3)
	})

	err := NewClient(conn, &fakePeer{}, zerolog.Nop()).Run(context.Background())
	assert.ErrorIs(t, err, ErrVersion)
	require.NoError(t, <-g.errc)
}

func TestClientCancel(t *testing.T) {
	conn, g := startGateway(t, func(g *gateway) error {
		return g.version(2)
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := &fakePeer{}
	done := make(chan error, 1)
	go func() { done <- NewClient(conn, p, zerolog.Nop()).Run(ctx) }()

	require.NoError(t, <-g.errc)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, p.aborted)
}
