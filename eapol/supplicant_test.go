package eapol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/eap/eaptest"
	"github.com/yzzyx/supplicant/peer"
)

type link struct {
	mac net.HardwareAddr
	out chan []byte
}

func newLink() *link {
	return &link{mac: peerMAC, out: make(chan []byte, 16)}
}

func (l *link) HardwareAddr() net.HardwareAddr { return l.mac }

func (l *link) WritePacketData(data []byte) error {
	l.out <- bytes.Clone(data)
	return nil
}

func (l *link) next(t *testing.T) *Frame {
	t.Helper()
	select {
	case data := <-l.out:
		f, err := Decode(data)
		require.NoError(t, err)
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

// echoPeer answers every packet with its reversed bytes.
type echoPeer struct {
	mu       sync.Mutex
	received [][]byte
	aborted  chan struct{}
	finished bool
}

func newEchoPeer() *echoPeer {
	return &echoPeer{aborted: make(chan struct{}, 1)}
}

func (p *echoPeer) Receive(raw []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, bytes.Clone(raw))
	out := make([]byte, len(raw))
	for i := range raw {
		out[len(raw)-1-i] = raw[i]
	}
	return out
}

func (p *echoPeer) Abort() {
	p.aborted <- struct{}{}
}

func (p *echoPeer) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func frame(t *testing.T, dst net.HardwareAddr, typ layers.EAPOLType, body []byte) []byte {
	t.Helper()
	b, err := Encode(authMAC, dst, typ, body)
	require.NoError(t, err)
	return b
}

func run(t *testing.T, s *Supplicant, p Peer) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, p) }()
	stopped := false
	cancel = func() error {
		if stopped {
			return nil
		}
		stopped = true
		stop()
		return <-done
	}
	t.Cleanup(func() { cancel() })
	return cancel
}

func TestSupplicantExchange(t *testing.T) {
	l := newLink()
	s := New(l, Config{Logger: zerolog.Nop()})
	p := newEchoPeer()
	cancel := run(t, s, p)

	start := l.next(t)
	assert.Equal(t, layers.EAPOLTypeStart, start.Type)
	assert.Equal(t, PAEGroupAddr, start.Dst)
	assert.Equal(t, peerMAC, start.Src)

	require.True(t, s.Deliver(frame(t, PAEGroupAddr, layers.EAPOLTypeEAP, []byte{1, 2, 3})))
	resp := l.next(t)
	assert.Equal(t, layers.EAPOLTypeEAP, resp.Type)
	assert.Equal(t, authMAC, resp.Dst, "responses go to the authenticator")
	assert.Equal(t, []byte{3, 2, 1}, resp.Body)

	require.True(t, s.Deliver(frame(t, peerMAC, layers.EAPOLTypeEAP, []byte{4, 5})))
	assert.Equal(t, []byte{5, 4}, l.next(t).Body)

	assert.ErrorIs(t, cancel(), context.Canceled)
	logoff := l.next(t)
	assert.Equal(t, layers.EAPOLTypeLogOff, logoff.Type)
	assert.Equal(t, authMAC, logoff.Dst)
}

func TestSupplicantIgnoresOtherFrames(t *testing.T) {
	l := newLink()
	s := New(l, Config{Logger: zerolog.Nop()})
	p := newEchoPeer()
	cancel := run(t, s, p)
	l.next(t) // start

	other := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	s.Deliver(frame(t, other, layers.EAPOLTypeEAP, []byte{1}))
	s.Deliver(frame(t, PAEGroupAddr, layers.EAPOLTypeStart, nil))
	s.Deliver([]byte{0, 1, 2})
	s.Deliver(frame(t, PAEGroupAddr, layers.EAPOLTypeEAP, []byte{9}))
	assert.Equal(t, []byte{9}, l.next(t).Body)

	require.ErrorIs(t, cancel(), context.Canceled)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, [][]byte{{9}}, p.received)
}

func TestDeliverDropsWhenFull(t *testing.T) {
	s := New(newLink(), Config{QueueSize: 1, Logger: zerolog.Nop()})
	assert.True(t, s.Deliver([]byte{1}))
	assert.False(t, s.Deliver([]byte{2}))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestDeliverRateLimited(t *testing.T) {
	s := New(newLink(), Config{Rate: rate.Every(time.Hour), Burst: 1, Logger: zerolog.Nop()})
	assert.True(t, s.Deliver([]byte{1}))
	assert.False(t, s.Deliver([]byte{2}))
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestIdleTimeoutAborts(t *testing.T) {
	l := newLink()
	s := New(l, Config{IdleTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	p := newEchoPeer()
	run(t, s, p)
	l.next(t)

	s.Deliver(frame(t, PAEGroupAddr, layers.EAPOLTypeEAP, []byte{1}))
	l.next(t)
	select {
	case <-p.aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("conversation not aborted")
	}
}

func TestStartRetransmission(t *testing.T) {
	l := newLink()
	s := New(l, Config{StartPeriod: 10 * time.Millisecond, MaxStart: 2, Logger: zerolog.Nop()})
	run(t, s, newEchoPeer())

	assert.Equal(t, layers.EAPOLTypeStart, l.next(t).Type)
	assert.Equal(t, layers.EAPOLTypeStart, l.next(t).Type)
	select {
	case <-l.out:
		t.Fatal("more starts than configured")
	case <-time.After(50 * time.Millisecond):
	}
}

type events struct {
	mu     sync.Mutex
	aa     net.HardwareAddr
	spa    net.HardwareAddr
	reason eap.Reason
	err    error
	done   chan struct{}
}

func (e *events) Authenticated(aa, spa net.HardwareAddr, msk, sessionID []byte) {
	e.mu.Lock()
	e.aa, e.spa = aa, spa
	e.mu.Unlock()
	e.done <- struct{}{}
}

func (e *events) Failed(reason eap.Reason, err error) {
	e.mu.Lock()
	e.reason, e.err = reason, err
	e.mu.Unlock()
	e.done <- struct{}{}
}

func TestSupplicantWithPeerSession(t *testing.T) {
	l := newLink()
	ev := &events{done: make(chan struct{}, 1)}
	s := New(l, Config{Events: ev, Logger: zerolog.Nop()})
	sess := peer.New(peer.Config{
		Credentials: &eaptest.Credentials{User: []byte("alice")},
		Handler:     s,
		Logger:      zerolog.Nop(),
	})
	defer sess.Close()
	run(t, s, sess)
	l.next(t)

	s.Deliver(frame(t, PAEGroupAddr, layers.EAPOLTypeEAP, eap.NewEAP(eap.CodeRequest, 1, eap.TypeIdentity, nil).Encode()))
	resp, err := eap.Decode(l.next(t).Body)
	require.NoError(t, err)
	assert.Equal(t, eap.TypeIdentity, resp.Type)
	assert.Equal(t, "alice", string(resp.Data))

	// Success without any method is a protocol violation.
	s.Deliver(frame(t, PAEGroupAddr, layers.EAPOLTypeEAP, []byte{byte(eap.CodeSuccess), 1, 0, 4}))
	select {
	case <-ev.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Equal(t, eap.ReasonProtocolViolation, ev.reason)
	assert.True(t, errors.Is(ev.err, eap.ErrProtocolViolation))
}
