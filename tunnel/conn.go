package tunnel

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

const (
	recordTypeHandshake   = 0x16
	handshakeClientHello  = 0x01
	handshakeServerHello  = 0x02
	recordHeaderLen       = 5
	helloRandomOffset     = recordHeaderLen + 6
	helloRandomLen        = 32
	minHelloRecordWithRnd = helloRandomOffset + helloRandomLen
)

// wouldBlockError is returned by reads once the handshake is over and no
// input is buffered. crypto/tls keeps temporary errors out of its sticky
// error state, so the next Read continues where this one stopped.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tunnel: no buffered input" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// pipeConn is the net.Conn that crypto/tls runs over. Records received in
// EAP requests are pushed into in, records written by TLS are collected in
// out and sent in the next EAP response.
type pipeConn struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	// blocking is set while the handshake goroutine owns the reads.
	blocking bool
	// waiting is set when a blocking reader found no input.
	waiting bool
	closed  bool

	clientRandom []byte
	serverRandom []byte
}

func newPipeConn() *pipeConn {
	c := &pipeConn{blocking: true}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// push appends received records. Must be called with mu held.
func (c *pipeConn) push(b []byte) {
	c.observe(b)
	c.in.Write(b)
	c.cond.Broadcast()
}

// drain returns and clears the records written so far.
func (c *pipeConn) drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		return nil
	}
	out := make([]byte, c.out.Len())
	copy(out, c.out.Bytes())
	c.out.Reset()
	return out
}

// observe records the hello randoms of both sides. Only the first hello
// counts; later handshake records may be encrypted. Must be called with mu
// held.
func (c *pipeConn) observe(b []byte) {
	for len(b) >= recordHeaderLen {
		n := int(binary.BigEndian.Uint16(b[3:5]))
		if len(b) < recordHeaderLen+n {
			return
		}
		if b[0] == recordTypeHandshake && recordHeaderLen+n >= minHelloRecordWithRnd {
			random := append([]byte(nil), b[helloRandomOffset:minHelloRecordWithRnd]...)
			switch b[recordHeaderLen] {
			case handshakeClientHello:
				if c.clientRandom == nil {
					c.clientRandom = random
				}
			case handshakeServerHello:
				if c.serverRandom == nil {
					c.serverRandom = random
				}
			}
		}
		b = b[recordHeaderLen+n:]
	}
}

func (c *pipeConn) randoms() (client, server []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientRandom, c.serverRandom
}

// Read reads data from the connection
func (c *pipeConn) Read(b []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.in.Len() == 0 {
		if c.closed {
			return 0, io.EOF
		}
		if !c.blocking {
			return 0, errWouldBlock
		}
		c.waiting = true
		c.cond.Broadcast()
		c.cond.Wait()
	}
	c.waiting = false
	return c.in.Read(b)
}

// Write writes data to the connection
func (c *pipeConn) Write(b []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.observe(b)
	return c.out.Write(b)
}

// Close closes the connection and wakes a blocked reader.
func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "eap" }
func (pipeAddr) String() string  { return "eap" }

// LocalAddr returns the local network address.
func (c *pipeConn) LocalAddr() net.Addr {
	return pipeAddr{}
}

// RemoteAddr returns the remote network address.
func (c *pipeConn) RemoteAddr() net.Addr {
	return pipeAddr{}
}

// SetDeadline sets the read and write deadlines associated
// with the connection.
// ignored, the peer state machine owns all timeouts
func (c *pipeConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline sets the deadline for future Read calls
// ignored
func (c *pipeConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls
// ignored
func (c *pipeConn) SetWriteDeadline(t time.Time) error {
	return nil
}
