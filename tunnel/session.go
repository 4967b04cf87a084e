package tunnel

import (
	"crypto/tls"
	"errors"
)

// Session is the TLS engine a tunnel drives. It is fed the records carried
// in EAP requests and returns the records for the next response; it never
// touches the network itself.
type Session interface {
	// Feed hands records received from the peer to TLS. It returns the
	// records to send back and, once the handshake is complete, any
	// application data decrypted from in.
	Feed(in []byte) (out, appData []byte, err error)
	// Encrypt wraps application data into records.
	Encrypt(plain []byte) ([]byte, error)
	HandshakeComplete() bool
	// Version is the negotiated protocol version, valid after the handshake.
	Version() uint16
	Resumed() bool
	// Randoms returns the hello randoms of both sides.
	Randoms() (client, server []byte)
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
	Close() error
}

const readBufferSize = 16384

// tlsSession runs crypto/tls over a pipeConn. The handshake runs in its own
// goroutine; Feed returns as soon as that goroutine waits for the next
// flight or has finished. Application data is read synchronously
// afterwards.
type tlsSession struct {
	conn *pipeConn
	tls  *tls.Conn

	started  bool
	done     bool
	err      error
	finished chan struct{}
}

// NewClientSession returns a crypto/tls client session.
func NewClientSession(config *tls.Config) Session {
	conn := newPipeConn()
	return &tlsSession{
		conn:     conn,
		tls:      tls.Client(conn, config),
		finished: make(chan struct{}),
	}
}

// NewServerSession returns a crypto/tls server session.
func NewServerSession(config *tls.Config) Session {
	conn := newPipeConn()
	return &tlsSession{
		conn:     conn,
		tls:      tls.Server(conn, config),
		finished: make(chan struct{}),
	}
}

// handshake runs in its own goroutine. Must be started with conn.mu held.
func (s *tlsSession) handshake() {
	s.started = true
	go func() {
		defer close(s.finished)
		err := s.tls.Handshake()

		s.conn.mu.Lock()
		s.done = true
		s.err = err
		s.conn.blocking = false
		s.conn.cond.Broadcast()
		s.conn.mu.Unlock()
	}()
}

func (s *tlsSession) Feed(in []byte) (out, appData []byte, err error) {
	s.conn.mu.Lock()
	if s.conn.closed {
		s.conn.mu.Unlock()
		return nil, nil, errors.New("tunnel: session closed")
	}
	s.conn.push(in)
	if !s.done {
		if !s.started {
			s.handshake()
		}
		for !s.done && !(s.conn.waiting && s.conn.in.Len() == 0) {
			s.conn.cond.Wait()
		}
	}
	done, err := s.done, s.err
	s.conn.mu.Unlock()

	if err != nil {
		return s.conn.drain(), nil, err
	}
	if done {
		appData, err = s.readAvailable()
	}
	return s.conn.drain(), appData, err
}

// readAvailable decrypts everything buffered without blocking.
func (s *tlsSession) readAvailable() ([]byte, error) {
	var data []byte
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.tls.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return data, nil
			}
			return data, err
		}
	}
}

func (s *tlsSession) Encrypt(plain []byte) ([]byte, error) {
	if !s.HandshakeComplete() {
		return nil, errors.New("tunnel: handshake not complete")
	}
	if _, err := s.tls.Write(plain); err != nil {
		return nil, err
	}
	return s.conn.drain(), nil
}

func (s *tlsSession) HandshakeComplete() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.done && s.err == nil
}

func (s *tlsSession) Version() uint16 {
	return s.tls.ConnectionState().Version
}

func (s *tlsSession) Resumed() bool {
	return s.tls.ConnectionState().DidResume
}

func (s *tlsSession) Randoms() (client, server []byte) {
	return s.conn.randoms()
}

func (s *tlsSession) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state := s.tls.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// Close stops a running handshake. No close_notify is sent; the EAP
// conversation ends without it.
func (s *tlsSession) Close() error {
	s.conn.Close()
	s.conn.mu.Lock()
	started := s.started
	s.conn.mu.Unlock()
	if started {
		<-s.finished
	}
	return nil
}
