package ift

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yzzyx/supplicant/eap"
)

// Client errors
var (
	ErrVersion    = errors.New("ift: no common protocol version")
	ErrIncomplete = errors.New("ift: gateway reported success before EAP did")
)

// Protocol versions offered in the version request.
const (
	MinVersion       = 1
	MaxVersion       = 2
	PreferredVersion = 2
)

// Peer is the EAP state machine driven by the client.
type Peer interface {
	Receive(raw []byte) []byte
	Abort()
	Finished() bool
	Decision() eap.Decision
	Err() error
}

// Client runs one EAP conversation with an IF-T/TLS gateway.
type Client struct {
	conn io.ReadWriter
	peer Peer
	log  zerolog.Logger
	// Dump receives a hex dump of every message when set.
	Dump io.Writer

	sent    uint32
	version uint8
}

// NewClient returns a client talking over conn, usually a *tls.Conn.
func NewClient(conn io.ReadWriter, p Peer, logger zerolog.Logger) *Client {
	return &Client{
		conn: conn,
		peer: p,
		log:  logger.With().Str("component", "ift").Logger(),
	}
}

// Dial connects to a gateway. A missing port defaults to 443.
func Dial(ctx context.Context, address string, config *tls.Config) (*tls.Conn, error) {
	if !strings.Contains(address, ":") {
		address = net.JoinHostPort(address, "443")
	}
	d := &tls.Dialer{Config: config}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error initializing TLS connection: %w", err)
	}
	return conn.(*tls.Conn), nil
}

// Version returns the negotiated protocol version.
func (c *Client) Version() uint8 {
	return c.version
}

func (c *Client) write(m *Message) error {
	m.Identifier = c.sent
	c.sent++
	b := m.Encode()
	c.dump("out", b)
	_, err := c.conn.Write(b)
	return err
}

func (c *Client) read() (*Message, error) {
	m, err := Read(c.conn)
	if err != nil {
		return nil, err
	}
	c.dump("in", m.Encode())
	return m, nil
}

func (c *Client) dump(dir string, b []byte) {
	if c.Dump == nil {
		return
	}
	fmt.Fprintf(c.Dump, "Packet %s:\n%s", dir, hex.Dump(b))
}

// Run negotiates the protocol version and feeds auth challenges to the
// peer until the gateway reports success. Cancelling ctx interrupts a
// blocked read when the connection supports deadlines.
func (c *Client) Run(ctx context.Context) error {
	if d, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetDeadline(time.Unix(1, 0))
		})
		defer stop()
	}

	err := c.run()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && !c.peer.Finished() {
		c.peer.Abort()
	}
	return err
}

func (c *Client) run() error {
	if err := c.negotiate(); err != nil {
		return err
	}

	for {
		m, err := c.read()
		if err != nil {
			return err
		}

		switch {
		case m.Vendor == VendorTCG && m.Type == TypeClientAuthChallenge:
			done, err := c.challenge(m)
			if err != nil || done {
				return err
			}
		case m.Vendor == VendorTCG && m.Type == TypeClientAuthSuccess:
			if c.peer.Decision() != eap.DecisionUnconditionalSuccess {
				return ErrIncomplete
			}
			c.log.Info().Msg("gateway accepted authentication")
			return nil
		default:
			c.log.Debug().Stringer("message", m).Msg("ignoring message")
		}
	}
}

func (c *Client) negotiate() error {
	err := c.write(&Message{
		Vendor: VendorTCG,
		Type:   TypeVersionRequest,
		Value:  []byte{0, MaxVersion, MinVersion, PreferredVersion},
	})
	if err != nil {
		return err
	}

	m, err := c.read()
	if err != nil {
		return err
	}
	if m.Vendor != VendorTCG || m.Type != TypeVersionResponse || len(m.Value) != 4 {
		return fmt.Errorf("%w: unexpected reply %s", ErrVersion, m)
	}
	v := m.Value[3]
	if v < MinVersion || v > MaxVersion {
		return fmt.Errorf("%w: gateway selected %d", ErrVersion, v)
	}
	c.version = v
	c.log.Debug().Uint8("version", v).Msg("negotiated version")
	return nil
}

// challenge hands one EAP packet to the peer. It reports done when the
// conversation ended in failure.
func (c *Client) challenge(m *Message) (bool, error) {
	data, err := m.EAP()
	if err != nil {
		c.log.Debug().Err(err).Stringer("message", m).Msg("dropping challenge")
		return false, nil
	}
	if m.IsStartTTLS() {
		c.log.Debug().Msg("gateway starting EAP-TTLS")
	}

	resp := c.peer.Receive(data)
	if resp != nil {
		if err := c.write(NewAuthResponse(0, resp)); err != nil {
			return false, err
		}
	}
	if c.peer.Finished() && c.peer.Decision() != eap.DecisionUnconditionalSuccess {
		err := c.peer.Err()
		if err == nil {
			err = eap.ErrCredentialRejected
		}
		return true, err
	}
	return false, nil
}
