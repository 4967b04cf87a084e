package eapol

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/yzzyx/supplicant/eap"
)

// Defaults of Config
const (
	DefaultQueueSize   = 16
	DefaultRate        = rate.Limit(50)
	DefaultBurst       = 10
	DefaultIdleTimeout = 30 * time.Second
	DefaultStartPeriod = 30 * time.Second
	DefaultMaxStart    = 3
)

// Link sends frames on the port.
type Link interface {
	HardwareAddr() net.HardwareAddr
	WritePacketData(data []byte) error
}

// Peer is the EAP state machine fed by the supplicant.
type Peer interface {
	Receive(raw []byte) []byte
	Abort()
	Finished() bool
}

// Events receives the outcome of conversations together with the port
// addresses they ran between.
type Events interface {
	Authenticated(aa, spa net.HardwareAddr, msk, sessionID []byte)
	Failed(reason eap.Reason, err error)
}

// Config configures a Supplicant.
type Config struct {
	// QueueSize is the number of frames buffered for the worker. Frames
	// arriving while the queue is full are dropped.
	QueueSize int
	// Rate and Burst limit the frames accepted from the link.
	Rate  rate.Limit
	Burst int
	// IdleTimeout aborts a conversation the authenticator stopped
	// talking in.
	IdleTimeout time.Duration
	// StartPeriod and MaxStart control EAPOL-Start retransmission while
	// the authenticator stays silent.
	StartPeriod time.Duration
	MaxStart    int
	Events      Events
	Logger      zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Rate == 0 {
		c.Rate = DefaultRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.StartPeriod <= 0 {
		c.StartPeriod = DefaultStartPeriod
	}
	if c.MaxStart <= 0 {
		c.MaxStart = DefaultMaxStart
	}
}

// Supplicant runs EAP on a port. Frames from the link are delivered with
// Deliver from any goroutine; a single worker started by Run owns the
// peer and processes them in order.
type Supplicant struct {
	cfg     Config
	link    Link
	log     zerolog.Logger
	frames  chan []byte
	limiter *rate.Limiter
	dropped atomic.Uint64

	// Owned by the worker.
	authenticator net.HardwareAddr
	active        bool
	heard         bool
}

// New returns a Supplicant sending on link.
func New(link Link, cfg Config) *Supplicant {
	cfg.setDefaults()
	return &Supplicant{
		cfg:           cfg,
		link:          link,
		log:           cfg.Logger.With().Str("component", "eapol").Logger(),
		frames:        make(chan []byte, cfg.QueueSize),
		limiter:       rate.NewLimiter(cfg.Rate, cfg.Burst),
		authenticator: PAEGroupAddr,
	}
}

// Deliver queues a frame received from the link. It never blocks and
// reports whether the frame was queued.
func (s *Supplicant) Deliver(frame []byte) bool {
	if !s.limiter.Allow() {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.frames <- bytes.Clone(frame):
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of frames dropped by Deliver.
func (s *Supplicant) Dropped() uint64 {
	return s.dropped.Load()
}

// Run sends EAPOL-Start and feeds queued frames to p until ctx is done.
// An EAPOL-Logoff is sent on the way out.
func (s *Supplicant) Run(ctx context.Context, p Peer) error {
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	start := time.NewTicker(s.cfg.StartPeriod)
	defer start.Stop()

	if err := s.send(layers.EAPOLTypeStart, nil); err != nil {
		return err
	}
	starts := 1

	for {
		select {
		case <-ctx.Done():
			if err := s.send(layers.EAPOLTypeLogOff, nil); err != nil {
				s.log.Debug().Err(err).Msg("sending logoff")
			}
			return ctx.Err()
		case frame := <-s.frames:
			if s.handle(frame, p) {
				resetTimer(idle, s.cfg.IdleTimeout)
			}
		case <-idle.C:
			if s.active && !p.Finished() {
				s.log.Warn().Dur("timeout", s.cfg.IdleTimeout).Msg("authenticator went silent, aborting")
				p.Abort()
			}
			s.active = false
			idle.Reset(s.cfg.IdleTimeout)
		case <-start.C:
			if s.heard || starts >= s.cfg.MaxStart {
				continue
			}
			starts++
			s.log.Debug().Int("attempt", starts).Msg("retransmitting start")
			if err := s.send(layers.EAPOLTypeStart, nil); err != nil {
				return err
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handle processes one frame and reports whether it was an EAP packet
// for us.
func (s *Supplicant) handle(data []byte, p Peer) bool {
	f, err := Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping frame")
		return false
	}
	own := s.link.HardwareAddr()
	if !bytes.Equal(f.Dst, own) && !bytes.Equal(f.Dst, PAEGroupAddr) {
		return false
	}
	if f.Type != layers.EAPOLTypeEAP {
		s.log.Debug().Uint8("type", uint8(f.Type)).Msg("ignoring eapol frame")
		return false
	}

	s.heard, s.active = true, true
	s.authenticator = f.Src
	resp := p.Receive(f.Body)
	if resp == nil {
		return true
	}
	if err := s.send(layers.EAPOLTypeEAP, resp); err != nil {
		s.log.Warn().Err(err).Msg("sending response")
	}
	return true
}

func (s *Supplicant) send(t layers.EAPOLType, body []byte) error {
	frame, err := Encode(s.link.HardwareAddr(), s.authenticator, t, body)
	if err != nil {
		return err
	}
	return s.link.WritePacketData(frame)
}

// KeyAvailable implements peer.Handler.
func (s *Supplicant) KeyAvailable(msk, sessionID []byte) {
	s.log.Info().Stringer("authenticator", s.authenticator).Msg("authenticated")
	if s.cfg.Events != nil {
		s.cfg.Events.Authenticated(s.authenticator, s.link.HardwareAddr(), msk, sessionID)
	}
}

// TerminalFailure implements peer.Handler.
func (s *Supplicant) TerminalFailure(reason eap.Reason, err error) {
	s.log.Warn().Err(err).Stringer("reason", reason).Msg("authentication failed")
	if s.cfg.Events != nil {
		s.cfg.Events.Failed(reason, err)
	}
}
