package tunnel

import (
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/yzzyx/supplicant/eap"
)

// Config configures a tunnel.
type Config struct {
	// Type is the EAP type carrying the tunnel; it selects key labels.
	Type          eap.Type
	FragmentSize  int
	IncludeLength bool
	// TLS is cloned for every handshake.
	TLS         *tls.Config
	Credentials eap.Credentials
	Logger      zerolog.Logger
	// NewSession creates the TLS engine; nil selects crypto/tls.
	NewSession func(config *tls.Config) (Session, error)
}

// ConfigFrom builds a tunnel configuration from a method environment.
func ConfigFrom(env *eap.Env, t eap.Type) Config {
	return Config{
		Type:          t,
		FragmentSize:  env.Config.FragmentLimit(),
		IncludeLength: env.Config.IncludeTLSLength,
		TLS:           env.Config.TLS,
		Credentials:   env.Credentials,
		Logger:        env.Logger,
	}
}

// Result describes what a request did to the tunnel.
type Result struct {
	// Response is the type-data to send, or nil when the method decides.
	Response []byte
	// Records is the outbound TLS data whose first fragment is Response.
	Records []byte
	// Started is set when the request was a Start.
	Started bool
	// Delivered is set when a complete TLS message was fed to the session.
	Delivered bool
	// HandshakeDone is set on the request that completed the handshake.
	HandshakeDone bool
	AppData       []byte
}

// Tunnel is the common TLS layer of EAP-TLS and EAP-TTLS.
type Tunnel struct {
	cfg   Config
	log   zerolog.Logger
	cache *sessionCache

	session     Session
	reasm       Reassembler
	out         *Fragmenter
	established bool
	keys        *Keys
}

// sessionCache remembers whether a resumable session was stored.
type sessionCache struct {
	tls.ClientSessionCache
	stored atomic.Bool
}

func (c *sessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs != nil {
		c.stored.Store(true)
	}
	c.ClientSessionCache.Put(sessionKey, cs)
}

// New creates a tunnel. The TLS session is created on the first Start.
func New(cfg Config) *Tunnel {
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = eap.DefaultFragmentSize
	}
	if cfg.NewSession == nil {
		cfg.NewSession = func(config *tls.Config) (Session, error) {
			return NewClientSession(config), nil
		}
	}
	return &Tunnel{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "tunnel").Logger(),
		cache: &sessionCache{ClientSessionCache: tls.NewLRUClientSessionCache(1)},
		out:   NewFragmenter(cfg.FragmentSize, cfg.IncludeLength),
	}
}

func (t *Tunnel) tlsConfig() *tls.Config {
	var config *tls.Config
	if t.cfg.TLS != nil {
		config = t.cfg.TLS.Clone()
	} else {
		config = &tls.Config{}
	}
	config.ClientSessionCache = t.cache

	creds := t.cfg.Credentials
	if creds == nil {
		return config
	}
	if config.RootCAs == nil {
		config.RootCAs = creds.CACertificates()
	}
	if config.GetClientCertificate == nil && len(config.Certificates) == 0 {
		config.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			if !creds.HasClientCertificate() {
				return &tls.Certificate{}, nil
			}
			return creds.ClientCertificate()
		}
	}
	return config
}

// restart drops the current session and starts a fresh handshake.
func (t *Tunnel) restart() error {
	if t.session != nil {
		t.session.Close()
	}
	t.reasm.Reset()
	t.out.Reset()
	t.established = false
	t.keys = nil

	session, err := t.cfg.NewSession(t.tlsConfig())
	if err != nil {
		t.session = nil
		return fmt.Errorf("%w: %w", eap.ErrTLS, err)
	}
	t.session = session
	return nil
}

// Process handles the type-data of a request.
func (t *Tunnel) Process(body []byte) (*Result, error) {
	h, err := ParseHeader(body)
	if err != nil {
		return nil, err
	}

	if h.Flags.Has(FlagStart) {
		t.log.Debug().Stringer("flags", h.Flags).Msg("start")
		if err := t.restart(); err != nil {
			return nil, err
		}
		return t.feed(nil, &Result{Started: true})
	}
	if t.session == nil {
		return nil, ErrNotStarted
	}

	if t.out.Pending() {
		if !h.IsAck() {
			return nil, ErrExpectedAck
		}
		return &Result{Response: t.out.Next()}, nil
	}

	msg, more, err := t.reasm.Add(h)
	if err != nil {
		return nil, err
	}
	if more {
		return &Result{Response: t.Ack()}, nil
	}
	return t.feed(msg, &Result{Delivered: true})
}

func (t *Tunnel) feed(msg []byte, res *Result) (*Result, error) {
	out, appData, err := t.session.Feed(msg)
	if err != nil {
		if t.cfg.Credentials != nil && IsPINError(err) {
			t.log.Warn().Err(err).Msg("forgetting token PIN")
			t.cfg.Credentials.InvalidatePIN()
		}
		if len(out) > 0 {
			res.Records = out
			res.Response = t.Send(out)
		}
		return res, fmt.Errorf("%w: %w", eap.ErrTLS, err)
	}
	res.AppData = appData

	if !t.established && t.session.HandshakeComplete() {
		t.established = true
		res.HandshakeDone = true
		keys, err := DeriveKeys(t.session, t.cfg.Type)
		if err != nil {
			return res, err
		}
		t.keys = keys
		t.log.Debug().
			Uint16("version", t.session.Version()).
			Bool("resumed", t.session.Resumed()).
			Msg("handshake complete")
	}

	if len(out) > 0 {
		res.Records = out
		res.Response = t.Send(out)
	}
	return res, nil
}

// Send queues TLS records and returns the type-data of the first fragment.
func (t *Tunnel) Send(records []byte) []byte {
	return t.out.Queue(records)
}

// Ack returns the type-data of an empty acknowledgement.
func (t *Tunnel) Ack() []byte {
	return []byte{0}
}

// Encrypt wraps application data for the peer.
func (t *Tunnel) Encrypt(plain []byte) ([]byte, error) {
	if !t.established {
		return nil, fmt.Errorf("%w: tunnel not established", eap.ErrProtocolViolation)
	}
	records, err := t.session.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eap.ErrTLS, err)
	}
	return records, nil
}

// Established reports whether the handshake has completed.
func (t *Tunnel) Established() bool {
	return t.established
}

// Version returns the negotiated TLS version or zero.
func (t *Tunnel) Version() uint16 {
	if !t.established {
		return 0
	}
	return t.session.Version()
}

// Keys returns the keying material, or nil before the handshake completed.
func (t *Tunnel) Keys() *Keys {
	return t.keys
}

// ExportKeyingMaterial exports from the established session.
func (t *Tunnel) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if !t.established {
		return nil, fmt.Errorf("%w: tunnel not established", eap.ErrCryptoDerivation)
	}
	material, err := t.session.ExportKeyingMaterial(label, context, length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eap.ErrCryptoDerivation, err)
	}
	return material, nil
}

// HasReauthData reports whether a stored session allows resumption.
func (t *Tunnel) HasReauthData() bool {
	return t.cache.stored.Load()
}

// Suspend closes the session but keeps the resumption cache.
func (t *Tunnel) Suspend() {
	if t.session != nil {
		t.session.Close()
		t.session = nil
	}
	t.reasm.Reset()
	t.out.Reset()
	t.established = false
	t.keys = nil
}

// Close releases the session and the resumption cache.
func (t *Tunnel) Close() error {
	t.Suspend()
	t.cache = &sessionCache{ClientSessionCache: tls.NewLRUClientSessionCache(1)}
	return nil
}
