package main

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/eaptls"
	"github.com/yzzyx/supplicant/eapttls"
	"github.com/yzzyx/supplicant/internal/config"
	"github.com/yzzyx/supplicant/internal/credential"
	"github.com/yzzyx/supplicant/mschapv2"
	"github.com/yzzyx/supplicant/peer"
	"github.com/yzzyx/supplicant/trace"
)

const keylogHeader = "# SSL/TLS secrets log file, generated by go\n"

// newRegistry registers the supported methods in preference order.
func newRegistry() (*eap.Registry, error) {
	reg := eap.NewRegistry()
	err := multierr.Combine(
		reg.Register(eapttls.Descriptor),
		reg.Register(eaptls.Descriptor),
		reg.Register(mschapv2.Descriptor),
	)
	return reg, err
}

// openKeylog opens an NSS key log file for TLS secrets.
func openKeylog(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot open keylog file: %w", err)
	}
	if _, err := io.WriteString(f, keylogHeader); err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return f, nil
}

// tunnelTLS is the base configuration for EAP tunnels. Roots and client
// certificates are filled in from the credential store.
func tunnelTLS(c config.TLSConfig, keylog io.Writer) (*tls.Config, error) {
	min, max, err := c.Versions()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		ServerName:   c.ServerName,
		MinVersion:   min,
		MaxVersion:   max,
		KeyLogWriter: keylog,
	}, nil
}

// environment is what every command that authenticates sets up.
type environment struct {
	log      zerolog.Logger
	creds    *credential.Store
	registry *eap.Registry
	tls      *tls.Config
	keylog   io.WriteCloser
	trace    *trace.Writer
	recorder trace.Recorder
}

func newEnvironment(cfg *config.Config, log zerolog.Logger) (env *environment, err error) {
	env = &environment{log: log, recorder: trace.Nop{}}
	defer func() {
		if err != nil {
			err = multierr.Append(err, env.Close())
		}
	}()

	if env.registry, err = newRegistry(); err != nil {
		return env, err
	}
	if env.creds, err = credential.New(cfg.Auth, cfg.TLS, credential.NewTerminal(), log); err != nil {
		return env, err
	}
	if cfg.TLS.KeylogFile != "" {
		if env.keylog, err = openKeylog(cfg.TLS.KeylogFile); err != nil {
			return env, err
		}
		log.Warn().Str("file", cfg.TLS.KeylogFile).Msg("writing TLS keys")
	}
	var keylog io.Writer
	if env.keylog != nil {
		keylog = env.keylog
	}
	if env.tls, err = tunnelTLS(cfg.TLS, keylog); err != nil {
		return env, err
	}
	if cfg.Trace.File != "" {
		if env.trace, err = trace.Create(cfg.Trace.File); err != nil {
			return env, fmt.Errorf("open trace: %w", err)
		}
		env.recorder = env.trace
	}
	return env, nil
}

// session returns a peer session for one port or gateway connection.
func (e *environment) session(cfg *config.Config, h peer.Handler, recorder trace.Recorder) *peer.Session {
	if recorder == nil {
		recorder = e.recorder
	}
	return peer.New(peer.Config{
		Registry:    e.registry,
		Credentials: e.creds,
		Methods:     cfg.Auth.Methods,
		MethodConfig: eap.MethodConfig{
			FragmentSize:     cfg.TLS.FragmentSize,
			IncludeTLSLength: cfg.TLS.IncludeLength,
			TLS:              e.tls,
			Phase2:           cfg.Auth.Phase2,
		},
		Handler:  h,
		Logger:   e.log,
		Recorder: recorder,
	})
}

// nextAttempt starts a new trace attempt after a conversation ended.
func (e *environment) nextAttempt() {
	if e.trace != nil {
		id := e.trace.NewAttempt()
		e.log.Debug().Stringer("attempt", id).Msg("new trace attempt")
	}
}

func (e *environment) Close() error {
	var err error
	if e.trace != nil {
		err = multierr.Append(err, e.trace.Err())
		err = multierr.Append(err, e.trace.Close())
	}
	if e.keylog != nil {
		err = multierr.Append(err, e.keylog.Close())
	}
	if e.creds != nil {
		err = multierr.Append(err, e.creds.Close())
	}
	return err
}

// dumpRecorder prints frames as they pass through the peer.
type dumpRecorder struct {
	next trace.Recorder
	out  io.Writer
}

func (d dumpRecorder) Record(ev trace.Event) {
	if ev.Kind == trace.KindFrame {
		fmt.Fprintf(d.out, "Packet %s:\n%s", ev.Direction, hex.Dump(ev.Frame))
	}
	d.next.Record(ev)
}
