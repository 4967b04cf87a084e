package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/eapol"
	"github.com/yzzyx/supplicant/internal/config"
	"github.com/yzzyx/supplicant/internal/link"
	"github.com/yzzyx/supplicant/pmksa"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Authenticate on the configured 802.1X port",
	Args:  cobra.NoArgs,
	RunE:  runEAPOL,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// portEvents stores PMKSAs of successful conversations.
type portEvents struct {
	env   *environment
	cache *pmksa.Cache
	file  string
	log   zerolog.Logger
}

func (p *portEvents) Authenticated(aa, spa net.HardwareAddr, msk, sessionID []byte) {
	defer p.env.nextAttempt()
	entry, err := p.cache.Add(aa, spa, msk, sessionID)
	if err != nil {
		p.log.Warn().Err(err).Msg("no pmksa for this conversation")
		return
	}
	p.log.Info().Hex("pmkid", entry.PMKID).Time("expires", entry.Expires).Msg("pmksa cached")
	if p.file == "" {
		return
	}
	if err := p.cache.SaveFile(p.file); err != nil {
		p.log.Warn().Err(err).Msg("saving pmksa cache")
	}
}

func (p *portEvents) Failed(reason eap.Reason, err error) {
	defer p.env.nextAttempt()
	p.log.Error().Err(err).Stringer("reason", reason).Msg("authentication failed")
}

func runEAPOL(cmd *cobra.Command, _ []string) (err error) {
	cfg, log, err := loadConfig(config.ValidationEAPOL)
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, env.Close()) }()

	cache := pmksa.New(cfg.PMKSA.Lifetime, log)
	defer cache.Close()
	if cfg.PMKSA.File != "" {
		n, err := cache.LoadFile(cfg.PMKSA.File)
		if err != nil {
			log.Warn().Err(err).Msg("loading pmksa cache")
		}
		log.Debug().Int("entries", n).Msg("loaded pmksa cache")
	}

	lnk, err := link.Open(cfg.Interface, log)
	if err != nil {
		return err
	}
	defer lnk.Close()

	sup := eapol.New(lnk, eapol.Config{
		QueueSize:   cfg.EAPOL.QueueSize,
		Rate:        rate.Limit(cfg.EAPOL.Rate),
		Burst:       cfg.EAPOL.Burst,
		IdleTimeout: cfg.EAPOL.IdleTimeout,
		StartPeriod: cfg.EAPOL.StartPeriod,
		MaxStart:    cfg.EAPOL.MaxStart,
		Events:      &portEvents{env: env, cache: cache, file: cfg.PMKSA.File, log: log},
		Logger:      log,
	})
	recorder := env.recorder
	if dump {
		recorder = dumpRecorder{next: recorder, out: os.Stdout}
	}
	sess := env.session(cfg, sup, recorder)
	defer func() { err = multierr.Append(err, sess.Close()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("interface", cfg.Interface).Stringer("addr", lnk.HardwareAddr()).Msg("starting")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lnk.Run(ctx, sup.Deliver)
	})
	g.Go(func() error {
		return sup.Run(ctx, sess)
	})
	err = g.Wait()
	if dropped := sup.Dropped(); dropped > 0 {
		log.Info().Uint64("dropped", dropped).Msg("frames dropped")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
