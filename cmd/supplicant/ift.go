package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/ift"
	"github.com/yzzyx/supplicant/internal/config"
	"github.com/yzzyx/supplicant/internal/credential"
)

var iftCmd = &cobra.Command{
	Use:   "ift [address]",
	Short: "Authenticate to an IF-T/TLS gateway",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIFT,
}

func init() {
	rootCmd.AddCommand(iftCmd)
}

// gatewayEvents reports the outcome of a gateway conversation.
type gatewayEvents struct {
	log zerolog.Logger
}

func (g gatewayEvents) KeyAvailable(msk, sessionID []byte) {
	g.log.Info().Int("msk", len(msk)).Hex("session", sessionID).Msg("authenticated")
}

func (g gatewayEvents) TerminalFailure(reason eap.Reason, err error) {
	g.log.Error().Err(err).Stringer("reason", reason).Msg("authentication failed")
}

// gatewayTLS configures the outer TLS connection to the gateway.
func gatewayTLS(c config.IFTConfig, base *tls.Config) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.Insecure,
		KeyLogWriter:       base.KeyLogWriter,
	}
	if c.CAFile != "" {
		pool, err := credential.LoadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func runIFT(cmd *cobra.Command, args []string) (err error) {
	cfg, err := config.Load(configPath, config.ValidationCredentials)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.IFT.Address = args[0]
	}
	if err := cfg.ValidateWithMode(config.ValidationIFT); err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	env, err := newEnvironment(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, env.Close()) }()

	gwTLS, err := gatewayTLS(cfg.IFT, env.tls)
	if err != nil {
		return err
	}
	if gwTLS.InsecureSkipVerify {
		log.Warn().Msg("gateway certificate is not verified")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := ift.Dial(ctx, cfg.IFT.Address, gwTLS)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("gateway", conn.RemoteAddr().String()).Msg("connected")

	sess := env.session(cfg, gatewayEvents{log: log}, nil)
	defer func() { err = multierr.Append(err, sess.Close()) }()

	client := ift.NewClient(conn, sess, log)
	if dump {
		client.Dump = os.Stdout
	}
	err = client.Run(ctx)
	env.nextAttempt()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
