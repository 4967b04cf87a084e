package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yzzyx/supplicant/internal/config"
)

var (
	configPath string
	logLevel   string
	dump       bool
)

var rootCmd = &cobra.Command{
	Use:           "supplicant",
	Short:         "EAP supplicant for 802.1X ports and IF-T/TLS gateways",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "supplicant.yaml", "configuration file")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level")
	pf.BoolVar(&dump, "dump", false, "hex dump every frame to stdout")
}

// newLogger builds the process logger from the log section and the
// --log-level flag.
func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	level, err := cfg.ZerologLevel()
	if err != nil {
		return zerolog.Nop(), err
	}

	w := out
	switch cfg.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func loadConfig(mode config.ValidationMode) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath, mode)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}
