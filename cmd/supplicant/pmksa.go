package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yzzyx/supplicant/internal/config"
	"github.com/yzzyx/supplicant/pmksa"
)

var pmksaCmd = &cobra.Command{
	Use:   "pmksa",
	Short: "Inspect the PMKSA cache",
}

var pmksaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached PMKSAs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, err := pmksaFile()
		if err != nil {
			return err
		}
		cache := pmksa.New(0, zerolog.Nop())
		defer cache.Close()
		if _, err := cache.LoadFile(file); err != nil {
			return err
		}
		return listPMKSA(cmd.OutOrStdout(), cache, time.Now())
	},
}

var pmksaFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove every cached PMKSA",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, err := pmksaFile()
		if err != nil {
			return err
		}
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	},
}

func init() {
	pmksaCmd.AddCommand(pmksaListCmd, pmksaFlushCmd)
	rootCmd.AddCommand(pmksaCmd)
}

func pmksaFile() (string, error) {
	cfg, err := config.Load(configPath, config.ValidationCredentials)
	if err != nil {
		return "", err
	}
	if cfg.PMKSA.File == "" {
		return "", errors.New("config.pmksa.file is not set")
	}
	return cfg.PMKSA.File, nil
}

func listPMKSA(w io.Writer, cache *pmksa.Cache, now time.Time) error {
	for _, e := range cache.Entries() {
		_, err := fmt.Fprintf(w, "%x aa=%s spa=%s expires in %s\n",
			e.PMKID, e.AA, e.SPA, e.Expires.Sub(now).Round(time.Second))
		if err != nil {
			return err
		}
	}
	return nil
}
