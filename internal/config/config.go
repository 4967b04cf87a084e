// Package config loads the supplicant configuration file.
package config

import (
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yzzyx/supplicant/eap"
)

// ValidationMode selects which parts of the configuration are required.
type ValidationMode int

// Validation modes
const (
	// ValidationCredentials checks the authentication settings only.
	ValidationCredentials ValidationMode = iota
	// ValidationEAPOL also requires a network interface.
	ValidationEAPOL
	// ValidationIFT also requires an IF-T server address.
	ValidationIFT
)

type Config struct {
	Log       LogConfig   `yaml:"log"`
	Interface string      `yaml:"interface"`
	Auth      AuthConfig  `yaml:"auth"`
	TLS       TLSConfig   `yaml:"tls"`
	EAPOL     EAPOLConfig `yaml:"eapol"`
	IFT       IFTConfig   `yaml:"ift"`
	PMKSA     PMKSAConfig `yaml:"pmksa"`
	Trace     TraceConfig `yaml:"trace"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

type AuthConfig struct {
	Identity          string `yaml:"identity"`
	AnonymousIdentity string `yaml:"anonymous_identity"`
	Password          string `yaml:"password"`
	PasswordFile      string `yaml:"password_file"`
	// PasswordHash is the hex encoded NT hash of the password.
	PasswordHash   string   `yaml:"password_hash"`
	PromptPassword bool     `yaml:"prompt_password"`
	NewPassword    string   `yaml:"new_password"`
	Methods        []string `yaml:"methods"`
	Phase2         string   `yaml:"phase2"`
}

type TLSConfig struct {
	CAFile     string        `yaml:"ca_file"`
	CertFile   string        `yaml:"client_cert_file"`
	KeyFile    string        `yaml:"client_key_file"`
	PKCS11     *PKCS11Config `yaml:"pkcs11"`
	ServerName string        `yaml:"server_name"`
	MinVersion string        `yaml:"min_version"`
	MaxVersion string        `yaml:"max_version"`
	// FragmentSize is the TLS data per EAP packet.
	FragmentSize  int    `yaml:"fragment_size"`
	IncludeLength bool   `yaml:"include_length"`
	KeylogFile    string `yaml:"keylog_file"`
}

type PKCS11Config struct {
	Module     string `yaml:"module"`
	TokenLabel string `yaml:"token_label"`
	Slot       *int   `yaml:"slot"`
	KeyLabel   string `yaml:"key_label"`
	KeyID      string `yaml:"key_id"`
	PIN        string `yaml:"pin"`
}

type EAPOLConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	Rate        float64       `yaml:"rate"`
	Burst       int           `yaml:"burst"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	StartPeriod time.Duration `yaml:"start_period"`
	MaxStart    int           `yaml:"max_start"`
}

type IFTConfig struct {
	Address    string `yaml:"address"`
	ServerName string `yaml:"server_name"`
	CAFile     string `yaml:"ca_file"`
	Insecure   bool   `yaml:"insecure_skip_verify"`
}

type PMKSAConfig struct {
	File     string        `yaml:"file"`
	Lifetime time.Duration `yaml:"lifetime"`
}

type TraceConfig struct {
	File string `yaml:"file"`
}

// Load reads, resolves and validates the configuration at path.
func Load(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration without resolving or validating it.
func Parse(content []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationCredentials)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	switch mode {
	case ValidationCredentials:
		return nil
	case ValidationEAPOL:
		return c.validateEAPOL()
	case ValidationIFT:
		return c.validateIFT()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if _, err := c.Log.ZerologLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}

	if strings.TrimSpace(c.Auth.Identity) == "" {
		return fmt.Errorf("config.auth.identity is required")
	}
	secrets := 0
	for _, s := range []string{c.Auth.Password, c.Auth.PasswordFile, c.Auth.PasswordHash} {
		if s != "" {
			secrets++
		}
	}
	if secrets > 1 {
		return fmt.Errorf("config.auth: only one of password, password_file and password_hash may be set")
	}
	if c.Auth.PasswordHash != "" {
		if b, err := hex.DecodeString(c.Auth.PasswordHash); err != nil || len(b) != 16 {
			return fmt.Errorf("config.auth.password_hash must be 32 hex digits")
		}
	}
	if c.Auth.PasswordFile != "" {
		if err := validateReadableFile(c.Auth.PasswordFile, "config.auth.password_file"); err != nil {
			return err
		}
	}
	for _, m := range c.Auth.Methods {
		switch strings.ToLower(m) {
		case "tls", "ttls":
		default:
			return fmt.Errorf("config.auth.methods: unknown method %q", m)
		}
	}
	switch c.Auth.Phase2 {
	case "", eap.Phase2EAP, eap.Phase2MSCHAPv2:
	default:
		return fmt.Errorf("config.auth.phase2 must be %s or %s", eap.Phase2EAP, eap.Phase2MSCHAPv2)
	}
	return c.TLS.validate()
}

func (t *TLSConfig) validate() error {
	if t.CAFile != "" {
		if err := validateReadableFile(t.CAFile, "config.tls.ca_file"); err != nil {
			return err
		}
	}
	if (t.CertFile == "") != (t.KeyFile == "" && t.PKCS11 == nil) {
		return fmt.Errorf("config.tls: client_cert_file needs client_key_file or pkcs11")
	}
	if t.KeyFile != "" && t.PKCS11 != nil {
		return fmt.Errorf("config.tls: client_key_file and pkcs11 are exclusive")
	}
	for _, f := range []struct{ path, field string }{
		{t.CertFile, "config.tls.client_cert_file"},
		{t.KeyFile, "config.tls.client_key_file"},
	} {
		if f.path == "" {
			continue
		}
		if err := validateReadableFile(f.path, f.field); err != nil {
			return err
		}
	}
	if p := t.PKCS11; p != nil {
		if strings.TrimSpace(p.Module) == "" {
			return fmt.Errorf("config.tls.pkcs11.module is required")
		}
		if p.TokenLabel == "" && p.Slot == nil {
			return fmt.Errorf("config.tls.pkcs11: token_label or slot is required")
		}
		if p.KeyLabel == "" && p.KeyID == "" {
			return fmt.Errorf("config.tls.pkcs11: key_label or key_id is required")
		}
		if p.KeyID != "" {
			if _, err := hex.DecodeString(p.KeyID); err != nil {
				return fmt.Errorf("config.tls.pkcs11.key_id must be hex: %w", err)
			}
		}
	}
	min, max, err := t.Versions()
	if err != nil {
		return err
	}
	if min != 0 && max != 0 && min > max {
		return fmt.Errorf("config.tls: min_version above max_version")
	}
	if t.FragmentSize != 0 && (t.FragmentSize < 64 || t.FragmentSize > 0xffff) {
		return fmt.Errorf("config.tls.fragment_size must be 64..65535")
	}
	return nil
}

func (c *Config) validateEAPOL() error {
	if strings.TrimSpace(c.Interface) == "" {
		return fmt.Errorf("config.interface is required")
	}
	e := c.EAPOL
	if e.QueueSize < 0 || e.Burst < 0 || e.MaxStart < 0 || e.Rate < 0 {
		return fmt.Errorf("config.eapol: values must not be negative")
	}
	if e.IdleTimeout < 0 || e.StartPeriod < 0 || c.PMKSA.Lifetime < 0 {
		return fmt.Errorf("config: durations must not be negative")
	}
	return nil
}

func (c *Config) validateIFT() error {
	if strings.TrimSpace(c.IFT.Address) == "" {
		return fmt.Errorf("config.ift.address is required")
	}
	if strings.Contains(c.IFT.Address, ":") {
		if _, _, err := net.SplitHostPort(c.IFT.Address); err != nil {
			return fmt.Errorf("config.ift.address is invalid: %w", err)
		}
	}
	if c.IFT.CAFile != "" {
		if err := validateReadableFile(c.IFT.CAFile, "config.ift.ca_file"); err != nil {
			return err
		}
	}
	return nil
}

// ZerologLevel returns the configured log level, info by default.
func (l LogConfig) ZerologLevel() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("config.log.level: %w", err)
	}
	return level, nil
}

var tlsVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// Versions returns the configured TLS version bounds; zero means the
// crypto/tls default.
func (t TLSConfig) Versions() (min, max uint16, err error) {
	parse := func(v, field string) (uint16, error) {
		if v == "" {
			return 0, nil
		}
		n, ok := tlsVersions[v]
		if !ok {
			return 0, fmt.Errorf("%s must be one of 1.0, 1.1, 1.2, 1.3", field)
		}
		return n, nil
	}
	if min, err = parse(t.MinVersion, "config.tls.min_version"); err != nil {
		return 0, 0, err
	}
	if max, err = parse(t.MaxVersion, "config.tls.max_version"); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Auth.PasswordFile = resolvePath(configDir, c.Auth.PasswordFile)
	c.TLS.CAFile = resolvePath(configDir, c.TLS.CAFile)
	c.TLS.CertFile = resolvePath(configDir, c.TLS.CertFile)
	c.TLS.KeyFile = resolvePath(configDir, c.TLS.KeyFile)
	c.TLS.KeylogFile = resolvePath(configDir, c.TLS.KeylogFile)
	c.IFT.CAFile = resolvePath(configDir, c.IFT.CAFile)
	c.PMKSA.File = resolvePath(configDir, c.PMKSA.File)
	c.Trace.File = resolvePath(configDir, c.Trace.File)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
