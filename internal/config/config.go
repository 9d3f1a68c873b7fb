// Package config loads the coinflip server configuration from HCL.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Config is the complete server configuration. Every block is optional.
type Config struct {
	Server     *ServerSettings     `hcl:"server,block"`
	Timing     *TimingSettings     `hcl:"timing,block"`
	Settlement *SettlementSettings `hcl:"settlement,block"`
	Store      *StoreSettings      `hcl:"store,block"`
	Archive    *ArchiveSettings    `hcl:"archive,block"`
	Reconcile  *ReconcileSettings  `hcl:"reconcile,block"`
	Auth       *AuthSettings       `hcl:"auth,block"`
}

type ServerSettings struct {
	Address        string `hcl:"address,optional"`
	Port           int    `hcl:"port,optional"`
	LogLevel       string `hcl:"log_level,optional"`
	VariantsFile   string `hcl:"variants_file,optional"`
	DefaultVariant string `hcl:"default_variant,optional"`
}

// TimingSettings holds session lifecycle timers as duration strings.
type TimingSettings struct {
	AbandonTimeoutRaw   string `hcl:"abandon_timeout,optional"`
	GraceRaw            string `hcl:"grace,optional"`
	InactivityWindowRaw string `hcl:"inactivity_window,optional"`
	SweepIntervalRaw    string `hcl:"sweep_interval,optional"`
	SettleTimeoutRaw    string `hcl:"settle_timeout,optional"`

	AbandonTimeout   time.Duration
	Grace            time.Duration
	InactivityWindow time.Duration
	SweepInterval    time.Duration
	SettleTimeout    time.Duration
}

type SettlementSettings struct {
	// Bridge is "local" or "http".
	Bridge            string  `hcl:"bridge,optional"`
	URL               string  `hcl:"url,optional"`
	Token             string  `hcl:"token,optional"`
	TimeoutRaw        string  `hcl:"timeout,optional"`
	InitialBackoffRaw string  `hcl:"initial_backoff,optional"`
	MaxBackoffRaw     string  `hcl:"max_backoff,optional"`
	Multiplier        float64 `hcl:"multiplier,optional"`
	MaxAttempts       int     `hcl:"max_attempts,optional"`
	StaleAfterRaw     string  `hcl:"stale_after,optional"`

	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleAfter     time.Duration
}

type StoreSettings struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver        string `hcl:"driver,optional"`
	Path          string `hcl:"path,optional"`
	DSN           string `hcl:"dsn,optional"`
	WriteAttempts int    `hcl:"write_attempts,optional"`
}

// ArchiveSettings enables the S3 audit archive when present.
type ArchiveSettings struct {
	Bucket    string `hcl:"bucket"`
	Prefix    string `hcl:"prefix,optional"`
	Region    string `hcl:"region,optional"`
	Endpoint  string `hcl:"endpoint,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	PathStyle bool   `hcl:"path_style,optional"`
}

// AuthSettings enables address verification when present.
type AuthSettings struct {
	URL        string `hcl:"url"`
	Secret     string `hcl:"secret,optional"`
	TimeoutRaw string `hcl:"timeout,optional"`
	FailOpen   bool   `hcl:"fail_open,optional"`

	Timeout time.Duration
}

type ReconcileSettings struct {
	Enabled     *bool  `hcl:"enabled,optional"`
	IntervalRaw string `hcl:"interval,optional"`

	Interval time.Duration
}

// On reports whether scheduled reconciliation runs. It defaults to on.
func (r *ReconcileSettings) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.normalize(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads filename. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills defaults and parses duration strings.
func (c *Config) normalize() error {
	if c.Server == nil {
		c.Server = &ServerSettings{}
	}
	if c.Timing == nil {
		c.Timing = &TimingSettings{}
	}
	if c.Settlement == nil {
		c.Settlement = &SettlementSettings{}
	}
	if c.Store == nil {
		c.Store = &StoreSettings{}
	}
	if c.Reconcile == nil {
		c.Reconcile = &ReconcileSettings{}
	}

	s := c.Server
	if s.Address == "" {
		s.Address = "localhost"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	t := c.Timing
	st := c.Settlement
	r := c.Reconcile
	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"timing.abandon_timeout", t.AbandonTimeoutRaw, 2 * time.Minute, &t.AbandonTimeout},
		{"timing.grace", t.GraceRaw, 30 * time.Second, &t.Grace},
		{"timing.inactivity_window", t.InactivityWindowRaw, 30 * time.Minute, &t.InactivityWindow},
		{"timing.sweep_interval", t.SweepIntervalRaw, time.Minute, &t.SweepInterval},
		{"timing.settle_timeout", t.SettleTimeoutRaw, 5 * time.Minute, &t.SettleTimeout},
		{"settlement.timeout", st.TimeoutRaw, 10 * time.Second, &st.Timeout},
		{"settlement.initial_backoff", st.InitialBackoffRaw, time.Second, &st.InitialBackoff},
		{"settlement.max_backoff", st.MaxBackoffRaw, 8 * time.Second, &st.MaxBackoff},
		{"settlement.stale_after", st.StaleAfterRaw, 10 * time.Minute, &st.StaleAfter},
		{"reconcile.interval", r.IntervalRaw, 5 * time.Minute, &r.Interval},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if st.Bridge == "" {
		st.Bridge = "local"
	}
	if st.Multiplier == 0 {
		st.Multiplier = 2
	}
	if st.MaxAttempts == 0 {
		st.MaxAttempts = 5
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "coinflip.db"
	}
	if c.Store.WriteAttempts == 0 {
		c.Store.WriteAttempts = 5
	}

	if a := c.Auth; a != nil {
		a.Timeout = 2 * time.Second
		if a.TimeoutRaw != "" {
			v, err := time.ParseDuration(a.TimeoutRaw)
			if err != nil {
				return fmt.Errorf("auth.timeout: %w", err)
			}
			a.Timeout = v
		}
	}

	if a := c.Archive; a != nil {
		if a.Prefix == "" {
			a.Prefix = "contests"
		}
		if a.Region == "" {
			a.Region = "us-east-1"
		}
	}
	return nil
}

// Validate checks the normalized configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Server.LogLevel)
	}

	t := c.Timing
	if t.Grace <= 0 {
		return errors.New("timing.grace must be positive")
	}
	if t.AbandonTimeout < 0 || t.InactivityWindow < 0 {
		return errors.New("timing durations must not be negative")
	}
	if t.SweepInterval <= 0 || t.SettleTimeout <= 0 {
		return errors.New("timing.sweep_interval and timing.settle_timeout must be positive")
	}

	st := c.Settlement
	switch st.Bridge {
	case "local":
	case "http":
		if st.URL == "" {
			return errors.New("settlement.url is required for the http bridge")
		}
	default:
		return fmt.Errorf("settlement.bridge must be local or http, got %q", st.Bridge)
	}
	if st.MaxAttempts < 1 {
		return errors.New("settlement.max_attempts must be at least 1")
	}
	if st.Multiplier < 1 {
		return errors.New("settlement.multiplier must be at least 1")
	}
	if st.InitialBackoff <= 0 || st.MaxBackoff < st.InitialBackoff {
		return errors.New("settlement backoff must satisfy 0 < initial_backoff <= max_backoff")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn (or DATABASE_URL) is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}

	if a := c.Auth; a != nil && (a.URL == "" || a.Timeout <= 0) {
		return errors.New("auth.url is required and auth.timeout must be positive")
	}
	if a := c.Archive; a != nil && a.Bucket == "" {
		return errors.New("archive.bucket is required")
	}
	if c.Reconcile.On() && c.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be positive")
	}
	return nil
}

// ListenAddress returns host:port for the HTTP listener.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
