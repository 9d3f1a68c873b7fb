package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/coinflip/internal/archive"
	"github.com/lox/coinflip/internal/config"
	"github.com/lox/coinflip/internal/settlement"
	"github.com/lox/coinflip/internal/store"
)

// ConfigFlags are shared by commands that read the server configuration.
type ConfigFlags struct {
	Config   string   `short:"c" default:"coinflip.hcl" help:"Path to HCL configuration file"`
	EnvFile  []string `name:"env-file" default:".env" help:"dotenv files loaded before the configuration"`
	Store    string   `help:"Store driver override (memory, sqlite, postgres)"`
	LogLevel string   `name:"log-level" help:"Log level override (debug, info, warn, error)"`
}

// load reads .env files and the HCL file, applies environment secrets and
// flag overrides, and validates the result.
func (f ConfigFlags) load() (*config.Config, error) {
	if err := config.LoadDotEnv(f.EnvFile...); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)

	if f.Store != "" {
		cfg.Store.Driver = f.Store
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "coinflip.db"
	}
	if f.LogLevel != "" {
		cfg.Server.LogLevel = f.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStore(s *config.StoreSettings, logger *log.Logger) (store.Store, error) {
	switch s.Driver {
	case "sqlite":
		if dir := filepath.Dir(s.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
		logger.Info("Opening SQLite store", "path", s.Path)
		return store.OpenSQLite(s.Path)
	case "postgres":
		logger.Info("Opening Postgres store")
		return store.OpenPostgres(s.DSN)
	default:
		logger.Warn("Using in-memory store; contests will not survive a restart")
		return store.NewMemory(), nil
	}
}

func newBridge(s *config.SettlementSettings, logger *log.Logger) settlement.Bridge {
	if s.Bridge == "http" {
		logger.Info("Settling through relayer", "url", s.URL)
		return settlement.NewHTTPBridge(s.URL, s.Token, s.Timeout)
	}
	logger.Warn("Using local settlement bridge; nothing is submitted on-chain")
	return settlement.LocalBridge{}
}

func newSettlementService(cfg *config.Config, st store.Store, clock quartz.Clock, logger *log.Logger) *settlement.Service {
	s := cfg.Settlement
	backoff := settlement.Backoff{
		Initial:     s.InitialBackoff,
		Max:         s.MaxBackoff,
		Multiplier:  s.Multiplier,
		MaxAttempts: s.MaxAttempts,
	}
	svc := settlement.NewService(st, newBridge(s, logger), backoff, clock, logger)
	svc.StaleAfter = s.StaleAfter
	return svc
}

// newArchiver returns nil when no archive block is configured.
func newArchiver(ctx context.Context, a *config.ArchiveSettings, logger *log.Logger) (*archive.S3Archiver, error) {
	if a == nil {
		return nil, nil
	}
	return archive.NewS3(ctx, archive.Settings{
		Bucket:    a.Bucket,
		Prefix:    a.Prefix,
		Region:    a.Region,
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		PathStyle: a.PathStyle,
	}, logger)
}

func loadCatalog(s *config.ServerSettings) (*config.Catalog, error) {
	catalog := config.DefaultCatalog()
	if s.VariantsFile != "" {
		var err error
		if catalog, err = config.LoadCatalog(s.VariantsFile); err != nil {
			return nil, err
		}
	}
	if s.DefaultVariant != "" {
		if err := catalog.SetDefault(s.DefaultVariant); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
