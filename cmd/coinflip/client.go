package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/lox/coinflip/internal/client"
)

// ClientFlags are shared by the watch and play commands.
type ClientFlags struct {
	Config   string `short:"c" default:"coinflip-client.hcl" help:"Path to client HCL configuration file"`
	Server   string `short:"s" help:"Server URL to connect to (overrides config)"`
	LogLevel string `name:"log-level" help:"Log level (overrides config)"`
}

func (f ClientFlags) load() (*client.Config, error) {
	cfg, err := client.LoadConfig(f.Config)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if f.Server != "" {
		cfg.Server.URL = f.Server
	}
	if f.LogLevel != "" {
		cfg.Display.LogLevel = f.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func dial(ctx context.Context, cfg *client.Config, logger *log.Logger) (*client.Client, error) {
	c := client.NewClient(cfg.Server.URL, logger)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Server.ConnectTimeoutDuration)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		return nil, err
	}
	return c, nil
}
