package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Config is the client-side HCL file shared by the watch and play commands.
type Config struct {
	Server  *ServerSettings  `hcl:"server,block"`
	Player  *PlayerSettings  `hcl:"player,block"`
	Display *DisplaySettings `hcl:"display,block"`
}

type ServerSettings struct {
	URL            string `hcl:"url,optional"`
	ConnectTimeout string `hcl:"connect_timeout,optional"`

	ConnectTimeoutDuration time.Duration
}

type PlayerSettings struct {
	Address string `hcl:"address,optional"`
	Token   string `hcl:"token,optional"`
	Variant string `hcl:"variant,optional"`
	// Think delays each automatic choice, so spectators can follow along.
	Think string `hcl:"think,optional"`

	ThinkDuration time.Duration
}

type DisplaySettings struct {
	LogLevel string `hcl:"log_level,optional"`
	LogFile  string `hcl:"log_file,optional"`
	// History is how many resolved rounds the spectator keeps on screen.
	History int `hcl:"history,optional"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	c := &Config{}
	if err := c.normalize(); err != nil {
		panic(err)
	}
	return c
}

// LoadConfig reads filename, falling back to defaults when it is missing.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var c Config
	if diags := gohcl.DecodeBody(file.Body, nil, &c); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() error {
	if c.Server == nil {
		c.Server = &ServerSettings{}
	}
	if c.Player == nil {
		c.Player = &PlayerSettings{}
	}
	if c.Display == nil {
		c.Display = &DisplaySettings{}
	}
	if c.Server.URL == "" {
		c.Server.URL = "http://localhost:8080"
	}
	if c.Server.ConnectTimeout == "" {
		c.Server.ConnectTimeout = "10s"
	}
	if c.Player.Think == "" {
		c.Player.Think = "0s"
	}
	if c.Display.LogLevel == "" {
		c.Display.LogLevel = "warn"
	}
	if c.Display.LogFile == "" {
		c.Display.LogFile = "coinflip-client.log"
	}
	if c.Display.History == 0 {
		c.Display.History = 20
	}

	var err error
	if c.Server.ConnectTimeoutDuration, err = time.ParseDuration(c.Server.ConnectTimeout); err != nil {
		return fmt.Errorf("server.connect_timeout: %w", err)
	}
	if c.Player.ThinkDuration, err = time.ParseDuration(c.Player.Think); err != nil {
		return fmt.Errorf("player.think: %w", err)
	}
	return nil
}

// Validate checks values a file can get wrong.
func (c *Config) Validate() error {
	if _, err := WebSocketURL(c.Server.URL); err != nil {
		return err
	}
	if c.Server.ConnectTimeoutDuration <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.Player.ThinkDuration < 0 {
		return fmt.Errorf("think delay cannot be negative")
	}
	if c.Display.History < 0 {
		return fmt.Errorf("history cannot be negative")
	}
	switch c.Display.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Display.LogLevel)
	}
	return nil
}
