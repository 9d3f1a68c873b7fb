package main

import (
	"github.com/lox/coinflip/cmd/coinflip/shared"
	"github.com/lox/coinflip/internal/spectator"
)

// WatchCmd follows one contest as a spectator.
type WatchCmd struct {
	ClientFlags `embed:""`

	ContestID string `arg:"" name:"contest" help:"Contest id to watch"`
	LogFile   string `name:"log-file" help:"Log file path (overrides config)"`
	NoColor   bool   `name:"no-color" help:"Render without colors"`
}

func (c *WatchCmd) Run() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if c.LogFile != "" {
		cfg.Display.LogFile = c.LogFile
	}

	logger, closeLog, err := shared.SetupFileLogger(cfg.Display.LogFile, cfg.Display.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := shared.SetupSignalHandler(logger)
	cl, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	return spectator.Watch(ctx, cl, c.ContestID, spectator.Options{
		History: cfg.Display.History,
		NoColor: c.NoColor,
	})
}
