package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lox/coinflip/cmd/coinflip/shared"
	"github.com/lox/coinflip/internal/client"
	"github.com/lox/coinflip/internal/protocol"
	"github.com/lox/coinflip/internal/randutil"
)

// PlayCmd seats an address and plays random choices until the contest ends.
type PlayCmd struct {
	ClientFlags `embed:""`

	Address string `short:"a" help:"Address to play as (overrides config)"`
	Token   string `env:"COINFLIP_TOKEN" help:"Proof of address for servers that verify addresses"`
	Contest string `help:"Contest id to join; a new contest is created when empty"`
	Variant string `help:"Variant preset for a new contest (overrides config)"`
	Seed    *int64 `help:"Seed for reproducible choices"`
}

func (c *PlayCmd) Run() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Player.Address = c.Address
	}
	if c.Variant != "" {
		cfg.Player.Variant = c.Variant
	}
	if c.Token != "" {
		cfg.Player.Token = c.Token
	}
	if cfg.Player.Address == "" {
		return errors.New("an address is required (--address or player.address)")
	}

	logger := shared.SetupLogger(cfg.Display.LogLevel)
	ctx := shared.SetupSignalHandler(logger)

	cl, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cl.Close()
	cl.SetToken(cfg.Player.Token)

	seed := randutil.Seed()
	if c.Seed != nil {
		seed = *c.Seed
	}
	agent := client.NewAgent(cl, randutil.New(seed), cfg.Player.ThinkDuration, logger)

	if c.Contest == "" {
		if err := cl.Create(cfg.Player.Address, cfg.Player.Variant); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Server.ConnectTimeoutDuration)
		env, err := cl.Wait(waitCtx, protocol.TypeCreated)
		cancel()
		if err != nil {
			return err
		}
		var created protocol.Created
		if err := json.Unmarshal(env.Data, &created); err != nil {
			return err
		}
		logger.Info("Created contest", "contest", created.ContestID, "variant", created.Variant)
		fmt.Println(created.ContestID)
	} else if err := cl.Join(c.Contest, cfg.Player.Address, cfg.Player.Variant); err != nil {
		return err
	}

	final, err := agent.Play(ctx)
	if err != nil {
		return err
	}
	logger.Info("Contest finished", "contest", final.ContestID, "winner", final.Winner, "won", final.Winner == cfg.Player.Address)
	return nil
}
