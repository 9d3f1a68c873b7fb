package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/lox/coinflip/cmd/coinflip/shared"
	"github.com/lox/coinflip/internal/auth"
	"github.com/lox/coinflip/internal/connections"
	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/randutil"
	"github.com/lox/coinflip/internal/reconcile"
	"github.com/lox/coinflip/internal/server"
	"github.com/lox/coinflip/internal/session"
	"github.com/lox/coinflip/internal/store"
)

// ServerCmd runs the websocket server, session sweeper and reconciler.
type ServerCmd struct {
	ConfigFlags `embed:""`

	Addr        string `help:"Listen address override (host:port)"`
	Seed        *int64 `help:"Deterministic flip seed; every contest derives its own stream from it"`
	NoReconcile bool   `name:"no-reconcile" help:"Disable scheduled settlement reconciliation"`
}

func (c *ServerCmd) Run() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	logger := shared.SetupLogger(cfg.Server.LogLevel)
	ctx := shared.SetupSignalHandler(logger)

	catalog, err := loadCatalog(cfg.Server)
	if err != nil {
		return fmt.Errorf("loading variants: %w", err)
	}

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	clock := quartz.NewReal()
	writer := store.NewWriter(st, clock, logger, store.WriterOptions{MaxAttempts: cfg.Store.WriteAttempts})
	settler := newSettlementService(cfg, st, clock, logger)

	conns := connections.NewRegistry(logger)
	opts := []server.Option{server.WithClock(clock), server.WithLoader(st)}
	if a := cfg.Auth; a != nil {
		logger.Info("Verifying player addresses", "url", a.URL, "fail_open", a.FailOpen)
		opts = append(opts, server.WithAuth(auth.NewHTTPValidator(a.URL, a.Secret, a.Timeout), a.FailOpen))
	}
	srv := server.NewServer(logger, conns, catalog, opts...)

	t := cfg.Timing
	sessCfg := session.Config{
		Clock:            clock,
		Logger:           logger,
		Broadcaster:      srv,
		Connections:      conns,
		Recorder:         writer,
		Settler:          settler,
		Loader:           st,
		AbandonTimeout:   t.AbandonTimeout,
		Grace:            t.Grace,
		InactivityWindow: t.InactivityWindow,
		SweepInterval:    t.SweepInterval,
		SettleTimeout:    t.SettleTimeout,
	}
	arch, err := newArchiver(ctx, cfg.Archive, logger)
	if err != nil {
		return fmt.Errorf("configuring archive: %w", err)
	}
	if arch != nil {
		sessCfg.Archiver = arch
	}
	if c.Seed != nil {
		seed := *c.Seed
		logger.Info("Using deterministic seed", "seed", seed)
		sessCfg.Flippers = func(id string) contest.Flipper {
			return contest.NewRandFlipper(randutil.Derive(seed, id))
		}
	}
	sessions := session.NewRegistry(sessCfg)
	srv.SetSessions(sessions)

	addr := cfg.ListenAddress()
	if c.Addr != "" {
		addr = c.Addr
	}
	logger.Info("Starting coinflip server",
		"addr", addr,
		"store", cfg.Store.Driver,
		"bridge", cfg.Settlement.Bridge,
		"variants", catalog.Names(),
		"default_variant", catalog.Default(),
		"archive", arch != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sessions.Run(gctx) })
	if cfg.Reconcile.On() && !c.NoReconcile {
		rec := reconcile.New(st, settler, sessions, clock, logger)
		rec.StaleAfter = cfg.Settlement.StaleAfter
		g.Go(func() error { return rec.Run(gctx, cfg.Reconcile.Interval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		err = errors.Join(err, sessions.Shutdown(shutdownCtx))
		if werr := writer.Shutdown(shutdownCtx); werr != nil {
			err = errors.Join(err, fmt.Errorf("draining store writes: %w", werr))
		}
		return err
	})
	return g.Wait()
}
