package main

import (
	"fmt"

	"github.com/coder/quartz"

	"github.com/lox/coinflip/cmd/coinflip/shared"
	"github.com/lox/coinflip/internal/reconcile"
)

// ReconcileCmd makes one reconciliation pass against the configured store.
// Run it only when no server is settling against the same store, or rely on
// the settlement claim to keep the two from submitting twice.
type ReconcileCmd struct {
	ConfigFlags `embed:""`
}

func (c *ReconcileCmd) Run() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	logger := shared.SetupLogger(cfg.Server.LogLevel)
	ctx := shared.SetupSignalHandler(logger)

	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	clock := quartz.NewReal()
	rec := reconcile.New(st, newSettlementService(cfg, st, clock, logger), nil, clock, logger)
	rec.StaleAfter = cfg.Settlement.StaleAfter

	report, err := rec.RunOnce(ctx)
	if err != nil {
		return err
	}
	logger.Info("Reconciliation complete",
		"checked", report.Checked, "confirmed", report.Confirmed,
		"pending", report.Pending, "failed", report.Failed,
		"skipped", report.Skipped, "errors", report.Errors)
	if report.Errors > 0 {
		return fmt.Errorf("%d settlements could not be claimed", report.Errors)
	}
	return nil
}
