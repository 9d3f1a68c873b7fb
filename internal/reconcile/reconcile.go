// Package reconcile finishes settlements that no live session will finish
// on its own: pending_completion after retries ran out, submitted claims
// left behind by a crashed process, and completed contests never claimed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/go-co-op/gocron/v2"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/settlement"
	"github.com/lox/coinflip/internal/store"
)

// Store is the read side the reconciler scans.
type Store interface {
	ListSettlements(ctx context.Context, statuses ...contest.SettlementStatus) ([]store.SettlementRecord, error)
	ListUnsettled(ctx context.Context) ([]contest.Record, error)
}

type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Outcome, error)
}

// Live hands a contest back to its session when one is running.
type Live interface {
	Resettle(contestID string) bool
}

// Report summarizes one pass.
type Report struct {
	Checked   int
	Resumed   int
	Confirmed int
	Pending   int
	Failed    int
	Skipped   int
	Errors    int
}

type Reconciler struct {
	store   Store
	settler Settler
	live    Live
	clock   quartz.Clock
	logger  *log.Logger

	// StaleAfter is the age at which a submitted claim is presumed orphaned.
	StaleAfter time.Duration
}

// New creates a reconciler. live may be nil when no sessions run in this
// process.
func New(s Store, settler Settler, live Live, clock quartz.Clock, logger *log.Logger) *Reconciler {
	return &Reconciler{
		store:      s,
		settler:    settler,
		live:       live,
		clock:      clock,
		logger:     logger.WithPrefix("reconcile"),
		StaleAfter: 10 * time.Minute,
	}
}

type candidate struct {
	req    settlement.Request
	status contest.SettlementStatus
}

// RunOnce makes one pass over everything owed a settlement.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	candidates, err := r.candidates(ctx)
	if err != nil {
		return report, err
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		logger := r.logger.With("contest", c.req.ContestID, "status", c.status)

		if r.live != nil && r.live.Resettle(c.req.ContestID) {
			logger.Debug("Handed settlement to live session")
			report.Resumed++
			continue
		}
		if c.req.Winner == "" {
			logger.Warn("Skipping settlement without a winner")
			report.Skipped++
			continue
		}

		out, err := r.settler.Settle(ctx, c.req)
		if err != nil {
			logger.Error("Failed to claim settlement", "error", err)
			report.Errors++
			continue
		}
		switch {
		case out.Duplicate:
			report.Skipped++
		case out.Status == contest.SettlementConfirmed:
			logger.Info("Settlement confirmed", "tx", out.TxRef, "attempts", out.Attempts)
			report.Confirmed++
		case out.Status == contest.SettlementFailed:
			logger.Error("Settlement failed permanently", "reason", out.Reason)
			report.Failed++
		default:
			logger.Warn("Settlement still pending", "reason", out.Reason)
			report.Pending++
		}
	}
	return report, nil
}

func (r *Reconciler) candidates(ctx context.Context) ([]candidate, error) {
	rows, err := r.store.ListSettlements(ctx, contest.SettlementPendingCompletion, contest.SettlementSubmitted)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	records, err := r.store.ListUnsettled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unsettled contests: %w", err)
	}

	staleBefore := r.clock.Now().Add(-r.StaleAfter)
	seen := make(map[string]bool)
	var out []candidate
	for _, row := range rows {
		if row.Status == contest.SettlementSubmitted && !row.UpdatedAt.Before(staleBefore) {
			continue
		}
		seen[row.ContestID] = true
		out = append(out, candidate{
			req:    settlement.Request{ContestID: row.ContestID, Winner: row.Winner, ParticipantCount: row.ParticipantCount},
			status: row.Status,
		})
	}
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		out = append(out, candidate{
			req:    settlement.Request{ContestID: rec.ID, Winner: rec.Winner, ParticipantCount: len(rec.Participants)},
			status: rec.Settlement,
		})
	}
	return out, nil
}

// Run reconciles every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			report, err := r.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("Reconciliation pass failed", "error", err)
				return
			}
			if report.Checked > 0 {
				r.logger.Info("Reconciliation pass",
					"checked", report.Checked, "resumed", report.Resumed,
					"confirmed", report.Confirmed, "pending", report.Pending,
					"failed", report.Failed, "skipped", report.Skipped, "errors", report.Errors)
			}
		}),
		gocron.WithName("reconcile-settlements"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}

	r.logger.Info("Reconciling settlements", "interval", interval, "stale_after", r.StaleAfter)
	sched.Start()
	<-ctx.Done()
	return sched.Shutdown()
}
