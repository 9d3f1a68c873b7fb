package settlement

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/store"
)

// Outcome is what one Settle call ended with.
type Outcome struct {
	Status   contest.SettlementStatus
	TxRef    string
	Reason   string
	Attempts int
	// Duplicate is set when another caller already owns or finished the
	// settlement and no submission was made.
	Duplicate bool
}

// Service guards bridge submissions with the durable settlement row, so a
// contest is submitted by one attempt sequence at a time, across restarts.
type Service struct {
	store   store.Store
	bridge  Bridge
	retrier *Retrier
	clock   quartz.Clock
	logger  *log.Logger

	// StaleAfter lets a later caller take over a settlement left in
	// submitted for longer than this, e.g. by a crashed process. Zero
	// disables takeover.
	StaleAfter time.Duration
}

// NewService wires a settlement service.
func NewService(s store.Store, b Bridge, backoff Backoff, clock quartz.Clock, logger *log.Logger) *Service {
	logger = logger.WithPrefix("settlement")
	return &Service{
		store:   s,
		bridge:  b,
		retrier: NewRetrier(backoff, clock, logger),
		clock:   clock,
		logger:  logger,
	}
}

// Settle submits req unless the contest's settlement is already owned or
// finished. The returned error is only set when the store could not be
// reached to claim the settlement; bridge failures are folded into the
// Outcome.
func (s *Service) Settle(ctx context.Context, req Request) (Outcome, error) {
	logger := s.logger.With("contest", req.ContestID)
	now := s.clock.Now()
	claim := store.Claim{
		ContestID:        req.ContestID,
		Winner:           req.Winner,
		ParticipantCount: req.ParticipantCount,
		At:               now,
	}
	if s.StaleAfter > 0 {
		claim.StaleBefore = now.Add(-s.StaleAfter)
	}

	cur, acquired, err := s.store.MarkSettlementSubmitted(ctx, claim)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		logger.Debug("Settlement already claimed", "status", cur.Status)
		return Outcome{Status: cur.Status, TxRef: cur.TxRef, Reason: cur.Reason, Attempts: cur.Attempts, Duplicate: true}, nil
	}

	var receipt Receipt
	attempts, err := s.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		logger.Debug("Submitting settlement", "attempt", attempt, "winner", req.Winner)
		r, err := s.bridge.Submit(ctx, req)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})

	out := Outcome{Attempts: attempts}
	switch class, reason := Classify(err); {
	case err == nil:
		out.Status = contest.SettlementConfirmed
		out.TxRef = receipt.TxRef
		logger.Info("Settlement confirmed", "tx", receipt.TxRef, "attempts", attempts)
	case class == Permanent:
		out.Status = contest.SettlementFailed
		out.Reason = reason
		logger.Error("Settlement rejected", "reason", reason, "error", err)
	default:
		out.Status = contest.SettlementPendingCompletion
		out.Reason = reason
		logger.Error("Settlement retries exhausted, awaiting reconciliation", "reason", reason, "attempts", attempts, "error", err)
	}

	rec := store.SettlementRecord{
		ContestID:        req.ContestID,
		Winner:           req.Winner,
		ParticipantCount: req.ParticipantCount,
		Status:           out.Status,
		TxRef:            out.TxRef,
		Reason:           out.Reason,
		Attempts:         cur.Attempts + attempts,
		UpdatedAt:        s.clock.Now(),
	}
	// The outcome has to land even if the caller gave up waiting.
	recordCtx := context.WithoutCancel(ctx)
	if _, err := s.retrier.Do(recordCtx, func(ctx context.Context, _ int) error {
		return s.store.RecordSettlement(ctx, rec)
	}); err != nil {
		logger.Error("Failed to record settlement outcome", "status", out.Status, "error", err)
	}
	return out, nil
}
