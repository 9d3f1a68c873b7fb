// Package store is the durable record of contests, their rounds and their
// settlement hand-off. It is consulted for crash recovery, audit and
// reconciliation, never on the hot path of round resolution.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lox/coinflip/internal/contest"
)

// ErrNotFound is returned by LoadContest for unknown ids.
var ErrNotFound = errors.New("store: contest not found")

// Store is implemented by Memory, SQLite and Postgres.
type Store interface {
	// AppendRound writes a resolved round. Rounds are never updated; writing
	// the same round number twice keeps the first.
	AppendRound(ctx context.Context, contestID string, round contest.Round) error
	// UpdateContestStatus upserts the contest record.
	UpdateContestStatus(ctx context.Context, rec contest.Record) error
	// LoadContest returns the record, with the settlement row merged in, and
	// its rounds in order.
	LoadContest(ctx context.Context, id string) (Snapshot, error)

	// MarkSettlementSubmitted atomically moves the contest's settlement to
	// submitted if it is still claimable. It returns the row as it stands
	// afterwards and whether this caller acquired it.
	MarkSettlementSubmitted(ctx context.Context, claim Claim) (SettlementRecord, bool, error)
	// RecordSettlement stores the outcome of an attempt sequence. A confirmed
	// row is never overwritten.
	RecordSettlement(ctx context.Context, rec SettlementRecord) error
	// ListSettlements returns settlement rows in any of the given statuses.
	ListSettlements(ctx context.Context, statuses ...contest.SettlementStatus) ([]SettlementRecord, error)
	// ListUnsettled returns completed contests whose settlement was never
	// claimed or is waiting for another attempt.
	ListUnsettled(ctx context.Context) ([]contest.Record, error)

	Close() error
}

// Snapshot is everything needed to restore a contest.
type Snapshot struct {
	Record contest.Record
	Rounds []contest.Round
}

// SettlementRecord is the durable settlement row of one contest.
type SettlementRecord struct {
	ContestID        string                   `json:"contestId"`
	Winner           string                   `json:"winner"`
	ParticipantCount int                      `json:"participantCount"`
	Status           contest.SettlementStatus `json:"status"`
	TxRef            string                   `json:"txRef,omitempty"`
	Reason           string                   `json:"reason,omitempty"`
	Attempts         int                      `json:"attempts"`
	// Submissions counts how many times the row was moved to submitted.
	Submissions int       `json:"submissions"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Claim asks to move a settlement to submitted.
type Claim struct {
	ContestID        string
	Winner           string
	ParticipantCount int
	At               time.Time
	// StaleBefore lets a caller take over a submitted row whose owner went
	// quiet before this instant. Zero never takes over.
	StaleBefore time.Time
}

func claimable(cur SettlementRecord, c Claim) bool {
	switch cur.Status {
	case "", contest.SettlementNone, contest.SettlementPending, contest.SettlementPendingCompletion:
		return true
	case contest.SettlementSubmitted:
		return !c.StaleBefore.IsZero() && cur.UpdatedAt.Before(c.StaleBefore)
	default:
		return false
	}
}

func applyClaim(cur SettlementRecord, c Claim) SettlementRecord {
	cur.ContestID = c.ContestID
	cur.Winner = c.Winner
	cur.ParticipantCount = c.ParticipantCount
	cur.Status = contest.SettlementSubmitted
	cur.Reason = ""
	cur.Submissions++
	cur.UpdatedAt = c.At
	return cur
}

// mergeSettlement overlays the authoritative settlement row on a record
// written by the session, which may lag behind it.
func mergeSettlement(rec *contest.Record, s SettlementRecord) {
	rec.Settlement = s.Status
	if s.TxRef != "" {
		rec.TxRef = s.TxRef
	}
	rec.SettlementReason = s.Reason
}

func statusSet(statuses []contest.SettlementStatus) map[contest.SettlementStatus]bool {
	set := make(map[contest.SettlementStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func unsettled(rec contest.Record, s *SettlementRecord) bool {
	if rec.Phase != contest.PhaseCompleted {
		return false
	}
	if s == nil {
		return true
	}
	return claimable(*s, Claim{})
}
