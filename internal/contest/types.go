package contest

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the current state of a contest's state machine.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseChoosing    Phase = "choosing"
	PhaseRoundActive Phase = "round_active"
	PhaseRoundResult Phase = "round_result"
	PhaseCompleted   Phase = "completed"
	PhaseCancelled   Phase = "cancelled"
)

// Terminal reports whether no further game transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

func (p Phase) String() string { return string(p) }

// Side is one face of the coin.
type Side string

const (
	Heads Side = "heads"
	Tails Side = "tails"
)

// ParseSide accepts "heads"/"tails" and the single letter forms.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "heads", "h":
		return Heads, nil
	case "tails", "t":
		return Tails, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Opposite returns the other face.
func (s Side) Opposite() Side {
	if s == Heads {
		return Tails
	}
	return Heads
}

func (s Side) Valid() bool { return s == Heads || s == Tails }

// Mode selects the termination rule of a contest.
type Mode string

const (
	// ModeDuel is a two-participant best-of-N contest.
	ModeDuel Mode = "duel"
	// ModeRoyale eliminates participants until one remains.
	ModeRoyale Mode = "royale"
)

// SettlementStatus tracks the on-chain hand-off of a completed contest.
type SettlementStatus string

const (
	SettlementNone      SettlementStatus = "none"
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	// SettlementPendingCompletion means transient retries were exhausted and
	// the contest waits for reconciliation.
	SettlementPendingCompletion SettlementStatus = "pending_completion"
	// SettlementFailed is a permanent rejection reported by the bridge.
	SettlementFailed SettlementStatus = "failed"
)

// Resolved reports whether the settlement reached a state where no automatic
// attempt is in flight or owed by the live session.
func (s SettlementStatus) Resolved() bool {
	switch s {
	case SettlementConfirmed, SettlementFailed, SettlementPendingCompletion:
		return true
	}
	return false
}

// Retryable reports whether a new submission sequence may be started.
func (s SettlementStatus) Retryable() bool {
	switch s {
	case SettlementNone, SettlementPending, SettlementPendingCompletion:
		return true
	}
	return false
}

// MaxPower is the upper bound of the charge meter.
const MaxPower = 100

// Participant is a seated address and its running score.
type Participant struct {
	Address         string `json:"address"`
	Wins            int    `json:"wins"`
	Eliminated      bool   `json:"eliminated,omitempty"`
	EliminatedRound int    `json:"eliminatedRound,omitempty"`
}

// Input is one participant's locked choice for a round. Power is measured
// by the server when the participant releases its charge; an input still
// charging when the round resolves keeps power 0.
type Input struct {
	Address   string `json:"address"`
	Side      Side   `json:"side,omitempty"`
	Power     int    `json:"power"`
	Released  bool   `json:"released,omitempty"`
	Forfeited bool   `json:"forfeited,omitempty"`
}

// Round is the append-only audit record of one resolved round.
type Round struct {
	Number     int       `json:"number"`
	Inputs     []Input   `json:"inputs"`
	Outcome    Side      `json:"outcome,omitempty"`
	Winners    []string  `json:"winners,omitempty"`
	Eliminated []string  `json:"eliminated,omitempty"`
	Draw       bool      `json:"draw,omitempty"`
	Forfeit    bool      `json:"forfeit,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}
