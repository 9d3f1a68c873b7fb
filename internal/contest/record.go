package contest

import (
	"fmt"
	"time"
)

// Record is the durable form of a contest, written by the persistence
// adapter and read back for crash recovery. Rounds are stored separately.
type Record struct {
	ID               string           `json:"id"`
	Variant          Variant          `json:"variant"`
	Phase            Phase            `json:"phase"`
	Creator          string           `json:"creator"`
	Participants     []Participant    `json:"participants"`
	Round            int              `json:"round"`
	Winner           string           `json:"winner,omitempty"`
	Settlement       SettlementStatus `json:"settlement"`
	TxRef            string           `json:"txRef,omitempty"`
	SettlementReason string           `json:"settlementReason,omitempty"`
	CancelReason     string           `json:"cancelReason,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Record snapshots the contest for persistence.
func (c *Contest) Record() Record {
	return Record{
		ID:               c.ID,
		Variant:          c.Variant,
		Phase:            c.Phase,
		Creator:          c.Creator,
		Participants:     c.participantValues(),
		Round:            c.Round,
		Winner:           c.Winner,
		Settlement:       c.Settlement,
		TxRef:            c.TxRef,
		SettlementReason: c.SettlementReason,
		CancelReason:     c.CancelReason,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// Restore rebuilds a contest from its durable record. Locked inputs are not
// persisted, so a contest caught mid-round restarts that round's choosing
// phase from its lead.
func Restore(rec Record, rounds []Round, now time.Time) (*Contest, error) {
	if err := rec.Variant.Validate(); err != nil {
		return nil, err
	}
	if len(rec.Participants) == 0 {
		return nil, fmt.Errorf("contest %s: record has no participants", rec.ID)
	}
	c := &Contest{
		ID:               rec.ID,
		Variant:          rec.Variant,
		Phase:            rec.Phase,
		Creator:          rec.Creator,
		Winner:           rec.Winner,
		Settlement:       rec.Settlement,
		TxRef:            rec.TxRef,
		SettlementReason: rec.SettlementReason,
		CancelReason:     rec.CancelReason,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        now,
		History:          append([]Round(nil), rounds...),
		inputs:           make(map[string]Input),
	}
	if c.Settlement == "" {
		c.Settlement = SettlementNone
	}
	for _, p := range rec.Participants {
		p := p
		c.Participants = append(c.Participants, &p)
	}
	if len(c.History) > 0 {
		last := c.History[len(c.History)-1]
		c.LastRound = &last
	}

	switch rec.Phase {
	case PhaseWaiting, PhaseCompleted, PhaseCancelled:
		c.Round = rec.Round
		if rec.Phase == PhaseCompleted && c.Settlement == SettlementNone {
			c.Settlement = SettlementPending
		}
	case PhaseChoosing, PhaseRoundActive, PhaseRoundResult:
		round := rec.Round
		if round < 1 {
			round = 1
		}
		if len(c.Standing()) < 2 {
			return nil, fmt.Errorf("contest %s: %s with fewer than two standing participants", rec.ID, rec.Phase)
		}
		c.startRound(round)
	default:
		return nil, fmt.Errorf("contest %s: unknown phase %q", rec.ID, rec.Phase)
	}
	c.Version = 1
	return c, nil
}
