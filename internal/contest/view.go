package contest

import "time"

// ParticipantView is the public projection of a participant.
type ParticipantView struct {
	Address    string `json:"address"`
	Wins       int    `json:"wins"`
	Eliminated bool   `json:"eliminated"`
	Locked     bool   `json:"locked"`
	Released   bool   `json:"released"`
}

// View is the public contest state broadcast to every bound connection.
// Choices stay hidden until the round is locked, and charged powers until
// it resolves.
type View struct {
	ContestID         string            `json:"contestId"`
	Variant           string            `json:"variant"`
	Mode              Mode              `json:"mode"`
	Phase             Phase             `json:"phase"`
	Round             int               `json:"round"`
	MaxRounds         int               `json:"maxRounds,omitempty"`
	Capacity          int               `json:"capacity"`
	Participants      []ParticipantView `json:"participants"`
	CurrentTurn       string            `json:"currentTurn,omitempty"`
	TurnDeadline      *time.Time        `json:"turnDeadline,omitempty"`
	ChargeDeadline    *time.Time        `json:"chargeDeadline,omitempty"`
	RevealedChoices   []Input           `json:"revealedChoices,omitempty"`
	LastRound         *Round            `json:"lastRound,omitempty"`
	Winner            string            `json:"winner,omitempty"`
	Settlement        SettlementStatus  `json:"settlement"`
	TxRef             string            `json:"txRef,omitempty"`
	PendingSettlement bool              `json:"pendingSettlement"`
	CancelReason      string            `json:"cancelReason,omitempty"`
	Version           uint64            `json:"version"`
}

// View returns a copy of the public state that is safe to hand to other
// goroutines.
func (c *Contest) View() View {
	v := View{
		ContestID:    c.ID,
		Variant:      c.Variant.Name,
		Mode:         c.Variant.Mode,
		Phase:        c.Phase,
		Round:        c.Round,
		Capacity:     c.Variant.Capacity,
		CurrentTurn:  c.Turn,
		Winner:       c.Winner,
		Settlement:   c.Settlement,
		TxRef:        c.TxRef,
		CancelReason: c.CancelReason,
		Version:      c.Version,
	}
	if c.Variant.Mode == ModeDuel {
		v.MaxRounds = c.Variant.MaxRounds
	}
	v.PendingSettlement = c.Phase == PhaseCompleted && c.Settlement != SettlementConfirmed

	v.Participants = make([]ParticipantView, len(c.Participants))
	for i, p := range c.Participants {
		v.Participants[i] = ParticipantView{
			Address:    p.Address,
			Wins:       p.Wins,
			Eliminated: p.Eliminated,
			Locked:     c.Locked(p.Address),
			Released:   c.Released(p.Address),
		}
	}

	if c.Phase == PhaseRoundActive {
		v.RevealedChoices = c.lockedInputs()
		for i := range v.RevealedChoices {
			v.RevealedChoices[i].Power = 0
		}
		if c.Variant.RevealDelay > 0 {
			d := c.ChargeDeadline()
			v.ChargeDeadline = &d
		}
	}
	if c.LastRound != nil {
		r := *c.LastRound
		r.Inputs = append([]Input(nil), r.Inputs...)
		r.Winners = append([]string(nil), r.Winners...)
		r.Eliminated = append([]string(nil), r.Eliminated...)
		v.LastRound = &r
	}
	return v
}
