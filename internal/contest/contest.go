package contest

import (
	"fmt"
	"time"
)

// Contest is the in-memory state of one coin-flip contest. It is not safe
// for concurrent use: a single session goroutine owns each Contest and is
// the only caller of its methods.
type Contest struct {
	ID           string
	Variant      Variant
	Phase        Phase
	Creator      string
	Participants []*Participant
	Round        int
	Turn         string
	Winner       string

	Settlement       SettlementStatus
	TxRef            string
	SettlementReason string
	CancelReason     string

	LastRound *Round
	History   []Round

	// ChargeStart is when the current round entered round_active.
	ChargeStart time.Time

	// Version increases by one on every accepted transition.
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time

	order  []string
	inputs map[string]Input
}

// New creates a contest in the waiting phase with the creator seated.
func New(id, creator string, v Variant, now time.Time) (*Contest, error) {
	if creator == "" {
		return nil, ErrMissingAddress
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	c := &Contest{
		ID:         id,
		Variant:    v,
		Phase:      PhaseWaiting,
		Creator:    creator,
		Settlement: SettlementNone,
		CreatedAt:  now,
		UpdatedAt:  now,
		inputs:     make(map[string]Input),
	}
	c.Participants = append(c.Participants, &Participant{Address: creator})
	return c, nil
}

// Participant returns the seated participant for address, or nil.
func (c *Contest) Participant(address string) *Participant {
	for _, p := range c.Participants {
		if p.Address == address {
			return p
		}
	}
	return nil
}

// IsParticipant reports whether address holds a seat.
func (c *Contest) IsParticipant(address string) bool {
	return c.Participant(address) != nil
}

// Standing returns the participants that are not eliminated, in seat order.
func (c *Contest) Standing() []*Participant {
	out := make([]*Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if !p.Eliminated {
			out = append(out, p)
		}
	}
	return out
}

// Join seats address while the contest is waiting. It reports whether the
// contest state changed; joining as a spectator or re-joining is not a
// change and not an error.
func (c *Contest) Join(address string, now time.Time) (bool, error) {
	if address == "" || c.Phase != PhaseWaiting || c.IsParticipant(address) {
		return false, nil
	}
	if len(c.Participants) >= c.Variant.Capacity {
		return false, nil
	}
	c.Participants = append(c.Participants, &Participant{Address: address})
	if len(c.Participants) == c.Variant.Capacity {
		c.startRound(1)
	}
	c.touch(now)
	return true, nil
}

// SubmitChoice locks the turn holder's side. The turn then passes to the
// next participant still to choose; once everyone standing has locked in,
// the contest moves to round_active and the charge meters start.
func (c *Contest) SubmitChoice(address string, side Side, now time.Time) error {
	if c.Phase != PhaseChoosing {
		return fmt.Errorf("%w: %s", ErrWrongPhase, c.Phase)
	}
	p := c.Participant(address)
	if p == nil || p.Eliminated {
		return ErrNotParticipant
	}
	if c.Turn != address {
		return ErrNotYourTurn
	}
	if !side.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if c.Variant.Mode == ModeDuel {
		for _, in := range c.inputs {
			if in.Side == side {
				return fmt.Errorf("%w: %s", ErrSideTaken, side)
			}
		}
	}

	c.inputs[address] = Input{Address: address, Side: side}
	c.Turn = c.nextChooser()
	if c.Turn == "" {
		c.Phase = PhaseRoundActive
		c.ChargeStart = now
	}
	c.touch(now)
	return nil
}

// Release stops address's charge meter and locks the power it reached,
// measured from the start of round_active.
func (c *Contest) Release(address string, now time.Time) (int, error) {
	if c.Phase != PhaseRoundActive {
		return 0, fmt.Errorf("%w: %s", ErrWrongPhase, c.Phase)
	}
	in, ok := c.inputs[address]
	if !ok {
		return 0, ErrNotParticipant
	}
	if in.Released {
		return 0, ErrAlreadyReleased
	}
	in.Power = ChargePower(c.Variant, now.Sub(c.ChargeStart))
	in.Released = true
	c.inputs[address] = in
	c.touch(now)
	return in.Power, nil
}

// AllReleased reports whether every locked input has released its charge.
func (c *Contest) AllReleased() bool {
	if c.Phase != PhaseRoundActive {
		return false
	}
	for _, in := range c.inputs {
		if !in.Released {
			return false
		}
	}
	return true
}

// ChargeDeadline is when the current round resolves if not everyone
// released earlier. It is zero outside round_active.
func (c *Contest) ChargeDeadline() time.Time {
	if c.Phase != PhaseRoundActive {
		return time.Time{}
	}
	return c.ChargeStart.Add(c.Variant.RevealDelay)
}

// ResolveRound flips the coin for a round whose inputs are all locked and
// applies the result.
func (c *Contest) ResolveRound(f Flipper, now time.Time) (*Round, error) {
	if c.Phase != PhaseRoundActive {
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, c.Phase)
	}
	inputs := c.lockedInputs()
	res := Resolve(c.Variant, inputs, f)
	round := &Round{
		Number:     c.Round,
		Inputs:     inputs,
		Outcome:    res.Outcome,
		Winners:    res.Winners,
		Eliminated: res.Eliminated,
		Draw:       res.Draw,
		ResolvedAt: now,
	}
	c.applyRound(round, now)
	return round, nil
}

// Forfeit resolves the current round against the turn holder, who failed to
// choose in time. No coin is flipped.
func (c *Contest) Forfeit(now time.Time) (*Round, error) {
	if c.Phase != PhaseChoosing {
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, c.Phase)
	}
	holder := c.Turn
	inputs := c.lockedInputs()
	inputs = append(inputs, Input{Address: holder, Forfeited: true})

	round := &Round{
		Number:     c.Round,
		Inputs:     inputs,
		Forfeit:    true,
		ResolvedAt: now,
	}
	switch c.Variant.Mode {
	case ModeDuel:
		for _, p := range c.Standing() {
			if p.Address != holder {
				round.Winners = append(round.Winners, p.Address)
			}
		}
	case ModeRoyale:
		round.Eliminated = []string{holder}
	}
	c.applyRound(round, now)
	return round, nil
}

// Cancel abandons a contest that has not reached a round resolution.
func (c *Contest) Cancel(reason string, now time.Time) error {
	if c.Phase != PhaseWaiting && c.Phase != PhaseChoosing {
		return fmt.Errorf("%w: %s", ErrWrongPhase, c.Phase)
	}
	c.Phase = PhaseCancelled
	c.Turn = ""
	c.ChargeStart = time.Time{}
	c.CancelReason = reason
	c.inputs = make(map[string]Input)
	c.touch(now)
	return nil
}

// SetSettlement records the settlement status reported by the bridge.
func (c *Contest) SetSettlement(status SettlementStatus, txRef, reason string, now time.Time) {
	c.Settlement = status
	if txRef != "" {
		c.TxRef = txRef
	}
	c.SettlementReason = reason
	c.touch(now)
}

// Locked reports whether address has locked a choice this round.
func (c *Contest) Locked(address string) bool {
	_, ok := c.inputs[address]
	return ok
}

// Released reports whether address has released its charge this round.
func (c *Contest) Released(address string) bool {
	return c.inputs[address].Released
}

func (c *Contest) applyRound(round *Round, now time.Time) {
	c.Phase = PhaseRoundResult
	c.ChargeStart = time.Time{}
	for _, addr := range round.Winners {
		if p := c.Participant(addr); p != nil {
			p.Wins++
		}
	}
	for _, addr := range round.Eliminated {
		if p := c.Participant(addr); p != nil {
			p.Eliminated = true
			p.EliminatedRound = round.Number
		}
	}
	c.LastRound = round
	c.History = append(c.History, *round)

	decision := AdvanceOrTerminate(c.Variant, c.participantValues())
	if decision.Complete {
		c.Phase = PhaseCompleted
		c.Winner = decision.Winner
		c.Turn = ""
		c.Settlement = SettlementPending
		c.inputs = make(map[string]Input)
	} else {
		c.startRound(c.Round + 1)
	}
	c.touch(now)
}

// startRound arms the choosing phase. The lead rotates through the standing
// participants so the first chooser alternates between rounds.
func (c *Contest) startRound(n int) {
	standing := c.Standing()
	c.Round = n
	c.inputs = make(map[string]Input)
	c.order = c.order[:0]
	lead := (n - 1) % len(standing)
	for i := range standing {
		c.order = append(c.order, standing[(lead+i)%len(standing)].Address)
	}
	c.Turn = c.order[0]
	c.Phase = PhaseChoosing
}

func (c *Contest) nextChooser() string {
	for _, addr := range c.order {
		if _, ok := c.inputs[addr]; !ok {
			return addr
		}
	}
	return ""
}

func (c *Contest) lockedInputs() []Input {
	out := make([]Input, 0, len(c.inputs))
	for _, addr := range c.order {
		if in, ok := c.inputs[addr]; ok {
			out = append(out, in)
		}
	}
	return out
}

func (c *Contest) participantValues() []Participant {
	out := make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		out[i] = *p
	}
	return out
}

func (c *Contest) touch(now time.Time) {
	c.Version++
	c.UpdatedAt = now
}
