package contest

import rand "math/rand/v2"

// Flipper is the source of coin outcomes and tie-break draws. A contest only
// consults it after every input for the round is locked.
type Flipper interface {
	Flip() Side
	IntN(n int) int
}

// RandFlipper adapts a *rand.Rand. It is not safe for concurrent use; each
// session owns its own.
type RandFlipper struct {
	rng *rand.Rand
}

func NewRandFlipper(rng *rand.Rand) *RandFlipper {
	return &RandFlipper{rng: rng}
}

func (f *RandFlipper) Flip() Side {
	if f.rng.IntN(2) == 0 {
		return Heads
	}
	return Tails
}

func (f *RandFlipper) IntN(n int) int { return f.rng.IntN(n) }
