package contest

import (
	"fmt"
	"time"
)

// MaxParticipants bounds royale capacity.
const MaxParticipants = 64

// Variant is the rule set a contest is created with.
type Variant struct {
	Name     string `json:"name"`
	Mode     Mode   `json:"mode"`
	Capacity int    `json:"capacity"`
	// MaxRounds is the N of best-of-N (duel only).
	MaxRounds int `json:"maxRounds,omitempty"`
	// EliminationsPerRound caps eliminations in royale; 0 eliminates every
	// wrong caller.
	EliminationsPerRound int           `json:"eliminationsPerRound,omitempty"`
	TurnTimeout          time.Duration `json:"turnTimeout"`
	// RevealDelay is the charge window: how long round_active stays open
	// for participants to release. Zero resolves at once with no charge.
	RevealDelay time.Duration `json:"revealDelay,omitempty"`
}

// Validate checks the variant's parameters against its mode.
func (v Variant) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidVariant)
	}
	switch v.Mode {
	case ModeDuel:
		if v.Capacity != 2 {
			return fmt.Errorf("%w: %s: duel capacity must be 2, got %d", ErrInvalidVariant, v.Name, v.Capacity)
		}
		if v.MaxRounds < 1 || v.MaxRounds%2 == 0 {
			return fmt.Errorf("%w: %s: max rounds must be a positive odd number, got %d", ErrInvalidVariant, v.Name, v.MaxRounds)
		}
	case ModeRoyale:
		if v.Capacity < 3 || v.Capacity > MaxParticipants {
			return fmt.Errorf("%w: %s: royale capacity must be between 3 and %d, got %d", ErrInvalidVariant, v.Name, MaxParticipants, v.Capacity)
		}
		if v.EliminationsPerRound < 0 {
			return fmt.Errorf("%w: %s: eliminations per round must not be negative", ErrInvalidVariant, v.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidVariant, v.Name, v.Mode)
	}
	if v.TurnTimeout <= 0 {
		return fmt.Errorf("%w: %s: turn timeout must be positive", ErrInvalidVariant, v.Name)
	}
	if v.RevealDelay < 0 {
		return fmt.Errorf("%w: %s: reveal delay must not be negative", ErrInvalidVariant, v.Name)
	}
	return nil
}

// DefaultVariants returns the built-in presets.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "duel-bo3", Mode: ModeDuel, Capacity: 2, MaxRounds: 3, TurnTimeout: 30 * time.Second},
		{Name: "duel-bo5", Mode: ModeDuel, Capacity: 2, MaxRounds: 5, TurnTimeout: 30 * time.Second},
		{Name: "royale-8", Mode: ModeRoyale, Capacity: 8, EliminationsPerRound: 2, TurnTimeout: 20 * time.Second, RevealDelay: 3 * time.Second},
	}
}
