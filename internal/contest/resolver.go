package contest

import "sort"

// Resolution is the outcome of one round before it is applied to a contest.
type Resolution struct {
	Outcome    Side
	Winners    []string
	Eliminated []string
	Draw       bool
}

// Resolve computes a round outcome from locked inputs. It is pure: the same
// variant, inputs and flipper state always produce the same resolution.
//
// A draw (every caller right, or every caller wrong) awards nothing and the
// round is replayed with a fresh flip.
func Resolve(v Variant, inputs []Input, f Flipper) Resolution {
	outcome := f.Flip()

	var right, wrong []Input
	for _, in := range inputs {
		if in.Forfeited {
			continue
		}
		if in.Side == outcome {
			right = append(right, in)
		} else {
			wrong = append(wrong, in)
		}
	}

	res := Resolution{Outcome: outcome}
	if len(right) == 0 || len(wrong) == 0 {
		res.Draw = true
		return res
	}

	for _, in := range right {
		res.Winners = append(res.Winners, in.Address)
	}

	if v.Mode != ModeRoyale {
		return res
	}

	limit := v.EliminationsPerRound
	if limit <= 0 || limit > len(wrong) {
		limit = len(wrong)
	}

	// Shuffle first so equal powers are ordered by the flipper, then keep
	// that order among ties.
	candidates := append([]Input(nil), wrong...)
	for i := len(candidates) - 1; i > 0; i-- {
		j := f.IntN(i + 1)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Power < candidates[j].Power
	})

	for _, in := range candidates[:limit] {
		res.Eliminated = append(res.Eliminated, in.Address)
	}
	return res
}

// Decision is the result of AdvanceOrTerminate.
type Decision struct {
	Complete bool
	Winner   string
}

// AdvanceOrTerminate decides whether a contest continues with another round
// or completes. Duels end once a participant holds a majority of MaxRounds;
// royales end when a single participant is left standing.
func AdvanceOrTerminate(v Variant, participants []Participant) Decision {
	switch v.Mode {
	case ModeDuel:
		for _, p := range participants {
			if p.Wins > v.MaxRounds/2 {
				return Decision{Complete: true, Winner: p.Address}
			}
		}
	case ModeRoyale:
		var standing []string
		for _, p := range participants {
			if !p.Eliminated {
				standing = append(standing, p.Address)
			}
		}
		if len(standing) == 1 {
			return Decision{Complete: true, Winner: standing[0]}
		}
	}
	return Decision{}
}
