package contest

import "time"

// ChargePower converts the time a participant held its charge into power.
// The meter fills linearly over the variant's charge window and stops at
// MaxPower.
func ChargePower(v Variant, held time.Duration) int {
	window := v.RevealDelay
	if window <= 0 || held <= 0 {
		return 0
	}
	if held >= window {
		return MaxPower
	}
	return int(held * MaxPower / window)
}
