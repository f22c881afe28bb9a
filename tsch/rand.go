package tsch

import (
	"math/rand"
	"time"
)

// uniformBelow draws uniformly from [0, bound) by mask-and-bound: candidate
// values are masked to the next power of two and rejected until one falls
// inside the bound. Unlike reduction modulo a non-power-of-two, this keeps
// the distribution uniform under any generator, including a CSPRNG swap.
func uniformBelow(bound uint64) uint64 {
	if bound <= 1 {
		return 0
	}
	mask := uint64(1)
	for mask < bound {
		mask <<= 1
	}
	mask--
	for {
		if v := rand.Uint64() & mask; v < bound {
			return v
		}
	}
}

// randDurationBelow draws uniformly from [0, d).
func randDurationBelow(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(uniformBelow(uint64(d)))
}

// jitterDuration draws from [0.9*period, period), the spread used by the
// keepalive and beacon timers.
func jitterDuration(period time.Duration) time.Duration {
	tenth := period / 10
	return period - tenth + randDurationBelow(tenth)
}
