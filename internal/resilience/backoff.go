package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes jittered exponential delays: base·2^attempt capped at
// Cap, with ±Jitter fractional noise. The zero attempt yields roughly Base.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fractional, e.g. 0.30 for ±30%

	// Rand is the noise source; nil uses the package-level source.
	Rand *rand.Rand
}

// Next returns the delay before retry number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	wait := b.Base
	for i := 0; i < attempt && wait < b.Cap; i++ {
		wait *= 2
	}
	if wait > b.Cap {
		wait = b.Cap
	}
	if b.Jitter <= 0 {
		return wait
	}
	var u float64
	if b.Rand != nil {
		u = b.Rand.Float64()
	} else {
		u = rand.Float64()
	}
	spread := 1 + b.Jitter*(2*u-1)
	return time.Duration(float64(wait) * spread)
}
