package bridge

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Initial*2^attempts, Max) with a
// symmetric jitter of ±Jitter*delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Base returns the un-jittered delay for the given attempt count.
func (b Backoff) Base(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := b.Initial
	for i := 0; i < attempts; i++ {
		if d >= b.Max {
			break
		}
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Delay returns the jittered delay for the given attempt count. The result
// always lies within [base*(1-Jitter), base*(1+Jitter)].
func (b Backoff) Delay(attempts int) time.Duration {
	base := b.Base(attempts)
	if b.Jitter <= 0 {
		return base
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	offset := (2*r() - 1) * b.Jitter * float64(base)
	return base + time.Duration(offset)
}
