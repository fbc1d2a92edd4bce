package store

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the delay before a failed job becomes claimable again.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy is used when a store is built without one.
var DefaultRetryPolicy = RetryPolicy{Initial: 2 * time.Second, Max: 5 * time.Minute}

// Normalized fills unset or inconsistent fields from DefaultRetryPolicy.
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultRetryPolicy.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Delay returns an exponential delay for the given 1-based attempt, capped at
// Max, with the upper half randomised.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.Normalized()
	if attempt <= 0 {
		attempt = 1
	}
	exp := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	wait := p.Max
	if exp < float64(p.Max) {
		wait = time.Duration(exp)
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
