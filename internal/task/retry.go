package task

import (
	"math"
	"time"
)

// RetryPolicy controls how a task is re-queued when it reports a busy lock.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of runs, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the wait between retries.
	MaxDelay time.Duration
	// Multiplier scales the delay after each attempt. 1 keeps it fixed.
	Multiplier float64
	// Jitter is the +/- fraction applied to each delay, 0 to 1.
	Jitter float64
}

// DefaultRetryPolicy returns the standard busy-lock backoff: one second,
// doubling, capped at thirty seconds, with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Delay returns the wait before the retry that follows attempt (1-based).
// rnd must return values in [0, 1).
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && rnd != nil {
		d *= 1 + p.Jitter*(2*rnd()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
