package ingest

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the backoff between attempts of a synchronous send
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps a single delay; zero means uncapped
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy creates a policy of maxRetries+1 attempts whose first
// retry waits backoff and each later retry waits twice as long as the one
// before.
func NewRetryPolicy(maxRetries int, backoff time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryPolicy{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: backoff,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before attempt n, counting from 1. Attempt 1 never
// waits; attempt n waits InitialDelay * Multiplier^(n-2).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	return rp.calculateDelay(attempt - 2)
}

// calculateDelay calculates the delay for the given retry index
func (rp *RetryPolicy) calculateDelay(retry int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(retry))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta

		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// SleepContext waits for d or until ctx is done, returning ctx.Err() in
// the latter case
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
