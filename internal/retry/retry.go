// Package retry provides exponential backoff with jitter for the
// execution-error retry policy: timeouts and rate-limits retry, other
// execution errors surface immediately. Grounded on the shape of
// internal/retry and internal/backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts  int           // including the first attempt
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultPolicy is the default execution-error retry policy: base 1s,
// factor 2, cap 30s, max 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Delay computes the backoff duration before the given attempt number
// (attempts start at 1; attempt 1 has no preceding delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	exp := math.Max(float64(attempt-2), 0)
	base := float64(p.InitialDelay) * math.Pow(p.Factor, exp)
	if p.Jitter {
		base += base * rand.Float64() * 0.25 // #nosec G404 -- jitter, not security-sensitive
	}
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	return time.Duration(base)
}

// Result captures the outcome of a Do call.
type Result struct {
	Attempts int
	Err      error
}

// Do runs fn until it succeeds, the policy's attempt budget is exhausted,
// shouldRetry returns false for the error, or ctx is cancelled.
func Do(ctx context.Context, policy Policy, shouldRetry func(error) bool, fn func(ctx context.Context) error) Result {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := policy.Delay(attempt)
			select {
			case <-ctx.Done():
				return Result{Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(d):
			}
		}

		err := fn(ctx)
		if err == nil {
			return Result{Attempts: attempt}
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return Result{Attempts: attempt, Err: err}
		}
	}
	return Result{Attempts: policy.MaxAttempts, Err: lastErr}
}
