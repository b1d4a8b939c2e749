package engine

import (
	"context"
	"math"
	"time"
)

// RetryConfig controls bounded retry behavior.
type RetryConfig struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultRetryConfig is suitable for quota waits in front of upstream calls.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     10 * time.Second,
	Multiplier:  2.0,
}

// Backoff returns the wait before retry number attempt (0-based).
// The sequence is non-decreasing and capped at MaxWait.
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := rc.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(rc.InitialWait) * math.Pow(mult, float64(attempt))
	if rc.MaxWait > 0 && (wait > float64(rc.MaxWait) || math.IsInf(wait, 1)) {
		return rc.MaxWait
	}
	return time.Duration(wait)
}

// Delay picks the wait before the next attempt: the larger of the computed
// backoff and the hint the failing component gave, capped at MaxWait.
func (rc RetryConfig) Delay(attempt int, hint time.Duration) time.Duration {
	wait := max(rc.Backoff(attempt), hint)
	if rc.MaxWait > 0 && wait > rc.MaxWait {
		wait = rc.MaxWait
	}
	return wait
}

// NextDelay is Delay for a retry loop that already waited prev: the wait
// never drops below prev, so a shrinking hint cannot undercut the schedule.
func (rc RetryConfig) NextDelay(prev time.Duration, attempt int, hint time.Duration) time.Duration {
	return max(prev, rc.Delay(attempt, hint))
}

// FitsDeadline reports whether waiting d still leaves ctx time to run.
// A context without a deadline never blocks on quota.
func FitsDeadline(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Until(deadline) > d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
