package request

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is data, not control flow: the Executor consumes it, and tests
// substitute their own. Delays grow exponentially from BaseDelay, cap at
// MaxDelay, and are clamped up to a per-type floor so rate-limit and server
// failures always wait long enough to be worth retrying.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Floors      map[ErrorType]time.Duration
}

// DefaultRetryPolicy matches the exchange's tolerance for re-polling:
// 2s, 4s, 8s... capped at 30s, with a 10s floor after a rate limit and a 5s
// floor after a server error.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Floors: map[ErrorType]time.Duration{
			ErrorTypeRateLimit:   10 * time.Second,
			ErrorTypeServerError: 5 * time.Second,
		},
	}
}

// newBackOff builds the exponential schedule for one operation. Jitter is
// disabled: the rate limiter already spaces calls, and deterministic delays
// keep the schedule testable.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * p.BaseDelay
	b.Multiplier = 2.0
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// clamp applies the per-type floor to a scheduled delay.
func (p RetryPolicy) clamp(delay time.Duration, errType ErrorType) time.Duration {
	if floor, ok := p.Floors[errType]; ok && delay < floor {
		return floor
	}
	return delay
}
