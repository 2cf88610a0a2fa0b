package request

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Limiter is the slice of the rate limiter the Executor needs. Satisfied by
// *ratelimit.Limiter.
type Limiter interface {
	Acquire(ctx context.Context, weight int) error
	ReportHeaders(h http.Header)
	ReportRateLimited(retryAfter time.Duration)
}

// CallFunc performs one HTTP attempt. It returns the response headers it saw
// (nil when the request never reached the server) so weight accounting stays
// accurate even on failures.
type CallFunc func(ctx context.Context) (http.Header, error)

// Executor funnels every outbound call through the rate limiter and retries
// classified transient failures according to its policy.
type Executor struct {
	limiter Limiter
	policy  RetryPolicy
	logger  *slog.Logger

	// sleep is swappable so tests can observe delays instead of waiting
	// them out.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor bound to a limiter and a retry policy.
func NewExecutor(limiter Limiter, policy RetryPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Executor{
		limiter: limiter,
		policy:  policy,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Do runs one logical operation. Before each attempt it acquires quota for
// the operation's weight; after each attempt it reports the outcome back to
// the limiter. Retryable failures are retried up to the policy's MaxAttempts
// with exponentially growing, type-floored delays. The returned error is
// always either nil, a context error, or a *ClassifiedError.
func (e *Executor) Do(ctx context.Context, name string, weight int, call CallFunc) error {
	schedule := e.policy.newBackOff()
	var lastErr *ClassifiedError

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := e.limiter.Acquire(ctx, weight); err != nil {
			return err
		}

		headers, err := call(ctx)
		if headers != nil {
			e.limiter.ReportHeaders(headers)
		}
		if err == nil {
			if attempt > 1 {
				e.logger.Debug("operation recovered", "operation", name, "attempt", attempt)
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		errType := Classify(err)
		lastErr = &ClassifiedError{Type: errType, Err: err, Attempts: attempt}

		if errType == ErrorTypeRateLimit {
			e.limiter.ReportRateLimited(RetryAfterOf(err))
		}

		if !errType.Retryable() || attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.clamp(schedule.NextBackOff(), errType)
		e.logger.Warn("operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", e.policy.MaxAttempts,
			"error_type", errType,
			"delay", delay,
			"error", err)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	e.logger.Error("operation failed",
		"operation", name,
		"error_type", lastErr.Type,
		"attempts", lastErr.Attempts,
		"error", lastErr.Err)
	return lastErr
}

// IsTerminal reports whether err will not improve with another Do call.
func IsTerminal(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return !ce.Type.Retryable()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
