package request

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLimiter records limiter traffic without imposing any waits.
type fakeLimiter struct {
	acquires    int
	weights     []int
	headers     []http.Header
	rateLimited []time.Duration
	acquireErr  error
}

func (f *fakeLimiter) Acquire(ctx context.Context, weight int) error {
	f.acquires++
	f.weights = append(f.weights, weight)
	return f.acquireErr
}

func (f *fakeLimiter) ReportHeaders(h http.Header) { f.headers = append(f.headers, h) }

func (f *fakeLimiter) ReportRateLimited(retryAfter time.Duration) {
	f.rateLimited = append(f.rateLimited, retryAfter)
}

func newTestExecutor(limiter Limiter) (*Executor, *[]time.Duration) {
	exec := NewExecutor(limiter, DefaultRetryPolicy(), nil)
	var slept []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return exec, &slept
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"http 429", &HTTPError{Status: 429, Message: "slow down"}, ErrorTypeRateLimit},
		{"provider code -1003", &HTTPError{Status: 418, Code: -1003}, ErrorTypeRateLimit},
		{"http 500", &HTTPError{Status: 500}, ErrorTypeServerError},
		{"http 503", &HTTPError{Status: 503}, ErrorTypeServerError},
		{"http 400", &HTTPError{Status: 400, Code: -1121, Message: "Invalid symbol."}, ErrorTypeBadRequest},
		{"http 404", &HTTPError{Status: 404}, ErrorTypeBadRequest},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.example.com"}, ErrorTypeNetwork},
		{"timeout string", errors.New("dial tcp: i/o timeout"), ErrorTypeNetwork},
		{"connection reset", fmt.Errorf("read: %w", errors.New("connection reset by peer")), ErrorTypeNetwork},
		{"deadline", context.DeadlineExceeded, ErrorTypeNetwork},
		{"anything else", errors.New("slice index out of range"), ErrorTypeProcessing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryPolicyFloors(t *testing.T) {
	p := DefaultRetryPolicy()

	// The raw schedule starts at 2s: below both floors.
	assert.Equal(t, 10*time.Second, p.clamp(2*time.Second, ErrorTypeRateLimit))
	assert.Equal(t, 5*time.Second, p.clamp(2*time.Second, ErrorTypeServerError))
	assert.Equal(t, 2*time.Second, p.clamp(2*time.Second, ErrorTypeNetwork))

	// Above the floor the schedule wins.
	assert.Equal(t, 16*time.Second, p.clamp(16*time.Second, ErrorTypeRateLimit))
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	limiter := &fakeLimiter{}
	exec, slept := newTestExecutor(limiter)

	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "12")
	err := exec.Do(context.Background(), "klines", 5, func(ctx context.Context) (http.Header, error) {
		return h, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, limiter.acquires)
	assert.Equal(t, []int{5}, limiter.weights)
	assert.Len(t, limiter.headers, 1, "headers are reported back to the limiter")
	assert.Empty(t, *slept)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	limiter := &fakeLimiter{}
	exec, slept := newTestExecutor(limiter)

	// Attempt 1: server error. Attempt 2: rate limited. Attempt 3: success.
	attempt := 0
	err := exec.Do(context.Background(), "klines", 1, func(ctx context.Context) (http.Header, error) {
		attempt++
		switch attempt {
		case 1:
			return nil, &HTTPError{Status: 502, Message: "bad gateway"}
		case 2:
			return nil, &HTTPError{Status: 429, RetryAfter: 3 * time.Second}
		default:
			return http.Header{}, nil
		}
	})

	require.NoError(t, err)
	assert.Equal(t, 3, limiter.acquires)

	require.Len(t, *slept, 2)
	// Server-error floor applies before attempt 2.
	assert.GreaterOrEqual(t, (*slept)[0], 5*time.Second)
	// Rate-limit floor applies before attempt 3.
	assert.GreaterOrEqual(t, (*slept)[1], 10*time.Second)

	// The 429 was propagated to the limiter with its Retry-After.
	require.Len(t, limiter.rateLimited, 1)
	assert.Equal(t, 3*time.Second, limiter.rateLimited[0])
}

func TestDoBadRequestIsTerminal(t *testing.T) {
	limiter := &fakeLimiter{}
	exec, slept := newTestExecutor(limiter)

	err := exec.Do(context.Background(), "klines", 1, func(ctx context.Context) (http.Header, error) {
		return nil, &HTTPError{Status: 400, Message: "Invalid symbol."}
	})

	require.Error(t, err)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorTypeBadRequest, ce.Type)
	assert.Equal(t, 1, ce.Attempts)
	assert.Equal(t, 1, limiter.acquires, "non-retryable failure stops immediately")
	assert.Empty(t, *slept)
	assert.True(t, IsTerminal(err))
}

func TestDoExhaustsAttempts(t *testing.T) {
	limiter := &fakeLimiter{}
	exec, _ := newTestExecutor(limiter)

	err := exec.Do(context.Background(), "klines", 1, func(ctx context.Context) (http.Header, error) {
		return nil, &HTTPError{Status: 500}
	})

	require.Error(t, err)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorTypeServerError, ce.Type)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, limiter.acquires)
	assert.False(t, IsTerminal(err), "exhausted retryable errors remain retryable at a higher level")
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	limiter := &fakeLimiter{}
	exec, _ := newTestExecutor(limiter)

	ctx, cancel := context.WithCancel(context.Background())
	err := exec.Do(ctx, "klines", 1, func(ctx context.Context) (http.Header, error) {
		cancel()
		return nil, errors.New("connection reset by peer")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, limiter.acquires)
}

func TestDoPropagatesAcquireError(t *testing.T) {
	limiter := &fakeLimiter{acquireErr: context.DeadlineExceeded}
	exec, _ := newTestExecutor(limiter)

	err := exec.Do(context.Background(), "klines", 1, func(ctx context.Context) (http.Header, error) {
		t.Fatal("call must not run when acquire fails")
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifiedErrorMatching(t *testing.T) {
	inner := &HTTPError{Status: 429}
	err := fmt.Errorf("fetch klines: %w", &ClassifiedError{Type: ErrorTypeRateLimit, Err: inner, Attempts: 2})

	assert.Equal(t, ErrorTypeRateLimit, TypeOf(err))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 429, httpErr.Status)
}
