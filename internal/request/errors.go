// Package request executes individual exchange API calls with rate limiting,
// failure classification, and policy-driven retries. One Executor.Do call is
// one logical operation regardless of how many HTTP attempts it takes.
package request

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType classifies a failed operation. Every failure maps to exactly one
// type; the type decides retryability and the backoff floor.
type ErrorType string

const (
	// ErrorTypeRateLimit covers HTTP 429 and the provider's rate-limit
	// error code. Retryable with a long floor.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeServerError covers HTTP 5xx. Retryable.
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeNetwork covers connection resets, timeouts and DNS
	// failures. Retryable.
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeBadRequest covers other 4xx responses, malformed params and
	// unknown symbols. Never retried.
	ErrorTypeBadRequest ErrorType = "bad_request"
	// ErrorTypeNoData marks a valid empty result. Not a failure; callers
	// use it to record a terminal no_data outcome.
	ErrorTypeNoData ErrorType = "no_data"
	// ErrorTypeProcessing covers unexpected failures inside per-item
	// handling, including recovered panics.
	ErrorTypeProcessing ErrorType = "processing_error"
)

// Retryable reports whether operations failing with this type may be retried.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeNetwork:
		return true
	default:
		return false
	}
}

// ClassifiedError is the typed failure surfaced by the Executor. The worker
// pool converts it into a per-item failure; it never aborts the process.
type ClassifiedError struct {
	Type     ErrorType
	Err      error
	Attempts int
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("[%s] after %d attempts: %v", e.Type, e.Attempts, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Is matches two classified errors by type.
func (e *ClassifiedError) Is(target error) bool {
	var ce *ClassifiedError
	if errors.As(target, &ce) {
		return e.Type == ce.Type
	}
	return false
}

// TypeOf extracts the classification from an error chain, defaulting to
// processing_error for unclassified failures.
func TypeOf(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeProcessing
}

// HTTPError carries what the transport layer saw so classification can rely
// on status codes instead of string matching. Code is the provider's error
// code from the JSON body, when present.
type HTTPError struct {
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface for HTTPError.
func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// providerRateLimitCode is the exchange's body-level rate-limit error code,
// sometimes delivered with a 418/403 status by intermediaries.
const providerRateLimitCode = -1003

// Classify maps an arbitrary failure to exactly one ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429 || httpErr.Status == 418 || httpErr.Code == providerRateLimitCode:
			return ErrorTypeRateLimit
		case httpErr.Status >= 500:
			return ErrorTypeServerError
		case httpErr.Status >= 400:
			return ErrorTypeBadRequest
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"timeout",
		"eof",
	} {
		if strings.Contains(msg, pattern) {
			return ErrorTypeNetwork
		}
	}

	return ErrorTypeProcessing
}

// RetryAfterOf pulls the server-advertised cooldown from an error chain, or 0.
func RetryAfterOf(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
