package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Common retry-related errors.
var (
	// ErrMaxRetriesExceeded is returned when all retry attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

	// ErrNonRetryable is returned when an error is explicitly non-retryable.
	ErrNonRetryable = errors.New("error is not retryable")
)

// DefaultErrorChecker considers network errors, timeouts, and temporary
// errors retryable, and everything else retryable too unless it wraps
// ErrNonRetryable.
type DefaultErrorChecker struct{}

// IsRetryable implements RetryableErrorChecker.
func (c *DefaultErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	if isTransientNetworkError(err) {
		return true
	}

	if isTimeoutError(err) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	return true
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return true
		}
	}

	return false
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{"timeout", "deadline exceeded", "timed out", "i/o timeout"} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}

	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}

	return false
}

// HTTPErrorChecker classifies retryability from HTTP status codes embedded
// in the error message, matching the error kinds in §7 of the reconciliation
// spec: rate-limited (429) and transient-network (5xx) are retryable,
// everything else falls back to DefaultErrorChecker.
type HTTPErrorChecker struct {
	RetryOn5xx bool
	RetryOn429 bool
	RetryOn408 bool
}

// NewHTTPErrorChecker returns a checker with sensible defaults: retry on
// 5xx, 429 and 408.
func NewHTTPErrorChecker() *HTTPErrorChecker {
	return &HTTPErrorChecker{RetryOn5xx: true, RetryOn429: true, RetryOn408: true}
}

// IsRetryable implements RetryableErrorChecker.
func (c *HTTPErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	if c.RetryOn5xx {
		for code := 500; code < 600; code++ {
			if strings.Contains(msg, fmt.Sprintf("%d", code)) {
				return true
			}
		}
	}

	if c.RetryOn429 && (strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "rate limit")) {
		return true
	}

	if c.RetryOn408 && (strings.Contains(msg, "408") || strings.Contains(msg, "Request Timeout")) {
		return true
	}

	return (&DefaultErrorChecker{}).IsRetryable(err)
}

// ChainedErrorChecker returns true if any of its checkers does.
type ChainedErrorChecker struct {
	Checkers []RetryableErrorChecker
}

// IsRetryable implements RetryableErrorChecker.
func (c *ChainedErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, checker := range c.Checkers {
		if checker.IsRetryable(err) {
			return true
		}
	}
	return false
}

// NeverRetryChecker always declines to retry.
type NeverRetryChecker struct{}

// IsRetryable implements RetryableErrorChecker.
func (c *NeverRetryChecker) IsRetryable(err error) bool { return false }
