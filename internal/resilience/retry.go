// Package resilience implements the explicit retry wrapper called for in
// Design Note §9 ("ad-hoc retry by re-entering a for-loop index" in the
// source system is replaced here by retry(op, policy)). Remote client calls,
// including their rate-gate waits, go through WithRetry; the webhook
// handle-resolution retry in internal/ingest is a separate loop.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Metrics is the subset of zmetrics.RetryMetrics this package depends on,
// kept as an interface so resilience never imports the metrics package.
type Metrics interface {
	RecordAttempt(operation, outcome, errorKind string, durationSeconds float64)
	RecordBackoff(operation string, delaySeconds float64)
	RecordFinalAttempt(operation, outcome string, attempts int)
}

// RetryableErrorChecker determines if an error should trigger a retry.
type RetryableErrorChecker interface {
	IsRetryable(err error) bool
}

// RetryAfterAware lets an operation report a server-requested delay (HTTP
// Retry-After) that overrides the computed backoff for the next attempt.
type RetryAfterAware interface {
	error
	RetryAfter() (time.Duration, bool)
}

// Policy configures WithRetry. The zero value is not usable; use
// DefaultPolicy for a sensible start. MaxRetries counts retries after the
// first attempt, so an operation runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	ErrorChecker  RetryableErrorChecker
	Logger        *slog.Logger
	Metrics       Metrics
	OperationName string
}

// DefaultPolicy matches §4.2's "exponential backoff with jitter, cap at 5
// attempts" requirement for remote client calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 4,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry executes operation under policy, retrying retryable failures
// with exponential backoff and jitter, honoring ctx cancellation and any
// RetryAfterAware error's requested delay.
func WithRetry(ctx context.Context, policy *Policy, operation func() error) error {
	if policy == nil {
		policy = DefaultPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opName := policy.OperationName
	if opName == "" {
		opName = "unknown"
	}

	var lastErr error
	delay := policy.BaseDelay
	attempts := 0

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attempts++
		started := time.Now()
		err := operation()
		elapsed := time.Since(started).Seconds()

		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "operation", opName, "attempt", attempt+1)
			}
			if policy.Metrics != nil {
				policy.Metrics.RecordAttempt(opName, "success", "none", elapsed)
				policy.Metrics.RecordFinalAttempt(opName, "success", attempts)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err, policy.ErrorChecker) {
			if policy.Metrics != nil {
				policy.Metrics.RecordAttempt(opName, "failure", classifyError(err), elapsed)
				policy.Metrics.RecordFinalAttempt(opName, "failure", attempts)
			}
			logger.Debug("error not retryable", "operation", opName, "error", err)
			return lastErr
		}

		if policy.Metrics != nil {
			policy.Metrics.RecordAttempt(opName, "failure", classifyError(err), elapsed)
		}

		if attempt >= policy.MaxRetries {
			if policy.Metrics != nil {
				policy.Metrics.RecordFinalAttempt(opName, "failure", attempts)
			}
			logger.Error("operation failed after all retries", "operation", opName, "max_retries", policy.MaxRetries, "error", lastErr)
			break
		}

		wait := delay
		var raErr RetryAfterAware
		if ra, ok := err.(RetryAfterAware); ok {
			raErr = ra
		}
		if raErr != nil {
			if d, ok := raErr.RetryAfter(); ok && d > 0 {
				wait = d
			}
		}

		logger.Warn("operation failed, retrying", "operation", opName, "attempt", attempt+1, "delay", wait, "error", err)
		if policy.Metrics != nil {
			policy.Metrics.RecordBackoff(opName, wait.Seconds())
		}

		if !waitWithContext(ctx, wait) {
			if policy.Metrics != nil {
				policy.Metrics.RecordAttempt(opName, "cancelled", classifyError(ctx.Err()), time.Since(started).Seconds())
				policy.Metrics.RecordFinalAttempt(opName, "cancelled", attempts)
			}
			return ctx.Err()
		}

		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("operation %q failed after %d attempts: %w", opName, attempts, lastErr)
}

// WithRetryValue is WithRetry for operations that return a result.
func WithRetryValue[T any](ctx context.Context, policy *Policy, operation func() (T, error)) (T, error) {
	var result T
	err := WithRetry(ctx, policy, func() error {
		r, opErr := operation()
		result = r
		return opErr
	})
	return result, err
}

func shouldRetry(err error, checker RetryableErrorChecker) bool {
	if err == nil {
		return false
	}
	if checker != nil {
		return checker.IsRetryable(err)
	}
	return (&DefaultErrorChecker{}).IsRetryable(err)
}

func waitWithContext(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(current time.Duration, policy *Policy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	if policy.Jitter {
		next += time.Duration(float64(next) * 0.1 * rand.Float64())
	}
	return next
}
