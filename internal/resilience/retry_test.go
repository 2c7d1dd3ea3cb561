package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), DefaultPolicy(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	policy := &Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	policy := &Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	policy := &Policy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, ErrorChecker: &NeverRetryChecker{}}
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &Policy{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, policy, func() error {
		return errors.New("retry me")
	})
	require.ErrorIs(t, err, context.Canceled)
}

type retryAfterErr struct{ d time.Duration }

func (e *retryAfterErr) Error() string                       { return "rate limited" }
func (e *retryAfterErr) RetryAfter() (time.Duration, bool) { return e.d, true }

func TestWithRetry_HonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	policy := &Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 1}
	_ = WithRetry(context.Background(), policy, func() error {
		calls++
		if calls == 1 {
			return &retryAfterErr{d: 30 * time.Millisecond}
		}
		return nil
	})
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWithRetryValue_ReturnsResult(t *testing.T) {
	val, err := WithRetryValue(context.Background(), DefaultPolicy(), func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestHTTPErrorChecker(t *testing.T) {
	c := NewHTTPErrorChecker()
	assert.True(t, c.IsRetryable(errors.New("server returned 503")))
	assert.True(t, c.IsRetryable(errors.New("429 Too Many Requests")))
	assert.True(t, c.IsRetryable(errors.New("408 Request Timeout")))
}

func TestChainedErrorChecker(t *testing.T) {
	c := &ChainedErrorChecker{Checkers: []RetryableErrorChecker{&NeverRetryChecker{}, &DefaultErrorChecker{}}}
	assert.True(t, c.IsRetryable(errors.New("anything")))
	assert.False(t, c.IsRetryable(nil))
}
