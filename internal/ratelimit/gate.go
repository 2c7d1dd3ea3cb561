// Package ratelimit implements the Rate-Limit Gate (C3): a per-remote
// non-blocking acquire that enforces a minimum inter-request interval,
// widening multiplicatively on 429 and decaying slowly back on success, per
// §4.3.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults from §4.3.
const (
	DefaultDatastoreInterval = 200 * time.Millisecond
	DefaultSourceInterval    = 75 * time.Millisecond
	BatchPause               = 100 * time.Millisecond

	backoffMultiplier = 2.0
	decayFactor       = 0.9
	maxInterval       = 10 * time.Second
)

// Gate throttles calls to one remote.
type Gate struct {
	mu       sync.Mutex
	base     time.Duration
	current  time.Duration
	limiter  *rate.Limiter
}

// New creates a Gate with the given minimum inter-request interval.
func New(minInterval time.Duration) *Gate {
	g := &Gate{base: minInterval, current: minInterval}
	g.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	return g
}

// Wait blocks until a request may proceed, respecting ctx cancellation.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()
	return limiter.Wait(ctx)
}

// OnRateLimited widens the spacing multiplicatively, as required when the
// remote answers 429.
func (g *Gate) OnRateLimited() {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := time.Duration(float64(g.current) * backoffMultiplier)
	if next > maxInterval {
		next = maxInterval
	}
	g.current = next
	g.limiter.SetLimit(rate.Every(g.current))
}

// OnSuccess decays the spacing back toward the base interval.
func (g *Gate) OnSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current <= g.base {
		return
	}
	next := time.Duration(float64(g.current) * decayFactor)
	if next < g.base {
		next = g.base
	}
	g.current = next
	g.limiter.SetLimit(rate.Every(g.current))
}

// CurrentInterval reports the gate's current spacing, for diagnostics/tests.
func (g *Gate) CurrentInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// PauseBetweenBatches sleeps for the fixed inter-batch pause the executor
// inserts between batches of 10 (§4.3, §4.7).
func PauseBetweenBatches(ctx context.Context) error {
	t := time.NewTimer(BatchPause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
