package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_WaitRespectsInterval(t *testing.T) {
	g := New(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx))
	start := time.Now()
	require.NoError(t, g.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestGate_OnRateLimitedWidensSpacing(t *testing.T) {
	g := New(10 * time.Millisecond)
	before := g.CurrentInterval()
	g.OnRateLimited()
	assert.Greater(t, g.CurrentInterval(), before)
}

func TestGate_OnSuccessDecaysTowardBase(t *testing.T) {
	g := New(10 * time.Millisecond)
	g.OnRateLimited()
	g.OnRateLimited()
	widened := g.CurrentInterval()

	for i := 0; i < 50; i++ {
		g.OnSuccess()
	}
	assert.Equal(t, g.base, g.CurrentInterval())
	assert.Less(t, g.CurrentInterval(), widened)
}

func TestGate_WaitRespectsContextCancellation(t *testing.T) {
	g := New(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, g.Wait(context.Background())) // consume initial burst token
	err := g.Wait(ctx)
	assert.Error(t, err)
}
