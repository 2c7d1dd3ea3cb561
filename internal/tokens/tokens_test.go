package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRefresher) Refresh(ctx context.Context, state State) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &oauth2.Token{AccessToken: "fresh-token", Expiry: time.Now().Add(time.Hour)}, nil
}

func TestAccessToken_ReusesUnexpiredToken(t *testing.T) {
	refresher := &countingRefresher{}
	m := New("source", State{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, refresher, NopPersister{}, nil)

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, 0, refresher.calls)
}

func TestAccessToken_RefreshesWhenNearExpiry(t *testing.T) {
	refresher := &countingRefresher{}
	m := New("source", State{AccessToken: "old", ExpiresAt: time.Now().Add(10 * time.Second)}, refresher, NopPersister{}, nil)

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.Equal(t, 1, refresher.calls)
}

func TestAccessToken_ConcurrentRefreshesCollapse(t *testing.T) {
	refresher := &countingRefresher{}
	m := New("source", State{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Second)}, refresher, NopPersister{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AccessToken(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refresher.calls)
}

func TestForceRefresh_FailureReturnsAuthExpired(t *testing.T) {
	refresher := &countingRefresher{err: errors.New("invalid_grant")}
	m := New("source", State{AccessToken: "old", ExpiresAt: time.Now().Add(time.Hour)}, refresher, NopPersister{}, nil)

	_, err := m.ForceRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
}
