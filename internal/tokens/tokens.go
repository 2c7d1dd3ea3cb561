// Package tokens implements the Token Manager (C1): per-remote OAuth state
// that refreshes access tokens before expiry and serializes refresh across
// concurrent callers via golang.org/x/sync/singleflight, matching the
// "module-level mutable singleton... replace with a constructed service"
// design note in §9.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrAuthExpired is returned when a refresh fails and the caller must not
// transparently retry, per §4.1.
var ErrAuthExpired = errors.New("auth-expired")

// Skew is how far ahead of expiry a token is considered due for refresh.
const Skew = 60 * time.Second

// State is the durable OAuth state for one remote.
type State struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ClientID     string
	ClientSecret string
}

// Persister durably stores refreshed token state, called before authorize
// returns a refreshed token (§4.1: "persist new values durably before
// returning").
type Persister interface {
	Persist(ctx context.Context, remote string, state State) error
}

// NopPersister discards state; useful for tests and for remotes configured
// with a static long-lived token.
type NopPersister struct{}

// Persist implements Persister.
func (NopPersister) Persist(context.Context, string, State) error { return nil }

// Refresher performs the actual OAuth refresh-token grant against one
// remote's token endpoint. Implementations wrap golang.org/x/oauth2's
// Config.TokenSource for the CRM and datastore-specific token endpoints.
type Refresher interface {
	Refresh(ctx context.Context, state State) (*oauth2.Token, error)
}

// Manager holds one remote's OAuth state and single-flights refreshes
// across concurrent callers.
type Manager struct {
	remote    string
	refresher Refresher
	persister Persister
	logger    *slog.Logger

	mu    sync.RWMutex
	state State

	group singleflight.Group
}

// New constructs a Manager for one remote, seeded with its initial state.
func New(remote string, initial State, refresher Refresher, persister Persister, logger *slog.Logger) *Manager {
	if persister == nil {
		persister = NopPersister{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{remote: remote, refresher: refresher, persister: persister, logger: logger, state: initial}
}

// AccessToken returns the current access token, refreshing first if it is
// within Skew of expiry. Concurrent callers collapse into one refresh.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	if time.Now().Before(state.ExpiresAt.Add(-Skew)) {
		return state.AccessToken, nil
	}

	return m.forceRefresh(ctx)
}

// ForceRefresh refreshes unconditionally, used by the remote client after a
// 401/INVALID_TOKEN response per §4.1 ("invokes a single forced refresh and
// retries exactly once").
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	return m.forceRefresh(ctx)
}

func (m *Manager) forceRefresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do(m.remote, func() (any, error) {
		m.mu.RLock()
		current := m.state
		m.mu.RUnlock()

		token, refreshErr := m.refresher.Refresh(ctx, current)
		if refreshErr != nil {
			m.logger.Error("token refresh failed", "remote", m.remote, "error", refreshErr)
			return "", fmt.Errorf("%w: %v", ErrAuthExpired, refreshErr)
		}

		next := current
		next.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			next.RefreshToken = token.RefreshToken
		}
		next.ExpiresAt = token.Expiry

		if persistErr := m.persister.Persist(ctx, m.remote, next); persistErr != nil {
			m.logger.Warn("token persist failed", "remote", m.remote, "error", persistErr)
		}

		m.mu.Lock()
		m.state = next
		m.mu.Unlock()

		m.logger.Info("token refreshed", "remote", m.remote, "expires_at", next.ExpiresAt)
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// OAuth2Refresher is a Refresher backed by golang.org/x/oauth2's refresh
// token grant against a fixed token endpoint.
type OAuth2Refresher struct {
	Endpoint oauth2.Endpoint
}

// Refresh implements Refresher.
func (r OAuth2Refresher) Refresh(ctx context.Context, state State) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     state.ClientID,
		ClientSecret: state.ClientSecret,
		Endpoint:     r.Endpoint,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: state.RefreshToken})
	return src.Token()
}
