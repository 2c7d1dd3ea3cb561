package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/ratelimit"
	"github.com/ipiton/zoho-airtable-sync/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) (*Transport, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	mgr := tokens.New("test", tokens.State{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil, tokens.NopPersister{}, nil)
	gate := ratelimit.New(time.Millisecond)
	return NewTransport("test", srv.URL, mgr, gate, nil), srv
}

func TestTransport_DoReturnsBodyOnSuccess(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	defer srv.Close()

	status, body, err := tr.Do(context.Background(), Request{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Contains(t, string(body), "ok")
}

func TestTransport_RetriesOn503ThenSucceeds(t *testing.T) {
	var attempts int32
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{}`))
	})
	defer srv.Close()

	status, _, err := tr.Do(context.Background(), Request{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestTransport_NonRetryable404ReturnsImmediately(t *testing.T) {
	var attempts int32
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(404)
	})
	defer srv.Close()

	_, _, err := tr.Do(context.Background(), Request{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestTransport_401TriggersForcedRefreshThenRetries(t *testing.T) {
	var attempts int32
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(401)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{}`))
	})
	defer srv.Close()

	tr.Tokens = tokens.New("test", tokens.State{AccessToken: "stale", ExpiresAt: time.Now().Add(time.Hour)},
		fakeRefresher{}, tokens.NopPersister{}, nil)

	status, _, err := tr.Do(context.Background(), Request{Method: "GET", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

type fakeRefresher struct{}

func (fakeRefresher) Refresh(ctx context.Context, state tokens.State) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
}
