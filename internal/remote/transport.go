package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/ratelimit"
	"github.com/ipiton/zoho-airtable-sync/internal/resilience"
	"github.com/ipiton/zoho-airtable-sync/internal/tokens"
	"github.com/ipiton/zoho-airtable-sync/internal/zmetrics"
	"github.com/sony/gobreaker"
)

// Transport is the shared HTTP plumbing both remote clients build on: auth
// injection with single forced-refresh-retry-once on 401 (§4.1), rate
// spacing via the gate (§4.3), retry with backoff via resilience.WithRetry
// (§4.2), and a circuit breaker that opens after repeated failures so a
// remote outage fails fast instead of queuing retries indefinitely.
type Transport struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  *tokens.Manager
	Gate    *ratelimit.Gate
	Breaker *gobreaker.CircuitBreaker
	Logger  *slog.Logger
	Name    string // "source" or "datastore", used in log fields and metrics
	Metrics *zmetrics.RetryMetrics
	// AuthFormat is the Authorization header value template, since the two
	// remotes use different schemes (Zoho's "Zoho-oauthtoken %s" vs.
	// Airtable's "Bearer %s").
	AuthFormat string
}

// NewTransport builds a Transport with a circuit breaker tuned per §4.2:
// trips after 5 consecutive failures, half-opens after 30s.
func NewTransport(name, baseURL string, tokenMgr *tokens.Manager, gate *ratelimit.Gate, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "remote", name, "from", from.String(), "to", to.String())
		},
	})
	authFormat := "Bearer %s"
	if name == "source" {
		authFormat = "Zoho-oauthtoken %s"
	}
	return &Transport{
		BaseURL:    baseURL,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
		Tokens:     tokenMgr,
		Gate:       gate,
		Breaker:    breaker,
		Logger:     logger,
		Name:       name,
		Metrics:    zmetrics.NewRetryMetrics(),
		AuthFormat: authFormat,
	}
}

// Request describes one call to make, independent of retry/auth concerns.
type Request struct {
	Method string
	Path   string // joined onto BaseURL
	Query  map[string]string
	Body   []byte
	Header map[string]string
}

// Do executes req with retry, rate-gating, auth injection and circuit
// breaking, returning the response status and body. A 401 triggers exactly
// one forced token refresh and retry, per §4.1; 429 widens the gate's
// spacing; 429, 408 and 5xx are retried, while any other 4xx (including a
// second 401) stops at once and is returned as *HTTPError.
func (t *Transport) Do(ctx context.Context, req Request) (int, []byte, error) {
	refreshedOnce := false

	policy := &resilience.Policy{
		MaxRetries:    5,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		Logger:        t.Logger,
		Metrics:       t.Metrics,
		OperationName: fmt.Sprintf("%s.%s", t.Name, req.Path),
		ErrorChecker:  resilience.NewHTTPErrorChecker(),
	}

	var status int
	var body []byte
	var terminal *HTTPError

	err := resilience.WithRetry(ctx, policy, func() error {
		terminal = nil
		if err := t.Gate.Wait(ctx); err != nil {
			return err
		}

		token := ""
		if t.Tokens != nil {
			tok, tokErr := t.Tokens.AccessToken(ctx)
			if tokErr != nil {
				return fmt.Errorf("auth-expired: %w", tokErr)
			}
			token = tok
		}

		result, breakerErr := t.Breaker.Execute(func() (any, error) {
			return t.doOnce(ctx, req, token)
		})
		if breakerErr != nil {
			if httpErr, ok := breakerErr.(*HTTPError); ok {
				if httpErr.RateLimited() {
					t.Gate.OnRateLimited()
				}
				if httpErr.Unauthorized() && !refreshedOnce && t.Tokens != nil {
					refreshedOnce = true
					if _, refreshErr := t.Tokens.ForceRefresh(ctx); refreshErr != nil {
						return fmt.Errorf("auth-expired: %w", refreshErr)
					}
					return httpErr // retryable, will re-fetch token next attempt
				}
				if !httpErr.RateLimited() && httpErr.Status != 408 && httpErr.Status < 500 {
					terminal = httpErr
					return fmt.Errorf("%w: %w", resilience.ErrNonRetryable, httpErr)
				}
			}
			return breakerErr
		}

		rr := result.(httpResult)
		status, body = rr.status, rr.body
		t.Gate.OnSuccess()
		return nil
	})
	if err != nil && terminal != nil {
		return status, body, terminal
	}
	if err != nil {
		return status, body, err
	}
	return status, body, nil
}

type httpResult struct {
	status int
	body   []byte
}

func (t *Transport) doOnce(ctx context.Context, req Request, token string) (httpResult, error) {
	url := t.BaseURL + req.Path
	if len(req.Query) > 0 {
		q := make([]byte, 0, 64)
		q = append(q, '?')
		first := true
		for k, v := range req.Query {
			if !first {
				q = append(q, '&')
			}
			first = false
			q = append(q, []byte(k+"="+v)...)
		}
		url += string(q)
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return httpResult{}, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		format := t.AuthFormat
		if format == "" {
			format = "Bearer %s"
		}
		httpReq.Header.Set("Authorization", fmt.Sprintf(format, token))
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	if len(url) > maxURLLength {
		return httpResult{}, &HTTPError{Status: 414, Body: "request URL exceeds safe length"}
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return httpResult{}, fmt.Errorf("transient-network: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{}, fmt.Errorf("transient-network: reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		herr := &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == 429 {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				herr.retryAfter, herr.hasRetry = d, true
			}
		}
		return httpResult{status: resp.StatusCode, body: respBody}, herr
	}

	return httpResult{status: resp.StatusCode, body: respBody}, nil
}

// maxURLLength is the client-side guard that lets the adaptive batch sizer
// shrink before the remote ever rejects the request, per §4.2.
const maxURLLength = 7900

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs, true
	}
	return 0, false
}
