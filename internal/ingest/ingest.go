// Package ingest implements Event Ingest (C8): HTTP endpoints the two
// remotes' webhooks call, converting their payloads into a single
// InboundEvent shape regardless of whether the webhook carried the
// changed fields directly or only a handle to fetch them, per §4.8 and the
// unification design note in §9.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ipiton/zoho-airtable-sync/internal/looptracker"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/pkg/logger"
)

// Delayed-fetch protocol constants, per §4.8.
const (
	FetchDelay       = 2 * time.Second
	MaxPayloadsFetch = 50
	MaxFetchRetries  = 3
	FetchRetryGap    = time.Second
)

// EventKind distinguishes the two webhook payload shapes a remote may send.
type EventKind string

const (
	// EventDirectChange carries the changed fields inline.
	EventDirectChange EventKind = "direct_change"
	// EventHandle carries only a handle; the changed fields must be
	// fetched separately via a delayed lookup.
	EventHandle EventKind = "handle"
)

// InboundEvent is the single shape both webhook handlers normalize to,
// regardless of which payload form the remote used.
type InboundEvent struct {
	System    model.System
	Module    string
	RecordID  string
	Kind      EventKind
	Fields    map[string]model.JSONValue // populated for EventDirectChange, or after a successful handle resolution
	Handle    string                     // opaque cursor/token for EventHandle
	WebhookTs time.Time                  // the webhook notification's own timestamp, used to pick the matching payload (§4.8)
	ReceivedAt time.Time
	// CorrelationID ties one webhook delivery's log lines together across
	// the ack, the delayed-fetch retry loop, and the resulting sync
	// request, independent of Handle (which is empty for direct-change
	// payloads).
	CorrelationID string
}

// PayloadFetcher resolves a handle-based webhook into the best-matching
// payload for its module, per §4.8: it fetches up to `limit` newest
// payloads (cursor-paginated internally) and applies the three-tier
// candidate selection itself, returning that one payload's changes already
// converted to InboundEvents (or nil if no payload qualifies).
type PayloadFetcher interface {
	FetchPayloads(ctx context.Context, module, handle string, webhookTs time.Time, limit int) ([]InboundEvent, error)
}

// SyncRequester accepts a single-record sync request derived from an
// inbound event, typically handing it to the scheduler's poll path or
// directly to the executor for immediate processing.
type SyncRequester interface {
	RequestSync(ctx context.Context, system model.System, module, recordID string) error
}

// Handler serves the two webhook endpoints.
type Handler struct {
	Tracker  *looptracker.Tracker
	Fetcher  PayloadFetcher
	Requester SyncRequester
	Logger   *slog.Logger

	// sleep is a seam for tests to avoid real delays.
	sleep func(time.Duration)
}

// NewHandler constructs a Handler.
func NewHandler(tracker *looptracker.Tracker, fetcher PayloadFetcher, requester SyncRequester, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Tracker: tracker, Fetcher: fetcher, Requester: requester, Logger: logger, sleep: time.Sleep}
}

// RegisterRoutes mounts the webhook endpoints on router, matching the
// mux.Router registration style used across the reconciliation core.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/source", h.handleWebhook(model.SystemSource)).Methods("POST")
	router.HandleFunc("/webhooks/datastore", h.handleWebhook(model.SystemDatastore)).Methods("POST")
}

// webhookPayload is the wire shape for both webhook bodies: a module name
// and record id plus either an inline fields bag keyed by field name
// (direct_change) or a handle to resolve later. Base/Webhook carry the datastore's native
// `{base:{id}, webhook:{id}, timestamp}` shape (§6); when present and Handle
// is empty, they're joined into the opaque handle the PayloadFetcher expects.
type webhookPayload struct {
	Module    string                     `json:"module"`
	RecordID  string                     `json:"record_id"`
	Kind      string                     `json:"kind"`
	Fields    map[string]model.JSONValue `json:"fields,omitempty"`
	Handle    string                     `json:"handle,omitempty"`
	Timestamp string                     `json:"timestamp,omitempty"` // the webhook notification's own ts, handle-kind only
	Base      *idRef                     `json:"base,omitempty"`
	Webhook   *idRef                     `json:"webhook,omitempty"`
}

type idRef struct {
	ID string `json:"id"`
}

func (h *Handler) handleWebhook(system model.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Carries the X-Request-ID the LoggingMiddleware assigned this HTTP
		// call into every log line the async processing below emits, tying
		// the access log entry to the webhook's eventual sync outcome.
		reqLog := logger.FromContext(r.Context(), h.Logger)

		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			reqLog.Warn("webhook decode failed", "system", system, "error", err)
			w.WriteHeader(http.StatusOK) // ack anyway; a malformed payload isn't the remote's problem to retry
			return
		}

		handle := payload.Handle
		if handle == "" && payload.Base != nil && payload.Webhook != nil {
			handle = payload.Base.ID + "|" + payload.Webhook.ID
		}

		event := InboundEvent{
			System:        system,
			Module:        payload.Module,
			RecordID:      payload.RecordID,
			Fields:        payload.Fields,
			Handle:        handle,
			ReceivedAt:    time.Now().UTC(),
			Kind:          EventDirectChange,
			CorrelationID: uuid.New().String(),
		}
		if payload.Kind == string(EventHandle) || (handle != "" && len(payload.Fields) == 0) {
			event.Kind = EventHandle
			if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
				event.WebhookTs = ts
			} else {
				event.WebhookTs = event.ReceivedAt
			}
		}

		// Always ack immediately; the delayed-fetch protocol and loop
		// check happen after the response per §4.8 ("the remote does not
		// wait on the fetch").
		w.WriteHeader(http.StatusOK)

		go h.process(context.Background(), reqLog, event)
	}
}

func (h *Handler) process(ctx context.Context, log *slog.Logger, event InboundEvent) {
	log.Debug("webhook received", "correlation_id", event.CorrelationID, "system", event.System, "module", event.Module, "kind", event.Kind)
	if event.Kind == EventHandle {
		resolved, ok := h.resolveHandle(ctx, log, event)
		if !ok {
			return
		}
		for _, e := range resolved {
			e.CorrelationID = event.CorrelationID
			h.convert(ctx, log, e)
		}
		return
	}
	h.convert(ctx, log, event)
}

// resolveHandle waits FetchDelay then fetches up to MaxPayloadsFetch
// newest payloads for the event's module, retrying up to MaxFetchRetries
// times on fetch failure with FetchRetryGap between attempts, giving up
// silently thereafter per §4.8.
func (h *Handler) resolveHandle(ctx context.Context, log *slog.Logger, event InboundEvent) ([]InboundEvent, bool) {
	h.sleep(FetchDelay)

	var lastErr error
	for attempt := 0; attempt <= MaxFetchRetries; attempt++ {
		events, err := h.Fetcher.FetchPayloads(ctx, event.Module, event.Handle, event.WebhookTs, MaxPayloadsFetch)
		if err == nil {
			return events, true
		}
		lastErr = err
		if attempt < MaxFetchRetries {
			h.sleep(FetchRetryGap)
		}
	}
	log.Warn("giving up on handle resolution", "correlation_id", event.CorrelationID, "module", event.Module, "handle", event.Handle, "error", lastErr)
	return nil, false
}

// convert consults the loop-prevention tracker, then requests a sync for
// the event's record if it doesn't look like an echo of our own write.
func (h *Handler) convert(ctx context.Context, log *slog.Logger, event InboundEvent) {
	if event.RecordID == "" {
		return
	}

	if len(event.Fields) == 0 {
		if h.Tracker.ShouldSkipRecord(event.System, event.Module, event.RecordID) {
			h.Tracker.NoteSuppressed()
			log.Debug("suppressing echoed record event", "correlation_id", event.CorrelationID, "system", event.System, "module", event.Module, "record", event.RecordID)
			return
		}
	} else {
		allSkipped := true
		for field, value := range event.Fields {
			if !h.Tracker.ShouldSkipField(event.System, event.Module, event.RecordID, field, value) {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			h.Tracker.NoteSuppressed()
			log.Debug("suppressing echoed field event", "correlation_id", event.CorrelationID, "system", event.System, "module", event.Module, "record", event.RecordID)
			return
		}
	}

	if err := h.Requester.RequestSync(ctx, event.System, event.Module, event.RecordID); err != nil {
		log.Warn("sync request failed", "correlation_id", event.CorrelationID, "system", event.System, "module", event.Module, "record", event.RecordID, "error", err)
	}
}
