package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/ingest"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// DatastorePayloadFetcher implements ingest.PayloadFetcher against the
// datastore's payload-history endpoint, for handle-based webhooks whose
// body carried only `{baseId, webhookId, timestamp}` per §4.8. The handle
// string is "baseID|webhookID", as constructed by the webhook handler from
// the inbound payload's base/webhook identifiers.
type DatastorePayloadFetcher struct {
	Transport *Transport
	// FieldName resolves a datastore field id to its canonical name for a
	// module, used because payload-history reports changes keyed by field
	// id while the loop-prevention tracker keys fields by canonical name.
	FieldName func(module, fieldID string) string
}

// NewDatastorePayloadFetcher constructs a DatastorePayloadFetcher.
func NewDatastorePayloadFetcher(t *Transport, fieldName func(module, fieldID string) string) *DatastorePayloadFetcher {
	return &DatastorePayloadFetcher{Transport: t, FieldName: fieldName}
}

var _ ingest.PayloadFetcher = (*DatastorePayloadFetcher)(nil)

type payloadHistoryEnvelope struct {
	Payloads []struct {
		Timestamp         string                                   `json:"timestamp"`
		ChangedTablesByID map[string]payloadHistoryTableChange `json:"changedTablesById"`
	} `json:"payloads"`
	Cursor        string `json:"cursor"`
	MightHaveMore bool   `json:"mightHaveMore"`
}

type payloadHistoryTableChange struct {
	ChangedRecordsByID map[string]struct {
		Current struct {
			CellValuesByFieldID map[string]model.JSONValue `json:"cellValuesByFieldId"`
		} `json:"current"`
	} `json:"changedRecordsById"`
}

// FetchPayloads implements ingest.PayloadFetcher: it pages through up to
// limit newest payloads for the base/webhook encoded in handle, applies
// ingest.SelectBestPayload against webhookTs, and converts the winning
// payload's changes into InboundEvents.
func (f *DatastorePayloadFetcher) FetchPayloads(ctx context.Context, module, handle string, webhookTs time.Time, limit int) ([]ingest.InboundEvent, error) {
	baseID, webhookID, ok := splitHandle(handle)
	if !ok {
		return nil, fmt.Errorf("malformed payload-history handle %q", handle)
	}

	payloads, err := f.listPayloads(ctx, module, baseID, webhookID, limit)
	if err != nil {
		return nil, err
	}

	best, ok := ingest.SelectBestPayload(payloads, webhookTs)
	if !ok {
		return nil, nil
	}
	return best.Events, nil
}

func (f *DatastorePayloadFetcher) listPayloads(ctx context.Context, module, baseID, webhookID string, limit int) ([]ingest.Payload, error) {
	var out []ingest.Payload
	cursor := ""
	for len(out) < limit {
		status, body, err := f.Transport.Do(ctx, Request{
			Method: "GET",
			Path:   "/v0/bases/" + url.PathEscape(baseID) + "/webhooks/" + url.PathEscape(webhookID) + "/payloads",
			Query:  withCursor(cursor),
		})
		if err != nil {
			return nil, err
		}
		if status == 204 {
			break
		}

		var env payloadHistoryEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decoding payload-history response: %w", err)
		}

		for _, raw := range env.Payloads {
			ts, parseErr := time.Parse(time.RFC3339, raw.Timestamp)
			if parseErr != nil {
				continue
			}
			out = append(out, ingest.Payload{Ts: ts, Events: f.toEvents(module, ts, raw.ChangedTablesByID)})
		}

		if !env.MightHaveMore || env.Cursor == "" {
			break
		}
		cursor = env.Cursor
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *DatastorePayloadFetcher) toEvents(module string, ts time.Time, tables map[string]payloadHistoryTableChange) []ingest.InboundEvent {
	var events []ingest.InboundEvent
	for _, table := range tables {
		for recordID, change := range table.ChangedRecordsByID {
			fields := make(map[string]model.JSONValue, len(change.Current.CellValuesByFieldID))
			for fieldID, val := range change.Current.CellValuesByFieldID {
				name := fieldID
				if f.FieldName != nil {
					if resolved := f.FieldName(module, fieldID); resolved != "" {
						name = resolved
					}
				}
				fields[name] = val
			}
			events = append(events, ingest.InboundEvent{
				System:     model.SystemDatastore,
				Module:     module,
				RecordID:   recordID,
				Kind:       ingest.EventDirectChange,
				Fields:     fields,
				WebhookTs:  ts,
				ReceivedAt: ts,
			})
		}
	}
	return events
}

func withCursor(cursor string) map[string]string {
	if cursor == "" {
		return nil
	}
	return map[string]string{"cursor": cursor}
}

func splitHandle(handle string) (baseID, webhookID string, ok bool) {
	parts := strings.SplitN(handle, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
