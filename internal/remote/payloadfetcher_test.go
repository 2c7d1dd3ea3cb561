package remote

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatastorePayloadFetcher_SelectsBestCandidateAndResolvesFieldNames(t *testing.T) {
	webhookTs := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	within := webhookTs.Add(10 * time.Second).Format(time.RFC3339)
	tooLate := webhookTs.Add(10 * time.Minute).Format(time.RFC3339)

	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/bases/base1/webhooks/hook1/payloads", r.URL.Path)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"payloads":[
			{"timestamp":"` + tooLate + `","changedTablesById":{}},
			{"timestamp":"` + within + `","changedTablesById":{"Leads":{"changedRecordsById":{"rec1":{"current":{"cellValuesByFieldId":{"fld1":"Acme"}}}}}}}
		]}`))
	})
	defer srv.Close()

	fieldName := func(module, fieldID string) string {
		if module == "Leads" && fieldID == "fld1" {
			return "Company"
		}
		return ""
	}
	fetcher := NewDatastorePayloadFetcher(tr, fieldName)

	events, err := fetcher.FetchPayloads(context.Background(), "Leads", "base1|hook1", webhookTs, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rec1", events[0].RecordID)
	assert.Equal(t, "Acme", events[0].Fields["Company"])
}

func TestDatastorePayloadFetcher_MalformedHandleErrors(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call transport for a malformed handle")
	})
	defer srv.Close()

	fetcher := NewDatastorePayloadFetcher(tr, nil)
	_, err := fetcher.FetchPayloads(context.Background(), "Leads", "no-pipe-here", time.Now(), 50)
	require.Error(t, err)
}

func TestDatastorePayloadFetcher_NoPayloadsReturnsNil(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})
	defer srv.Close()

	fetcher := NewDatastorePayloadFetcher(tr, nil)
	events, err := fetcher.FetchPayloads(context.Background(), "Leads", "base1|hook1", time.Now(), 50)
	require.NoError(t, err)
	assert.Nil(t, events)
}
