// Package remote defines the typed client contracts the reconciliation core
// consumes (§4.2, §6) and two concrete implementations: one for the source
// CRM (Zoho CRM/Books/Projects) and one for the datastore (Airtable). Both
// implementations share retry, rate-limiting, circuit-breaking and token
// refresh plumbing from internal/resilience, internal/ratelimit and
// internal/tokens.
package remote

import (
	"context"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// Page is one page of a paginated listing: records plus an opaque cursor
// for the next page, empty when exhausted.
type Page struct {
	Records    []model.Record
	NextCursor string
}

// MetadataField describes one field as reported by a remote's metadata
// endpoint.
type MetadataField struct {
	ID       string
	Name     string
	Type     string
	Required bool
}

// ModuleMetadata is the result of listMetadata, per §4.2.
type ModuleMetadata struct {
	Fields    []MetadataField
	TableID   string
	TableName string
}

// UpsertResult reports the outcome for one record in a batch upsert.
type UpsertResult struct {
	ID      string
	Created bool
	Err     error
}

// Client is the set of operations the reconciliation core requires from one
// remote, per §4.2. Both the source CRM client and the datastore client
// implement it; the core never type-switches between them.
type Client interface {
	// ListModifiedSince lists records changed since `since`, newest-first,
	// for incremental polling (C9 poll driver).
	ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (Page, error)

	// ListAll lists every record for a module, newest-first by modifiedAt,
	// for full-inventory runs (C9 bulk driver, C6 planner input).
	ListAll(ctx context.Context, module string, cursor string) (Page, error)

	// Get fetches a single record by id.
	Get(ctx context.Context, module, id string) (model.Record, error)

	// GetMany fetches multiple records by id, batched internally per the
	// remote's limit (adaptive OR-filter batching for the datastore, per
	// §4.2's "URL/formula guards").
	GetMany(ctx context.Context, module string, ids []string) ([]model.Record, error)

	// Upsert writes records in batches (≤10 for the datastore, per-record
	// for the source), deduplicating on mergeOn.
	Upsert(ctx context.Context, module string, records []model.Record, mergeOn string) ([]UpsertResult, error)

	// Update patches a subset of fields on one record.
	Update(ctx context.Context, module, id string, fields map[string]model.JSONValue) (model.Record, error)

	// Delete destructively removes a record. Per §6, only the source
	// client's Delete is ever called by the core; the datastore
	// implementation's Delete issues a real DELETE but the core never calls
	// it, since it only ever status-updates datastore rows (§4.7's deletion
	// pass).
	Delete(ctx context.Context, module, id string) error

	// ListMetadata returns field and table metadata for a module.
	ListMetadata(ctx context.Context, module string) (ModuleMetadata, error)
}

// CounterpartLookup is an optional capability a Client may implement to find
// a single record by the value of one field. The single-record sync path
// (C8's webhook ingest feeding C7 directly, per §2's data-flow note) uses
// this to resolve a changed record's counterpart when the originating side
// doesn't carry a back-reference id to it.
type CounterpartLookup interface {
	FindByField(ctx context.Context, module, field, value string) (model.Record, bool, error)
}
