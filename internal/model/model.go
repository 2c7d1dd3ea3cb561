// Package model holds the shared domain types for the reconciliation core:
// modules, canonical records, field mappings, inventories and sync plans.
// Translation between the two remotes' string-keyed namespaces happens only
// through the field-mapping registry; every other package deals in these
// typed values.
package model

import (
	"time"
)

// System identifies one side of the sync.
type System string

const (
	SystemSource    System = "source"    // the CRM of record (Zoho CRM/Books/Projects)
	SystemDatastore System = "datastore" // the flexible relational datastore (Airtable)
)

// Opposite returns the other system, used when the loop-prevention tracker
// records an entry for the side about to be written.
func (s System) Opposite() System {
	if s == SystemSource {
		return SystemDatastore
	}
	return SystemSource
}

// JSONValue is an opaque field value as carried across the wire: strings,
// numbers, booleans, nested objects/arrays, or nil.
type JSONValue = any

// Module is a named record kind (Leads, Contacts, Invoices, ...) bound to one
// source API name and one datastore table, discovered from the datastore's
// "Modules" metadata table at startup.
type Module struct {
	Name         string // canonical module name, e.g. "Leads"
	SourceAPI    string // the source side's API name for this module
	DatastoreTbl string // the resolved datastore table id/name
	Ancillary    bool   // true for Books/Projects-style modules kept out of the default bulk set
}

// FieldEntry is one row of a module's field-mapping registry: the canonical
// key plus where it lives on each side.
type FieldEntry struct {
	CanonicalKey   string // the key callers use, e.g. "phone"
	SourceName     string // the source-side API field name
	DatastoreField string // datastore field name or opaque field id
	UIName         string // human label, used by linking policies
	FieldType      string // remote-reported type, used only for logging/diagnostics
	Required       bool   // source-side mandatory field, per §4.7's create-in-source precondition
}

// Reserved canonical keys, per §3 of the reconciliation spec.
const (
	FieldSourceID    = "SOURCE_ID"    // datastore field holding the source record id
	FieldDatastoreID = "DATASTORE_ID" // optional source field holding the datastore row id
)

// Record is a typed value standing in for the untyped dictionaries the
// remotes speak on the wire: an id, a last-modified instant, and a bag of
// fields already translated to canonical keys by the caller.
type Record struct {
	ID         string
	ModifiedAt time.Time
	Fields     map[string]JSONValue
	Raw        JSONValue // the untouched remote payload, kept for diagnostics only
}

// InventoryEntry is one row of a full or incremental inventory snapshot, as
// consumed by the planner.
type InventoryEntry struct {
	ID            string    // this side's native id
	CounterpartID string    // "" if unlinked
	ModifiedAt    time.Time // derived per DeriveModifiedAt
	Source        System
	Raw           JSONValue
}

// DeriveModifiedAt resolves a record's effective modification time from the
// first defined of Modified_Time, Last_Activity_Time, Created_Time, falling
// back to wall clock. fields is the raw field bag; candidates are tried in
// order and the first parseable RFC3339 timestamp wins.
func DeriveModifiedAt(fields map[string]JSONValue, candidates ...string) time.Time {
	for _, key := range candidates {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// Bucket is one of the five (plus conflicts) planner dispositions.
type Bucket string

const (
	BucketNewInDatastore Bucket = "NEW_IN_DATASTORE"
	BucketNewInSource    Bucket = "NEW_IN_SOURCE"
	BucketSourceNewer    Bucket = "SOURCE_NEWER"
	BucketDatastoreNewer Bucket = "DATASTORE_NEWER"
	BucketNoSync         Bucket = "NO_SYNC"
	BucketConflicts      Bucket = "CONFLICTS"
)

// Pairing is one classified pair of inventory entries, possibly with one
// side absent (NEW_IN_* buckets).
type Pairing struct {
	Bucket  Bucket
	Source  *InventoryEntry // nil for NEW_IN_SOURCE
	Target  *InventoryEntry // nil for NEW_IN_DATASTORE; the datastore-side entry otherwise
	Reason  string          // short diagnostic, e.g. "coalescing window" or "field phone differs"
}

// Plan is the planner's output: every pairing it classified for one module.
type Plan struct {
	Module   string
	Pairings []Pairing
}

// ByBucket groups a plan's pairings by bucket, preserving order within a bucket.
func (p *Plan) ByBucket() map[Bucket][]Pairing {
	out := make(map[Bucket][]Pairing, 6)
	for _, pr := range p.Pairings {
		out[pr.Bucket] = append(out[pr.Bucket], pr)
	}
	return out
}

// ItemState is the per-item state machine the executor drives each pairing
// through: Planned -> InFlight -> {Ok|Failed|Skipped}.
type ItemState string

const (
	ItemPlanned  ItemState = "Planned"
	ItemInFlight ItemState = "InFlight"
	ItemOk       ItemState = "Ok"
	ItemFailed   ItemState = "Failed"
	ItemSkipped  ItemState = "Skipped"
)

// BucketStats aggregates outcomes for one bucket of one run.
type BucketStats struct {
	Planned   int
	Applied   int
	Failed    int
	Skipped   int
	Suppressed int
}

// OrphanStats aggregates the deletion pass's outcomes for one run: datastore
// rows status-updated as orphaned plus source rows hard-deleted once aged
// out, counted together since both are the deletion pass's output, per §7.
type OrphanStats struct {
	Planned int
	Applied int
	Failed  int
}

// RunSummary is the end-of-run report described in §7: planned/applied/failed
// counts per bucket, for one module.
type RunSummary struct {
	Module     string
	Buckets    map[Bucket]*BucketStats
	Orphans    OrphanStats
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewRunSummary creates an empty summary with all buckets pre-populated so
// callers never need a nil check.
func NewRunSummary(module string) *RunSummary {
	buckets := make(map[Bucket]*BucketStats, 6)
	for _, b := range []Bucket{BucketNewInDatastore, BucketNewInSource, BucketSourceNewer, BucketDatastoreNewer, BucketNoSync, BucketConflicts} {
		buckets[b] = &BucketStats{}
	}
	return &RunSummary{Module: module, Buckets: buckets, StartedAt: time.Now().UTC()}
}
