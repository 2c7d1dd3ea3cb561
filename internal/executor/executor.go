// Package executor implements the Sync Executor (C7): given a plan from
// the planner, it performs the writes each bucket calls for, in a fixed
// order, under bounded concurrency, recording loop-prevention entries
// before every write and producing a RunSummary, per §4.7.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ipiton/zoho-airtable-sync/internal/looptracker"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/planner"
	"github.com/ipiton/zoho-airtable-sync/internal/ratelimit"
	"github.com/ipiton/zoho-airtable-sync/internal/registry"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
)

// DefaultConcurrency bounds how many items within one bucket are in flight
// at once, per §4.7.
const DefaultConcurrency = 4

// DefaultBatchSize is how many datastore writes go out before the executor
// pauses, per §4.3/§4.7.
const DefaultBatchSize = 10

// Config tunes one Executor.
type Config struct {
	Concurrency int
	BatchSize   int
	DryRun      bool
	// OrphanAgeThreshold is the configured age a source-side orphan must
	// reach before it is hard-deleted, per §4.7. The Executor does not read
	// it; the age filter is applied when the OrphanSet is built (see
	// scheduler.OrphanDetector).
	OrphanAgeThreshold time.Duration
}

// DefaultConfig returns a Config with package defaults.
func DefaultConfig() Config {
	return Config{Concurrency: DefaultConcurrency, BatchSize: DefaultBatchSize, OrphanAgeThreshold: 24 * time.Hour}
}

// Executor applies a Plan's pairings to both remotes.
type Executor struct {
	Source    remote.Client
	Datastore remote.Client
	Tracker   *looptracker.Tracker
	Logger    *slog.Logger
	Config    Config
}

// New constructs an Executor.
func New(source, datastore remote.Client, tracker *looptracker.Tracker, logger *slog.Logger, cfg Config) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{Source: source, Datastore: datastore, Tracker: tracker, Logger: logger, Config: cfg}
}

// OrphanSet is the scheduler's report of records whose counterpart has
// disappeared, filtered by age where relevant, for the deletion pass.
type OrphanSet struct {
	// DatastoreIDs are datastore rows whose linked source record no
	// longer exists; these are status-updated, never hard-deleted.
	DatastoreIDs []string
	// SourceIDs are source records that no datastore row links to AND
	// whose ModifiedAt is older than the scheduler's orphan age; these are
	// hard-deleted.
	SourceIDs []string
}

// OrphanStatusField is the datastore field the deletion pass writes to
// mark a row orphaned, rather than deleting it.
const OrphanStatusField = "Sync Status"

// OrphanStatusValue is the value written to OrphanStatusField.
const OrphanStatusValue = "Orphaned"

// Execute applies every pairing in plan (and orphans) in bucket order:
// create-datastore, create-source, source->datastore updates,
// datastore->source updates, then the deletion pass. It returns a
// RunSummary regardless of per-item failures, and its error is always nil;
// registry preconditions are checked by the caller before Execute.
func (e *Executor) Execute(ctx context.Context, module string, plan model.Plan, mapping registry.Mapping, orphans OrphanSet) (*model.RunSummary, error) {
	summary := model.NewRunSummary(module)
	byBucket := plan.ByBucket()

	e.runBucket(ctx, summary, model.BucketNewInDatastore, byBucket[model.BucketNewInDatastore], func(p model.Pairing) error {
		return e.createInDatastore(ctx, module, mapping, p)
	})
	e.runBucket(ctx, summary, model.BucketNewInSource, byBucket[model.BucketNewInSource], func(p model.Pairing) error {
		return e.createInSource(ctx, module, mapping, p)
	})
	e.runBucket(ctx, summary, model.BucketSourceNewer, byBucket[model.BucketSourceNewer], func(p model.Pairing) error {
		return e.pushFields(ctx, module, mapping, p, model.SystemSource, model.SystemDatastore)
	})
	e.runBucket(ctx, summary, model.BucketDatastoreNewer, byBucket[model.BucketDatastoreNewer], func(p model.Pairing) error {
		return e.pushFields(ctx, module, mapping, p, model.SystemDatastore, model.SystemSource)
	})

	e.runDeletionPass(ctx, summary, module, orphans)

	// Fold in webhook deliveries the loop-prevention tracker suppressed as
	// echoes of this engine's own writes since the last run, per §8 Seed
	// Scenario 5 ("stats increment suppressed=1"). NO_SYNC is the bucket for
	// changes the engine decided required no action, which suppression is a
	// special case of.
	summary.Buckets[model.BucketNoSync].Suppressed += e.Tracker.DrainSuppressed()

	summary.FinishedAt = time.Now().UTC()
	return summary, nil
}

// runBucket drives one bucket's pairings through fn under bounded
// concurrency, batching BatchSize at a time with a pause between batches,
// and records each outcome into summary.
func (e *Executor) runBucket(ctx context.Context, summary *model.RunSummary, bucket model.Bucket, pairings []model.Pairing, fn func(model.Pairing) error) {
	stats := summary.Buckets[bucket]
	stats.Planned += len(pairings)

	for _, batch := range chunkPairings(pairings, e.Config.BatchSize) {
		p := pool.New().WithMaxGoroutines(e.Config.Concurrency)
		results := make([]error, len(batch))
		for i, pairing := range batch {
			i, pairing := i, pairing
			p.Go(func() {
				if ctx.Err() != nil {
					results[i] = ctx.Err()
					return
				}
				results[i] = fn(pairing)
			})
		}
		p.Wait()

		for _, err := range results {
			switch {
			case err == nil:
				stats.Applied++
			case err == errSkipped:
				stats.Skipped++
			default:
				stats.Failed++
				e.Logger.Error("item failed", "bucket", bucket, "error", err)
			}
		}

		if ctx.Err() != nil {
			return
		}
		if len(pairings) > e.Config.BatchSize {
			_ = ratelimit.PauseBetweenBatches(ctx)
		}
	}
}

var errSkipped = &skippedError{}

type skippedError struct{}

func (*skippedError) Error() string { return "skipped" }

func (e *Executor) createInDatastore(ctx context.Context, module string, mapping registry.Mapping, p model.Pairing) error {
	if e.Config.DryRun {
		return nil
	}
	fields := translateFields(mapping, model.SystemSource, rawFields(p.Source))
	fields[mapping.SourceIDField] = p.Source.ID

	e.Tracker.NoteRecordWrite(model.SystemDatastore, module, p.Source.ID)
	rec := model.Record{Fields: fields}
	results, err := e.Datastore.Upsert(ctx, module, []model.Record{rec}, mapping.SourceIDField)
	if err != nil {
		return err
	}
	return firstUpsertError(results)
}

// missingRequiredFieldsError reports that a datastore row lacks values for
// one or more source-required fields, failing this item rather than
// upserting a record the source would reject anyway, per §4.7.
type missingRequiredFieldsError struct {
	Module string
	Fields []string
}

func (e *missingRequiredFieldsError) Error() string {
	return fmt.Sprintf("missing-required-fields: module %q missing %v", e.Module, e.Fields)
}

func (e *Executor) createInSource(ctx context.Context, module string, mapping registry.Mapping, p model.Pairing) error {
	fields := translateFields(mapping, model.SystemDatastore, rawFields(p.Target))
	if missing := missingRequiredFields(mapping, fields); len(missing) > 0 {
		return &missingRequiredFieldsError{Module: module, Fields: missing}
	}
	if e.Config.DryRun {
		return nil
	}
	if mapping.DatastoreIDField != "" {
		fields[mapping.DatastoreIDField] = p.Target.ID
	}

	e.Tracker.NoteRecordWrite(model.SystemSource, module, p.Target.ID)
	rec := model.Record{Fields: fields}
	results, err := e.Source.Upsert(ctx, module, []model.Record{rec}, mapping.DatastoreIDField)
	if err != nil {
		return err
	}
	if err := firstUpsertError(results); err != nil {
		return err
	}

	if len(results) > 0 && results[0].ID != "" {
		_, err := e.Datastore.Update(ctx, module, p.Target.ID, map[string]model.JSONValue{mapping.SourceIDField: results[0].ID})
		return err
	}
	return nil
}

// pushFields writes every non-ignored field that differs, from `from` to
// `to`, recording a loop-prevention entry for `to` (the system about to be
// written) before issuing the write, per §4.5's ordering rule.
func (e *Executor) pushFields(ctx context.Context, module string, mapping registry.Mapping, p model.Pairing, from, to model.System) error {
	if p.Source == nil || p.Target == nil {
		return nil
	}

	sourceFields := rawFields(p.Source)
	datastoreFields := rawFields(p.Target)

	var fromRaw, toRaw map[string]model.JSONValue
	var fromSystem model.System
	if from == model.SystemSource {
		fromRaw, toRaw, fromSystem = sourceFields, datastoreFields, model.SystemSource
	} else {
		fromRaw, toRaw, fromSystem = datastoreFields, sourceFields, model.SystemDatastore
	}

	updates := diffingFields(mapping, fromSystem, fromRaw, toRaw)
	if len(updates) == 0 {
		return errSkipped
	}

	var recordID string
	if to == model.SystemDatastore {
		recordID = p.Target.ID
	} else {
		recordID = p.Source.ID
	}

	if e.Config.DryRun {
		return nil
	}

	for canonicalKey, value := range updates {
		e.Tracker.NoteFieldWrite(to, module, recordID, canonicalKey, value)
	}
	e.Tracker.NoteRecordWrite(to, module, recordID)

	translated := translateCanonical(mapping, to, updates)
	var err error
	if to == model.SystemDatastore {
		_, err = e.Datastore.Update(ctx, module, recordID, translated)
	} else {
		_, err = e.Source.Update(ctx, module, recordID, translated)
	}
	return err
}

func (e *Executor) runDeletionPass(ctx context.Context, summary *model.RunSummary, module string, orphans OrphanSet) {
	summary.Orphans.Planned += len(orphans.DatastoreIDs) + len(orphans.SourceIDs)
	if e.Config.DryRun {
		return
	}
	for _, batch := range Chunk(orphans.DatastoreIDs, e.Config.BatchSize) {
		for _, id := range batch {
			_, err := e.Datastore.Update(ctx, module, id, map[string]model.JSONValue{OrphanStatusField: OrphanStatusValue})
			if err != nil {
				summary.Orphans.Failed++
				e.Logger.Warn("failed to mark datastore orphan", "module", module, "id", id, "error", err)
				continue
			}
			summary.Orphans.Applied++
		}
		_ = ratelimit.PauseBetweenBatches(ctx)
	}
	for _, id := range orphans.SourceIDs {
		e.Tracker.NoteRecordWrite(model.SystemSource, module, id)
		if err := e.Source.Delete(ctx, module, id); err != nil {
			summary.Orphans.Failed++
			e.Logger.Warn("failed to delete aged-out source orphan", "module", module, "id", id, "error", err)
			continue
		}
		summary.Orphans.Applied++
	}
}

func firstUpsertError(results []remote.UpsertResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func rawFields(e *model.InventoryEntry) map[string]model.JSONValue {
	if e == nil {
		return nil
	}
	fields, _ := e.Raw.(map[string]model.JSONValue)
	return fields
}

// missingRequiredFields returns the source-side UI names of every required
// field absent (or nil) from translated, the source-field-keyed bag already
// built from the datastore row slated for creation.
func missingRequiredFields(mapping registry.Mapping, translated map[string]model.JSONValue) []string {
	var missing []string
	for _, fe := range mapping.Fields {
		if !fe.Required || fe.SourceName == "" {
			continue
		}
		if val, ok := translated[fe.SourceName]; !ok || val == nil {
			name := fe.UIName
			if name == "" {
				name = fe.SourceName
			}
			missing = append(missing, name)
		}
	}
	return missing
}

// diffingFields returns the canonical-key subset of `from`'s fields whose
// value differs from (or is absent on) `to`'s counterpart field, excluding
// the default ignored fields for fromSystem. Values are compared by their
// fmt.Sprint form; the planner's trimming and linked-record normalization
// is not applied here.
func diffingFields(mapping registry.Mapping, fromSystem model.System, from, to map[string]model.JSONValue) map[string]model.JSONValue {
	ignored := planner.DefaultIgnoredSourceFields
	if fromSystem == model.SystemDatastore {
		ignored = planner.DefaultIgnoredDatastoreFields
	}
	ignoredSet := make(map[string]bool, len(ignored))
	for _, f := range ignored {
		ignoredSet[f] = true
	}

	out := make(map[string]model.JSONValue)
	for _, fe := range mapping.Fields {
		key, toKey := fe.SourceName, fe.DatastoreField
		if fromSystem == model.SystemDatastore {
			key, toKey = fe.DatastoreField, fe.SourceName
		}
		if ignoredSet[key] {
			continue
		}
		val, ok := from[key]
		if !ok {
			continue
		}
		if toVal, present := to[toKey]; present && fmt.Sprint(toVal) == fmt.Sprint(val) {
			continue
		}
		out[fe.CanonicalKey] = val
	}
	return out
}

// translateFields converts a raw field bag on fromSystem into the
// canonical-keyed map the destination Upsert expects, translated to the
// destination's own field names.
func translateFields(mapping registry.Mapping, fromSystem model.System, raw map[string]model.JSONValue) map[string]model.JSONValue {
	canonical := make(map[string]model.JSONValue)
	for _, fe := range mapping.Fields {
		key := fe.SourceName
		if fromSystem == model.SystemDatastore {
			key = fe.DatastoreField
		}
		if val, ok := raw[key]; ok {
			canonical[fe.CanonicalKey] = val
		}
	}
	toSystem := model.SystemDatastore
	if fromSystem == model.SystemDatastore {
		toSystem = model.SystemSource
	}
	return translateCanonical(mapping, toSystem, canonical)
}

// translateCanonical maps a canonical-keyed field bag to toSystem's native
// field names.
func translateCanonical(mapping registry.Mapping, toSystem model.System, canonical map[string]model.JSONValue) map[string]model.JSONValue {
	out := make(map[string]model.JSONValue, len(canonical))
	for _, fe := range mapping.Fields {
		val, ok := canonical[fe.CanonicalKey]
		if !ok {
			continue
		}
		key := fe.SourceName
		if toSystem == model.SystemDatastore {
			key = fe.DatastoreField
		}
		if key == "" {
			continue
		}
		out[key] = val
	}
	return out
}

func chunkPairings(pairings []model.Pairing, size int) [][]model.Pairing {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]model.Pairing
	for i := 0; i < len(pairings); i += size {
		end := i + size
		if end > len(pairings) {
			end = len(pairings)
		}
		out = append(out, pairings[i:end])
	}
	return out
}

// Chunk re-exports remote.Chunk's splitting behavior for string-id slices,
// used by the deletion pass.
func Chunk(ids []string, size int) [][]string {
	return remote.Chunk(ids, size)
}
