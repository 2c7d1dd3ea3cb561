// Package scheduler implements the Scheduler (C9): a bulk driver that
// plans and executes one full-inventory sync for a module per call, and a
// poll driver that does the same against only records modified since the
// last successful poll. Neither driver schedules itself; callers invoke
// RunBulk and RunPoll. Both drivers share a per-module soft timeout and
// never overlap runs for the same module, per §4.9.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/executor"
	"github.com/ipiton/zoho-airtable-sync/internal/ingest"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/planner"
	"github.com/ipiton/zoho-airtable-sync/internal/registry"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
)

// Defaults from §4.9.
const (
	DefaultModuleRunTimeout = 10 * time.Minute
	DefaultPollInterval     = time.Minute
	DefaultSourceCallTimeout = 30 * time.Second
	DefaultDatastoreCallTimeout = 60 * time.Second
)

// Inventory fetches every record for a module from one remote, paging
// internally, and converts them to inventory entries. Bulk runs call this
// with since=zero; poll runs call it with the last tick's time.
type Inventory interface {
	List(ctx context.Context, module string, since time.Time) ([]model.InventoryEntry, error)
}

// RemoteInventory adapts a remote.Client into an Inventory, resolving
// CounterpartID via the SOURCE_ID/DATASTORE_ID reserved fields per module
// mapping.
type RemoteInventory struct {
	Client  remote.Client
	System  model.System
	Mapping func(module string) (registry.Mapping, error)
}

// List implements Inventory.
func (ri *RemoteInventory) List(ctx context.Context, module string, since time.Time) ([]model.InventoryEntry, error) {
	mapping, err := ri.Mapping(module)
	if err != nil {
		return nil, err
	}

	var entries []model.InventoryEntry
	cursor := ""
	for {
		var page remote.Page
		var err error
		if since.IsZero() {
			page, err = ri.Client.ListAll(ctx, module, cursor)
		} else {
			page, err = ri.Client.ListModifiedSince(ctx, module, since, cursor)
		}
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			entries = append(entries, toInventoryEntry(rec, ri.System, mapping))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return entries, nil
}

// ToInventoryEntry converts one remote record into the inventory shape the
// planner consumes, resolving its counterpart id from the mapping's back
// reference field. Exported for callers building ad hoc inventories outside
// a full RemoteInventory.List, such as the CLI's dry-run check.
func ToInventoryEntry(rec model.Record, system model.System, mapping registry.Mapping) model.InventoryEntry {
	return toInventoryEntry(rec, system, mapping)
}

func toInventoryEntry(rec model.Record, system model.System, mapping registry.Mapping) model.InventoryEntry {
	counterpart := ""
	if system == model.SystemDatastore {
		if v, ok := rec.Fields[mapping.SourceIDField]; ok {
			counterpart, _ = v.(string)
		}
	} else if mapping.DatastoreIDField != "" {
		if v, ok := rec.Fields[mapping.DatastoreIDField]; ok {
			counterpart, _ = v.(string)
		}
	}
	return model.InventoryEntry{ID: rec.ID, CounterpartID: counterpart, ModifiedAt: rec.ModifiedAt, Source: system, Raw: rec.Fields}
}

// OrphanDetector derives an OrphanSet from two full inventories, identifying
// rows whose linked counterpart has disappeared. Only the bulk driver calls
// this, since orphan detection requires a complete inventory on both sides.
func OrphanDetector(source, datastore []model.InventoryEntry, orphanAge time.Duration, now time.Time) executor.OrphanSet {
	sourceIDs := make(map[string]bool, len(source))
	for _, e := range source {
		sourceIDs[e.ID] = true
	}
	// linkedSourceIDs holds every source id some datastore row's SOURCE_ID
	// field claims as its counterpart. This is the only lookup the spec
	// guarantees (§3: "the source side carries no reference to the
	// datastore row"); the optional DATASTORE_ID round-trip field on the
	// source entry is not required for a datastore row to exist.
	linkedSourceIDs := make(map[string]bool, len(datastore))
	for _, e := range datastore {
		if e.CounterpartID != "" {
			linkedSourceIDs[e.CounterpartID] = true
		}
	}

	var set executor.OrphanSet
	for _, e := range datastore {
		if e.CounterpartID != "" && !sourceIDs[e.CounterpartID] {
			set.DatastoreIDs = append(set.DatastoreIDs, e.ID)
		}
	}
	for _, e := range source {
		if linkedSourceIDs[e.ID] {
			continue
		}
		if now.Sub(e.ModifiedAt) >= orphanAge {
			set.SourceIDs = append(set.SourceIDs, e.ID)
		}
	}
	return set
}

// Config tunes one Scheduler.
type Config struct {
	ModuleRunTimeout time.Duration
	PollInterval     time.Duration
	OrphanAge        time.Duration
	// CoalescingWindow overrides the planner's default simultaneity window;
	// zero means planner.DefaultCoalescingWindow.
	CoalescingWindow time.Duration
}

// DefaultConfig returns a Config with package defaults.
func DefaultConfig() Config {
	return Config{ModuleRunTimeout: DefaultModuleRunTimeout, PollInterval: DefaultPollInterval, OrphanAge: 24 * time.Hour, CoalescingWindow: planner.DefaultCoalescingWindow}
}

// plannerOptions builds planner.Options from the scheduler's configured
// coalescing window, with fullInventory set for bulk-driven runs.
func (s *Scheduler) plannerOptions(fullInventory bool) planner.Options {
	opts := planner.DefaultOptions()
	if s.Config.CoalescingWindow > 0 {
		opts.CoalescingWindow = s.Config.CoalescingWindow
	}
	opts.FullInventory = fullInventory
	return opts
}

// Scheduler drives bulk and poll runs for a fixed set of modules.
type Scheduler struct {
	Modules   []string
	Source    Inventory
	Datastore Inventory
	Registry  *registry.Registry
	Executor  *executor.Executor
	Logger    *slog.Logger
	Config    Config

	mu       sync.Mutex
	running  map[string]bool
	lastPoll map[string]time.Time
}

// New constructs a Scheduler.
func New(modules []string, source, datastore Inventory, reg *registry.Registry, exec *executor.Executor, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ModuleRunTimeout <= 0 {
		cfg.ModuleRunTimeout = DefaultModuleRunTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Scheduler{
		Modules: modules, Source: source, Datastore: datastore, Registry: reg, Executor: exec,
		Logger: logger, Config: cfg, running: map[string]bool{}, lastPoll: map[string]time.Time{},
	}
}

// RunBulk performs one full-inventory plan+execute cycle for module,
// cancelling cooperatively if it exceeds the configured module run
// timeout. It returns immediately with an error if a run for this module
// is already in flight, per §4.9's non-overlap rule.
func (s *Scheduler) RunBulk(ctx context.Context, module string) (*model.RunSummary, error) {
	if !s.tryStart(module) {
		return nil, fmt.Errorf("bulk run for module %q already in progress, skipping this tick", module)
	}
	defer s.finish(module)

	runCtx, cancel := context.WithTimeout(ctx, s.Config.ModuleRunTimeout)
	defer cancel()

	mapping, err := s.Registry.EnsureInitialized(runCtx, module)
	if err != nil {
		return nil, fmt.Errorf("registry-empty: %w", err)
	}

	sourceEntries, err := s.Source.List(runCtx, module, time.Time{})
	if err != nil {
		return nil, err
	}
	datastoreEntries, err := s.Datastore.List(runCtx, module, time.Time{})
	if err != nil {
		return nil, err
	}

	plan := planner.Classify(module, sourceEntries, datastoreEntries, s.plannerOptions(true))

	orphans := OrphanDetector(sourceEntries, datastoreEntries, s.Config.OrphanAge, time.Now().UTC())

	return s.Executor.Execute(runCtx, module, plan, mapping, orphans)
}

// RunPoll performs one incremental plan+execute cycle for module against
// records modified since the last successful poll, per §4.9.
func (s *Scheduler) RunPoll(ctx context.Context, module string) (*model.RunSummary, error) {
	if !s.tryStart(module) {
		return nil, fmt.Errorf("poll run for module %q already in progress, skipping this tick", module)
	}
	defer s.finish(module)

	runCtx, cancel := context.WithTimeout(ctx, s.Config.ModuleRunTimeout)
	defer cancel()

	mapping, err := s.Registry.EnsureInitialized(runCtx, module)
	if err != nil {
		return nil, fmt.Errorf("registry-empty: %w", err)
	}

	since := s.lastPollTime(module)

	sourceEntries, err := s.Source.List(runCtx, module, since)
	if err != nil {
		return nil, err
	}
	datastoreEntries, err := s.Datastore.List(runCtx, module, since)
	if err != nil {
		return nil, err
	}

	plan := planner.Classify(module, sourceEntries, datastoreEntries, s.plannerOptions(false))
	summary, err := s.Executor.Execute(runCtx, module, plan, mapping, executor.OrphanSet{})
	if err == nil {
		s.setLastPollTime(module, time.Now().UTC())
	}
	return summary, err
}

// RunSingle performs one single-record sync for recordID, which changed on
// originSystem per an inbound webhook event, without a full inventory
// listing on either side, per §2's "C8 -> C7 (single-record path)" data
// flow. It fetches the record and, if linkable, its counterpart, classifies
// the resulting one- or two-entry plan, and executes it.
// SyncRequesterAdapter exposes it as an ingest.SyncRequester.
func (s *Scheduler) RunSingle(ctx context.Context, module string, originSystem model.System, recordID string) (*model.RunSummary, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.Config.ModuleRunTimeout)
	defer cancel()

	mapping, err := s.Registry.EnsureInitialized(runCtx, module)
	if err != nil {
		return nil, fmt.Errorf("registry-empty: %w", err)
	}

	originClient, counterpartClient, counterpartSystem := s.Executor.Source, s.Executor.Datastore, model.SystemDatastore
	if originSystem == model.SystemDatastore {
		originClient, counterpartClient, counterpartSystem = s.Executor.Datastore, s.Executor.Source, model.SystemSource
	}

	rec, err := originClient.Get(runCtx, module, recordID)
	if err != nil {
		return nil, err
	}
	entry := toInventoryEntry(rec, originSystem, mapping)

	counterpartEntry, found, err := s.findCounterpart(runCtx, counterpartClient, counterpartSystem, module, mapping, entry)
	if err != nil {
		return nil, err
	}

	var source, datastore []model.InventoryEntry
	if originSystem == model.SystemSource {
		source = []model.InventoryEntry{entry}
		if found {
			datastore = []model.InventoryEntry{counterpartEntry}
		}
	} else {
		datastore = []model.InventoryEntry{entry}
		if found {
			source = []model.InventoryEntry{counterpartEntry}
		}
	}

	plan := planner.Classify(module, source, datastore, s.plannerOptions(false))
	return s.Executor.Execute(runCtx, module, plan, mapping, executor.OrphanSet{})
}

// findCounterpart resolves entry's counterpart on system: directly by id if
// entry already carries one, else via a CounterpartLookup on client keyed
// by whichever reserved field that side uses to record the link. Returns
// found=false, with no error, if the counterpart cannot be resolved at all
// (e.g. client doesn't support lookup, or genuinely not linked yet).
func (s *Scheduler) findCounterpart(ctx context.Context, client remote.Client, system model.System, module string, mapping registry.Mapping, entry model.InventoryEntry) (model.InventoryEntry, bool, error) {
	if entry.CounterpartID != "" {
		rec, err := client.Get(ctx, module, entry.CounterpartID)
		if httpErr, ok := err.(*remote.HTTPError); ok && httpErr.Status == 404 {
			return model.InventoryEntry{}, false, nil
		}
		if err != nil {
			return model.InventoryEntry{}, false, err
		}
		return toInventoryEntry(rec, system, mapping), true, nil
	}

	lookup, ok := client.(remote.CounterpartLookup)
	if !ok {
		return model.InventoryEntry{}, false, nil
	}
	field := mapping.SourceIDField
	if system == model.SystemSource {
		field = mapping.DatastoreIDField
	}
	if field == "" {
		return model.InventoryEntry{}, false, nil
	}
	rec, found, err := lookup.FindByField(ctx, module, field, entry.ID)
	if err != nil || !found {
		return model.InventoryEntry{}, false, err
	}
	return toInventoryEntry(rec, system, mapping), true, nil
}

// SyncRequesterAdapter adapts Scheduler.RunSingle to ingest.SyncRequester,
// discarding the run summary the webhook handler has no use for.
type SyncRequesterAdapter struct {
	Scheduler *Scheduler
}

// RequestSync implements ingest.SyncRequester.
func (a *SyncRequesterAdapter) RequestSync(ctx context.Context, system model.System, module, recordID string) error {
	_, err := a.Scheduler.RunSingle(ctx, module, system, recordID)
	return err
}

var _ ingest.SyncRequester = (*SyncRequesterAdapter)(nil)

func (s *Scheduler) tryStart(module string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[module] {
		return false
	}
	s.running[module] = true
	return true
}

func (s *Scheduler) finish(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, module)
}

func (s *Scheduler) lastPollTime(module string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPoll[module]
}

func (s *Scheduler) setLastPollTime(module string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll[module] = t
}
