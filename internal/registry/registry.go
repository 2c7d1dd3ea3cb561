// Package registry implements the Field-Mapping Registry (C4): per-module
// field mappings loaded from the datastore's metadata and kept fresh by a
// background refresher, with single-flight initialization so concurrent
// first-users of a module collapse into one load, per §4.4.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshInterval is how often the background refresher reloads
// every known module's mapping, per §4.4.
const DefaultRefreshInterval = 5 * time.Minute

// Mapping is one module's resolved field registry.
type Mapping struct {
	Module                 string
	Fields                 []model.FieldEntry
	SourceIDField          string // the datastore field holding the source record id
	DatastoreIDField       string // optional source field holding the datastore row id, "" if unused
	MetadataFieldIDToName  map[string]string // datastore field id -> field name, for raw API responses keyed by id
	LoadedAt               time.Time
}

// FieldByCanonicalKey looks up one field's mapping by its canonical key.
func (m Mapping) FieldByCanonicalKey(key string) (model.FieldEntry, bool) {
	for _, f := range m.Fields {
		if f.CanonicalKey == key {
			return f, true
		}
	}
	return model.FieldEntry{}, false
}

// Loader fetches a module's field mapping from the remotes' metadata
// endpoints. Implementations typically call both remote.Client.
// ListMetadata and reconcile the two field lists by UI name (the
// LinkingPolicy).
type Loader interface {
	Load(ctx context.Context, module string) (Mapping, error)
}

// LinkingPolicy decides, given a module's source-side and datastore-side
// metadata field lists, which pairs refer to the same logical field. The
// registry is built pluggable here per the Open Question in §9: the
// default policy is case-insensitive first-match on the human label, but a
// deployment with ambiguous or renamed fields can supply an explicit
// override map instead.
type LinkingPolicy interface {
	Link(sourceFields, datastoreFields []model.FieldEntry) []model.FieldEntry
}

// CaseInsensitiveFirstMatch links fields whose UI names match
// case-insensitively, keeping the first datastore field seen for each name.
// This is the default policy; it is wrong for modules with duplicate human
// labels, which should supply registry.ExplicitOverride instead.
type CaseInsensitiveFirstMatch struct{}

// Link implements LinkingPolicy.
func (CaseInsensitiveFirstMatch) Link(sourceFields, datastoreFields []model.FieldEntry) []model.FieldEntry {
	byName := make(map[string]model.FieldEntry, len(datastoreFields))
	for _, f := range datastoreFields {
		key := lowerASCII(f.UIName)
		if _, exists := byName[key]; !exists {
			byName[key] = f
		}
	}

	out := make([]model.FieldEntry, 0, len(sourceFields))
	for _, sf := range sourceFields {
		df, ok := byName[lowerASCII(sf.UIName)]
		if !ok {
			continue
		}
		out = append(out, model.FieldEntry{
			CanonicalKey:   canonicalKey(sf.UIName),
			SourceName:     sf.SourceName,
			DatastoreField: df.DatastoreField,
			UIName:         sf.UIName,
			FieldType:      sf.FieldType,
			Required:       sf.Required,
		})
	}
	return out
}

// ExplicitOverride links fields by an operator-supplied UI-name map,
// falling back to CaseInsensitiveFirstMatch for names it does not mention.
type ExplicitOverride struct {
	// SourceToDatastoreName maps a source UI name to the datastore UI name
	// it should bind to, for fields the default policy gets wrong.
	SourceToDatastoreName map[string]string
}

// Link implements LinkingPolicy.
func (e ExplicitOverride) Link(sourceFields, datastoreFields []model.FieldEntry) []model.FieldEntry {
	datastoreByName := make(map[string]model.FieldEntry, len(datastoreFields))
	for _, f := range datastoreFields {
		datastoreByName[f.UIName] = f
	}

	remapped := make([]model.FieldEntry, len(sourceFields))
	copy(remapped, sourceFields)
	var remaining []model.FieldEntry
	out := make([]model.FieldEntry, 0, len(sourceFields))

	for _, sf := range remapped {
		if dsName, ok := e.SourceToDatastoreName[sf.UIName]; ok {
			if df, ok := datastoreByName[dsName]; ok {
				out = append(out, model.FieldEntry{
					CanonicalKey:   canonicalKey(sf.UIName),
					SourceName:     sf.SourceName,
					DatastoreField: df.DatastoreField,
					UIName:         sf.UIName,
					FieldType:      sf.FieldType,
					Required:       sf.Required,
				})
				continue
			}
		}
		remaining = append(remaining, sf)
	}

	out = append(out, CaseInsensitiveFirstMatch{}.Link(remaining, datastoreFields)...)
	return out
}

func canonicalKey(uiName string) string {
	return lowerASCII(uiName)
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Registry holds the live mapping for every module the core has touched,
// refreshing them periodically in the background. Readers never block on
// the refresher; only the first caller for a never-seen module blocks on
// initialize, and concurrent first-callers collapse via singleflight.
type Registry struct {
	loader          Loader
	refreshInterval time.Duration
	logger          *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	mappings map[string]Mapping

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry. Call Start to begin the background refresher.
func New(loader Loader, refreshInterval time.Duration, logger *slog.Logger) *Registry {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader:          loader,
		refreshInterval: refreshInterval,
		logger:          logger,
		mappings:        make(map[string]Mapping),
		stopCh:          make(chan struct{}),
	}
}

// ErrRegistryEmpty is returned when a module's metadata load yields no
// fields, which per §4.4/§9 is module-fatal at bootstrap: every run for
// the module fails with a registry-empty error rather than syncing against
// an empty mapping.
type ErrRegistryEmpty struct {
	Module string
}

func (e *ErrRegistryEmpty) Error() string {
	return fmt.Sprintf("registry-empty: module %q resolved zero fields", e.Module)
}

// Get returns a module's current mapping without blocking, false if it has
// never been initialized.
func (r *Registry) Get(module string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[module]
	return m, ok
}

// EnsureInitialized blocks until module's mapping is loaded at least once,
// or ctx is done. Concurrent callers for the same module collapse into one
// Loader.Load call via singleflight.
func (r *Registry) EnsureInitialized(ctx context.Context, module string) (Mapping, error) {
	if m, ok := r.Get(module); ok {
		return m, nil
	}
	return r.initialize(ctx, module)
}

func (r *Registry) initialize(ctx context.Context, module string) (Mapping, error) {
	v, err, _ := r.group.Do(module, func() (any, error) {
		mapping, loadErr := r.loader.Load(ctx, module)
		if loadErr != nil {
			return Mapping{}, fmt.Errorf("loading mapping for module %q: %w", module, loadErr)
		}
		if len(mapping.Fields) == 0 {
			return Mapping{}, &ErrRegistryEmpty{Module: module}
		}
		mapping.LoadedAt = nowFunc()

		r.mu.Lock()
		r.mappings[module] = mapping
		r.mu.Unlock()

		r.logger.Info("field mapping initialized", "module", module, "field_count", len(mapping.Fields))
		return mapping, nil
	})
	if err != nil {
		return Mapping{}, err
	}
	return v.(Mapping), nil
}

// Destroy discards one module's cached mapping, forcing the next
// EnsureInitialized call to reload it.
func (r *Registry) Destroy(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, module)
}

// DestroyAll discards every cached mapping.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = make(map[string]Mapping)
}

// Start launches the background refresher, which reloads every known
// module's mapping on each tick without blocking readers. It returns
// immediately; call Stop to halt it.
func (r *Registry) Start(ctx context.Context) {
	go r.refreshLoop(ctx)
}

func (r *Registry) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Registry) refreshAll(ctx context.Context) {
	r.mu.RLock()
	modules := make([]string, 0, len(r.mappings))
	for m := range r.mappings {
		modules = append(modules, m)
	}
	r.mu.RUnlock()

	for _, module := range modules {
		mapping, err := r.loader.Load(ctx, module)
		if err != nil {
			r.logger.Warn("background mapping refresh failed, keeping stale mapping", "module", module, "error", err)
			continue
		}
		if len(mapping.Fields) == 0 {
			r.logger.Warn("background mapping refresh returned zero fields, keeping stale mapping", "module", module)
			continue
		}
		mapping.LoadedAt = nowFunc()
		r.mu.Lock()
		r.mappings[module] = mapping
		r.mu.Unlock()
	}
}

// Stop halts the background refresher.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
