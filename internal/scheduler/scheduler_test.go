package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/executor"
	"github.com/ipiton/zoho-airtable-sync/internal/looptracker"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/registry"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInventory struct {
	mu      sync.Mutex
	entries []model.InventoryEntry
	calls   int32
	delay   time.Duration
}

func (f *fakeInventory) List(ctx context.Context, module string, since time.Time) ([]model.InventoryEntry, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, nil
}

type emptyLoader struct{}

func (emptyLoader) Load(ctx context.Context, module string) (registry.Mapping, error) {
	return registry.Mapping{Module: module, Fields: []model.FieldEntry{{CanonicalKey: "email", SourceName: "Email", DatastoreField: "Email"}}}, nil
}

func newTestScheduler(t *testing.T, source, datastore *fakeInventory) *Scheduler {
	t.Helper()
	reg := registry.New(emptyLoader{}, time.Hour, nil)
	exec := executor.New(noopClient{}, noopClient{}, looptracker.New(), nil, executor.DefaultConfig())
	return New([]string{"Leads"}, source, datastore, reg, exec, nil, DefaultConfig())
}

type noopClient struct{}

func (noopClient) ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (remote.Page, error) {
	return remote.Page{}, nil
}
func (noopClient) ListAll(ctx context.Context, module string, cursor string) (remote.Page, error) {
	return remote.Page{}, nil
}
func (noopClient) Get(ctx context.Context, module, id string) (model.Record, error) { return model.Record{}, nil }
func (noopClient) GetMany(ctx context.Context, module string, ids []string) ([]model.Record, error) {
	return nil, nil
}
func (noopClient) Upsert(ctx context.Context, module string, records []model.Record, mergeOn string) ([]remote.UpsertResult, error) {
	out := make([]remote.UpsertResult, len(records))
	for i, r := range records {
		out[i] = remote.UpsertResult{ID: r.ID}
	}
	return out, nil
}
func (noopClient) Update(ctx context.Context, module, id string, fields map[string]model.JSONValue) (model.Record, error) {
	return model.Record{ID: id}, nil
}
func (noopClient) Delete(ctx context.Context, module, id string) error { return nil }
func (noopClient) ListMetadata(ctx context.Context, module string) (remote.ModuleMetadata, error) {
	return remote.ModuleMetadata{}, nil
}

var _ remote.Client = noopClient{}

func TestRunBulk_ClassifiesAndExecutesWithoutError(t *testing.T) {
	source := &fakeInventory{entries: []model.InventoryEntry{{ID: "s1", ModifiedAt: time.Now(), Raw: map[string]model.JSONValue{"Email": "a@b.com"}}}}
	datastore := &fakeInventory{}
	s := newTestScheduler(t, source, datastore)

	summary, err := s.RunBulk(context.Background(), "Leads")
	require.NoError(t, err)
	assert.Equal(t, "Leads", summary.Module)
}

func TestRunBulk_RejectsOverlappingRunForSameModule(t *testing.T) {
	source := &fakeInventory{delay: 50 * time.Millisecond}
	datastore := &fakeInventory{}
	s := newTestScheduler(t, source, datastore)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RunBulk(context.Background(), "Leads")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	successCount, failCount := 0, 0
	for _, err := range errs {
		if err == nil {
			successCount++
		} else {
			failCount++
		}
	}
	assert.Equal(t, 1, successCount)
	assert.Equal(t, 1, failCount)
}

func TestOrphanDetector_FindsBothDirections(t *testing.T) {
	now := time.Now()
	source := []model.InventoryEntry{
		{ID: "s1", CounterpartID: "d-missing", ModifiedAt: now.Add(-48 * time.Hour)},
		{ID: "s2", CounterpartID: "d1"},
	}
	datastore := []model.InventoryEntry{
		{ID: "d1", CounterpartID: "s2"},
		{ID: "d2", CounterpartID: "s-missing"},
	}

	set := OrphanDetector(source, datastore, 24*time.Hour, now)
	assert.Equal(t, []string{"d2"}, set.DatastoreIDs)
	assert.Equal(t, []string{"s1"}, set.SourceIDs)
}

func TestOrphanDetector_RespectsAgeThreshold(t *testing.T) {
	now := time.Now()
	source := []model.InventoryEntry{{ID: "s1", CounterpartID: "d-missing", ModifiedAt: now.Add(-time.Hour)}}

	set := OrphanDetector(source, nil, 24*time.Hour, now)
	assert.Empty(t, set.SourceIDs)
}

// Without a DATASTORE_ID round-trip field configured, source entries never
// carry a CounterpartID; orphan detection must still work off the
// datastore's SOURCE_ID links rather than require that optional field.
func TestOrphanDetector_WorksWithoutRoundTripField(t *testing.T) {
	now := time.Now()
	source := []model.InventoryEntry{
		{ID: "s1", ModifiedAt: now.Add(-48 * time.Hour)},
		{ID: "s2", ModifiedAt: now.Add(-48 * time.Hour)},
	}
	datastore := []model.InventoryEntry{
		{ID: "d1", CounterpartID: "s2"},
	}

	set := OrphanDetector(source, datastore, 24*time.Hour, now)
	assert.Equal(t, []string{"s1"}, set.SourceIDs)
}
