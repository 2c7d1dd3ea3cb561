package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/looptracker"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/registry"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	records   map[string]model.Record
	updates   []updateCall
	deletes   []string
	deleteErr error
}

type updateCall struct {
	id     string
	fields map[string]model.JSONValue
}

func newFakeClient() *fakeClient {
	return &fakeClient{records: map[string]model.Record{}}
}

func (f *fakeClient) ListModifiedSince(ctx context.Context, module string, since time.Time, cursor string) (remote.Page, error) {
	return remote.Page{}, nil
}
func (f *fakeClient) ListAll(ctx context.Context, module string, cursor string) (remote.Page, error) {
	return remote.Page{}, nil
}
func (f *fakeClient) Get(ctx context.Context, module, id string) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id], nil
}
func (f *fakeClient) GetMany(ctx context.Context, module string, ids []string) ([]model.Record, error) {
	return nil, nil
}
func (f *fakeClient) Upsert(ctx context.Context, module string, records []model.Record, mergeOn string) ([]remote.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]remote.UpsertResult, 0, len(records))
	for i, rec := range records {
		id := rec.ID
		created := false
		if id == "" {
			id = "new-" + time.Now().Format("150405.000000000") + string(rune('a'+i))
			created = true
		}
		f.records[id] = rec
		results = append(results, remote.UpsertResult{ID: id, Created: created})
	}
	return results, nil
}
func (f *fakeClient) Update(ctx context.Context, module, id string, fields map[string]model.JSONValue) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id: id, fields: fields})
	rec := f.records[id]
	if rec.Fields == nil {
		rec.Fields = map[string]model.JSONValue{}
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	f.records[id] = rec
	return rec, nil
}
func (f *fakeClient) Delete(ctx context.Context, module, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, id)
	delete(f.records, id)
	return nil
}
func (f *fakeClient) ListMetadata(ctx context.Context, module string) (remote.ModuleMetadata, error) {
	return remote.ModuleMetadata{}, nil
}

var _ remote.Client = (*fakeClient)(nil)

func testMapping() registry.Mapping {
	return registry.Mapping{
		Module:            "Leads",
		SourceIDField:      "SOURCE_ID",
		Fields: []model.FieldEntry{
			{CanonicalKey: "email", SourceName: "Email", DatastoreField: "Email"},
		},
	}
}

func TestExecute_SourceNewerPushesFieldToDatastore(t *testing.T) {
	source := newFakeClient()
	datastore := newFakeClient()
	ex := New(source, datastore, looptracker.New(), nil, DefaultConfig())

	se := &model.InventoryEntry{ID: "s1", Raw: map[string]model.JSONValue{"Email": "new@x.com"}}
	de := &model.InventoryEntry{ID: "d1", Raw: map[string]model.JSONValue{"Email": "old@x.com"}}
	plan := model.Plan{Pairings: []model.Pairing{{Bucket: model.BucketSourceNewer, Source: se, Target: de}}}

	summary, err := ex.Execute(context.Background(), "Leads", plan, testMapping(), OrphanSet{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Buckets[model.BucketSourceNewer].Applied)
	require.Len(t, datastore.updates, 1)
	assert.Equal(t, "d1", datastore.updates[0].id)
	assert.Equal(t, "new@x.com", datastore.updates[0].fields["Email"])
}

func TestExecute_NoFieldDifferenceIsSkipped(t *testing.T) {
	source := newFakeClient()
	datastore := newFakeClient()
	ex := New(source, datastore, looptracker.New(), nil, DefaultConfig())

	se := &model.InventoryEntry{ID: "s1", Raw: map[string]model.JSONValue{"Email": "same@x.com"}}
	de := &model.InventoryEntry{ID: "d1", Raw: map[string]model.JSONValue{"Email": "same@x.com"}}
	plan := model.Plan{Pairings: []model.Pairing{{Bucket: model.BucketSourceNewer, Source: se, Target: de}}}

	summary, err := ex.Execute(context.Background(), "Leads", plan, testMapping(), OrphanSet{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Buckets[model.BucketSourceNewer].Skipped)
	assert.Empty(t, datastore.updates)
}

func TestExecute_DryRunAppliesNoWrites(t *testing.T) {
	source := newFakeClient()
	datastore := newFakeClient()
	cfg := DefaultConfig()
	cfg.DryRun = true
	ex := New(source, datastore, looptracker.New(), nil, cfg)

	se := &model.InventoryEntry{ID: "s1", Raw: map[string]model.JSONValue{"Email": "new@x.com"}}
	de := &model.InventoryEntry{ID: "d1", Raw: map[string]model.JSONValue{"Email": "old@x.com"}}
	plan := model.Plan{Pairings: []model.Pairing{
		{Bucket: model.BucketSourceNewer, Source: se, Target: de},
		{Bucket: model.BucketNewInDatastore, Source: se},
	}}

	summary, err := ex.Execute(context.Background(), "Leads", plan, testMapping(), OrphanSet{})
	require.NoError(t, err)
	assert.Empty(t, datastore.updates)
	assert.Equal(t, 1, summary.Buckets[model.BucketSourceNewer].Applied)
	assert.Equal(t, 1, summary.Buckets[model.BucketNewInDatastore].Applied)
}

func TestExecute_NewInDatastoreCreatesDatastoreRowAndNotesTracker(t *testing.T) {
	source := newFakeClient()
	datastore := newFakeClient()
	tracker := looptracker.New()
	ex := New(source, datastore, tracker, nil, DefaultConfig())

	se := &model.InventoryEntry{ID: "s1", Raw: map[string]model.JSONValue{"Email": "a@x.com"}}
	plan := model.Plan{Pairings: []model.Pairing{{Bucket: model.BucketNewInDatastore, Source: se}}}

	summary, err := ex.Execute(context.Background(), "Leads", plan, testMapping(), OrphanSet{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Buckets[model.BucketNewInDatastore].Applied)
	assert.True(t, tracker.ShouldSkipRecord(model.SystemDatastore, "Leads", "s1"))
}

func TestExecute_DeletionPassStatusUpdatesDatastoreOrphans(t *testing.T) {
	source := newFakeClient()
	datastore := newFakeClient()
	datastore.records["d1"] = model.Record{ID: "d1"}
	ex := New(source, datastore, looptracker.New(), nil, DefaultConfig())

	summary, err := ex.Execute(context.Background(), "Leads", model.Plan{}, testMapping(), OrphanSet{DatastoreIDs: []string{"d1"}})
	require.NoError(t, err)
	require.Len(t, datastore.updates, 1)
	assert.Equal(t, OrphanStatusValue, datastore.updates[0].fields[OrphanStatusField])
	assert.Equal(t, 1, summary.Orphans.Planned)
	assert.Equal(t, 1, summary.Orphans.Applied)
	assert.Equal(t, 0, summary.Orphans.Failed)
}

func TestExecute_DeletionPassHardDeletesAgedSourceOrphans(t *testing.T) {
	source := newFakeClient()
	source.records["s1"] = model.Record{ID: "s1"}
	datastore := newFakeClient()
	ex := New(source, datastore, looptracker.New(), nil, DefaultConfig())

	summary, err := ex.Execute(context.Background(), "Leads", model.Plan{}, testMapping(), OrphanSet{SourceIDs: []string{"s1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, source.deletes)
	assert.Equal(t, 1, summary.Orphans.Planned)
	assert.Equal(t, 1, summary.Orphans.Applied)
	assert.Equal(t, 0, summary.Orphans.Failed)
}

func TestExecute_DeletionPassCountsFailures(t *testing.T) {
	source := newFakeClient()
	source.deleteErr = assertErr{}
	datastore := newFakeClient()
	ex := New(source, datastore, looptracker.New(), nil, DefaultConfig())

	summary, err := ex.Execute(context.Background(), "Leads", model.Plan{}, testMapping(), OrphanSet{SourceIDs: []string{"s1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Orphans.Planned)
	assert.Equal(t, 0, summary.Orphans.Applied)
	assert.Equal(t, 1, summary.Orphans.Failed)
}

type assertErr struct{}

func (assertErr) Error() string { return "delete failed" }
