package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	calls  int32
	fields []model.FieldEntry
	err    error
}

func (l *countingLoader) Load(ctx context.Context, module string) (Mapping, error) {
	atomic.AddInt32(&l.calls, 1)
	if l.err != nil {
		return Mapping{}, l.err
	}
	return Mapping{Module: module, Fields: l.fields}, nil
}

func someFields() []model.FieldEntry {
	return []model.FieldEntry{{CanonicalKey: "email", SourceName: "Email", DatastoreField: "fldEmail"}}
}

func TestRegistry_EnsureInitializedLoadsOnce(t *testing.T) {
	loader := &countingLoader{fields: someFields()}
	r := New(loader, time.Hour, nil)

	m, err := r.EnsureInitialized(context.Background(), "Leads")
	require.NoError(t, err)
	assert.Equal(t, "Leads", m.Module)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls))

	m2, err := r.EnsureInitialized(context.Background(), "Leads")
	require.NoError(t, err)
	assert.Equal(t, m, m2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls))
}

func TestRegistry_ConcurrentInitializeCollapses(t *testing.T) {
	loader := &countingLoader{fields: someFields()}
	r := New(loader, time.Hour, nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.EnsureInitialized(context.Background(), "Leads")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls))
}

func TestRegistry_EmptyFieldsIsRegistryEmptyError(t *testing.T) {
	loader := &countingLoader{fields: nil}
	r := New(loader, time.Hour, nil)

	_, err := r.EnsureInitialized(context.Background(), "Leads")
	require.Error(t, err)
	var empty *ErrRegistryEmpty
	assert.ErrorAs(t, err, &empty)
}

func TestRegistry_DestroyForcesReload(t *testing.T) {
	loader := &countingLoader{fields: someFields()}
	r := New(loader, time.Hour, nil)

	_, err := r.EnsureInitialized(context.Background(), "Leads")
	require.NoError(t, err)
	r.Destroy("Leads")

	_, ok := r.Get("Leads")
	assert.False(t, ok)

	_, err = r.EnsureInitialized(context.Background(), "Leads")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loader.calls))
}

func TestCaseInsensitiveFirstMatch_LinksByUIName(t *testing.T) {
	source := []model.FieldEntry{{UIName: "Email", SourceName: "Email"}, {UIName: "Unmapped", SourceName: "Unmapped"}}
	datastore := []model.FieldEntry{{UIName: "email", DatastoreField: "fldXYZ"}}

	linked := CaseInsensitiveFirstMatch{}.Link(source, datastore)
	require.Len(t, linked, 1)
	assert.Equal(t, "fldXYZ", linked[0].DatastoreField)
	assert.Equal(t, "Email", linked[0].SourceName)
}

func TestExplicitOverride_PrefersOverrideThenFallsBack(t *testing.T) {
	source := []model.FieldEntry{{UIName: "Full Name", SourceName: "Full_Name"}, {UIName: "Phone", SourceName: "Phone"}}
	datastore := []model.FieldEntry{{UIName: "Name", DatastoreField: "fldName"}, {UIName: "phone", DatastoreField: "fldPhone"}}

	policy := ExplicitOverride{SourceToDatastoreName: map[string]string{"Full Name": "Name"}}
	linked := policy.Link(source, datastore)

	require.Len(t, linked, 2)
	byUIName := map[string]model.FieldEntry{}
	for _, f := range linked {
		byUIName[f.UIName] = f
	}
	assert.Equal(t, "fldName", byUIName["Full Name"].DatastoreField)
	assert.Equal(t, "fldPhone", byUIName["Phone"].DatastoreField)
}
