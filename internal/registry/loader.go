package registry

import (
	"context"
	"fmt"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
)

// RemoteLoader is the production Loader: it pulls field metadata from both
// remotes and reconciles them with a LinkingPolicy, per §4.4.
type RemoteLoader struct {
	Source     remote.Client
	Datastore  remote.Client
	Policy     LinkingPolicy
	ModuleSpec func(module string) (sourceModule, datastoreTable string) // resolves canonical module name to each side's identifier
}

// NewRemoteLoader constructs a RemoteLoader with CaseInsensitiveFirstMatch
// as the default linking policy.
func NewRemoteLoader(source, datastore remote.Client, moduleSpec func(string) (string, string)) *RemoteLoader {
	return &RemoteLoader{Source: source, Datastore: datastore, Policy: CaseInsensitiveFirstMatch{}, ModuleSpec: moduleSpec}
}

// Load implements Loader.
func (l *RemoteLoader) Load(ctx context.Context, module string) (Mapping, error) {
	sourceModule, datastoreTable := module, module
	if l.ModuleSpec != nil {
		sourceModule, datastoreTable = l.ModuleSpec(module)
	}

	sourceMeta, err := l.Source.ListMetadata(ctx, sourceModule)
	if err != nil {
		return Mapping{}, fmt.Errorf("loading source metadata: %w", err)
	}
	datastoreMeta, err := l.Datastore.ListMetadata(ctx, datastoreTable)
	if err != nil {
		return Mapping{}, fmt.Errorf("loading datastore metadata: %w", err)
	}

	sourceFields := toFieldEntries(sourceMeta, true)
	datastoreFields := toFieldEntries(datastoreMeta, false)

	policy := l.Policy
	if policy == nil {
		policy = CaseInsensitiveFirstMatch{}
	}
	linked := policy.Link(sourceFields, datastoreFields)

	fieldIDToName := make(map[string]string, len(datastoreMeta.Fields))
	for _, f := range datastoreMeta.Fields {
		fieldIDToName[f.ID] = f.Name
	}

	return Mapping{
		Module:                module,
		Fields:                linked,
		SourceIDField:         model.FieldSourceID,
		DatastoreIDField:      model.FieldDatastoreID,
		MetadataFieldIDToName: fieldIDToName,
	}, nil
}

func toFieldEntries(meta remote.ModuleMetadata, isSource bool) []model.FieldEntry {
	out := make([]model.FieldEntry, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		entry := model.FieldEntry{UIName: f.Name, FieldType: f.Type, Required: f.Required}
		if isSource {
			entry.SourceName = f.ID
		} else {
			entry.DatastoreField = f.ID
		}
		out = append(out, entry)
	}
	return out
}
