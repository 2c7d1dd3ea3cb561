// Package planner implements the Sync Planner (C6): a pure, deterministic
// function that classifies every paired and unpaired record across the two
// systems into one of five dispositions (plus a conflicts bucket for
// full-inventory runs), per §4.6. It performs no I/O and holds no state;
// the same two inventories always classify to the same plan.
package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// Default ignored fields, per §4.6: these never participate in the
// field-by-field comparison that decides SOURCE_NEWER vs DATASTORE_NEWER vs
// NO_SYNC, because they either describe bookkeeping Airtable/the CRM
// maintains itself or are computed from other fields.
var (
	DefaultIgnoredSourceFields = []string{
		"Modified_Time", "Created_Time", "Last_Activity_Time",
		"Modified_By", "Created_By", "Owner", "Tag", "Layout",
		"$converted", "$approved", "$approval",
	}
	DefaultIgnoredDatastoreFields = []string{
		"Record ID", "Last Modified Time", "Created Time",
	}
)

// Options configures one Classify call.
type Options struct {
	// CoalescingWindow is how close two modification timestamps must be to
	// be treated as simultaneous (NO_SYNC) rather than ordered, per §4.6.
	CoalescingWindow time.Duration

	// IgnoredSourceFields and IgnoredDatastoreFields override the package
	// defaults.
	IgnoredSourceFields    []string
	IgnoredDatastoreFields []string

	// FullInventory marks this as a bulk run: unresolved field differences
	// where neither side is clearly newer fall into CONFLICTS instead of
	// being arbitrarily resolved. Poll-driver runs (FullInventory=false)
	// never see CONFLICTS; ties there fall to NO_SYNC, since the next poll
	// will reclassify them once one side moves.
	FullInventory bool
}

// DefaultCoalescingWindow is the default from §4.6.
const DefaultCoalescingWindow = 30 * time.Second

// DefaultOptions returns Options with package defaults.
func DefaultOptions() Options {
	return Options{
		CoalescingWindow:       DefaultCoalescingWindow,
		IgnoredSourceFields:    DefaultIgnoredSourceFields,
		IgnoredDatastoreFields: DefaultIgnoredDatastoreFields,
	}
}

// Classify pairs source and datastore inventory entries by the datastore's
// SOURCE_ID field (carried in each datastore entry's CounterpartID) and
// buckets every pairing and unpaired entry into a Plan.
func Classify(module string, source, datastore []model.InventoryEntry, opts Options) model.Plan {
	if opts.IgnoredSourceFields == nil {
		opts.IgnoredSourceFields = DefaultIgnoredSourceFields
	}
	if opts.IgnoredDatastoreFields == nil {
		opts.IgnoredDatastoreFields = DefaultIgnoredDatastoreFields
	}

	datastoreBySourceID := make(map[string]model.InventoryEntry, len(datastore))
	var unlinkedDatastore []model.InventoryEntry
	for _, e := range datastore {
		if e.CounterpartID == "" {
			unlinkedDatastore = append(unlinkedDatastore, e)
			continue
		}
		datastoreBySourceID[e.CounterpartID] = e
	}

	var pairings []model.Pairing

	for _, se := range sortedByID(source) {
		de, linked := datastoreBySourceID[se.ID]
		if !linked {
			pairings = append(pairings, model.Pairing{Bucket: model.BucketNewInDatastore, Source: &se, Reason: "no linked datastore row"})
			continue
		}
		pairings = append(pairings, classifyPair(se, de, opts))
	}

	for _, de := range sortedByID(unlinkedDatastore) {
		pairings = append(pairings, model.Pairing{Bucket: model.BucketNewInSource, Target: &de, Reason: "no SOURCE_ID link"})
	}

	return model.Plan{Module: module, Pairings: pairings}
}

func classifyPair(source, datastore model.InventoryEntry, opts Options) model.Pairing {
	se, de := source, datastore

	if !se.ModifiedAt.IsZero() && !de.ModifiedAt.IsZero() {
		delta := se.ModifiedAt.Sub(de.ModifiedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= opts.CoalescingWindow {
			return model.Pairing{Bucket: model.BucketNoSync, Source: &se, Target: &de, Reason: "within coalescing window"}
		}
	}

	diffField, differs := firstDifferingField(se, de, opts)
	if !differs {
		return model.Pairing{Bucket: model.BucketNoSync, Source: &se, Target: &de, Reason: "no field differences"}
	}

	// A missing modifiedAt on either side (metadata the remote didn't
	// report) makes direction undeterminable; everything else falls
	// through to a definite ordering since equal-but-outside-window
	// timestamps are not possible once one side is known non-zero.
	ambiguous := se.ModifiedAt.IsZero() || de.ModifiedAt.IsZero()

	switch {
	case !ambiguous && se.ModifiedAt.After(de.ModifiedAt):
		return model.Pairing{Bucket: model.BucketSourceNewer, Source: &se, Target: &de, Reason: "field " + diffField + " differs, source newer"}
	case !ambiguous && de.ModifiedAt.After(se.ModifiedAt):
		return model.Pairing{Bucket: model.BucketDatastoreNewer, Source: &se, Target: &de, Reason: "field " + diffField + " differs, datastore newer"}
	case opts.FullInventory:
		return model.Pairing{Bucket: model.BucketConflicts, Source: &se, Target: &de, Reason: "field " + diffField + " differs, ordering undeterminable"}
	default:
		return model.Pairing{Bucket: model.BucketNoSync, Source: &se, Target: &de, Reason: "field " + diffField + " differs, ordering undeterminable (deferred to next poll)"}
	}
}

// firstDifferingField compares every field present on either side (minus
// ignored fields) and returns the first (alphabetically, for determinism)
// whose normalized values differ.
func firstDifferingField(source, datastore model.InventoryEntry, opts Options) (string, bool) {
	sourceFields, _ := source.Raw.(map[string]model.JSONValue)
	datastoreFields, _ := datastore.Raw.(map[string]model.JSONValue)

	ignoreSource := toSet(opts.IgnoredSourceFields)
	ignoreDatastore := toSet(opts.IgnoredDatastoreFields)

	keys := make(map[string]struct{})
	for k := range sourceFields {
		if ignoreSource[k] || strings.HasPrefix(k, "$") {
			continue
		}
		keys[k] = struct{}{}
	}
	for k := range datastoreFields {
		if ignoreDatastore[k] {
			continue
		}
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		if !valuesEqual(sourceFields[k], datastoreFields[k]) {
			return k, true
		}
	}
	return "", false
}

// valuesEqual compares two field values after normalization, per §4.6:
// strings are trimmed, numbers and booleans stringified, linked-record
// arrays (Airtable's `[{name: "..."}]` shape) joined by name, and objects
// compared as canonical JSON.
func valuesEqual(a, b model.JSONValue) bool {
	return normalize(a) == normalize(b)
}

func normalize(v model.JSONValue) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case []any:
		if names, ok := asNameArray(val); ok {
			return strings.Join(names, ",")
		}
		return canonicalJSON(val)
	default:
		return canonicalJSON(val)
	}
}

// asNameArray recognizes Airtable's linked-record field shape, an array of
// objects each carrying a "name" key, and extracts the names in order.
func asNameArray(arr []any) ([]string, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	names := make([]string, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		name, ok := obj["name"].(string)
		if !ok {
			return nil, false
		}
		names = append(names, strings.TrimSpace(name))
	}
	return names, true
}

func canonicalJSON(v model.JSONValue) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func sortedByID(entries []model.InventoryEntry) []model.InventoryEntry {
	out := make([]model.InventoryEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
