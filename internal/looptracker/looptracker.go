// Package looptracker implements the Loop-Prevention Tracker (C5): short-
// lived cooldown entries recorded just before a write, consulted before the
// next inbound change from the opposite system would otherwise re-trigger
// the write that produced it, per §4.5.
package looptracker

import (
	"fmt"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

// Defaults from §4.5.
const (
	DefaultFieldCooldown  = 10 * time.Second
	DefaultRecordCooldown = 120 * time.Second

	fieldCacheSize  = 10_000
	recordCacheSize = 10_000
)

// fieldValue is what the field-scoped cache stores: the value written, so a
// later lookup can confirm the inbound change actually echoes it rather
// than coincidentally landing inside the same window.
type fieldValue struct {
	value model.JSONValue
}

// Tracker holds the two cooldown caches. A Tracker is shared across all
// modules; keys are module-qualified.
type Tracker struct {
	fields  *expirable.LRU[string, fieldValue]
	records *expirable.LRU[string, struct{}]

	suppressed atomic.Int64
}

// New constructs a Tracker with the default cooldown windows.
func New() *Tracker {
	return NewWithCooldowns(DefaultFieldCooldown, DefaultRecordCooldown)
}

// NewWithCooldowns constructs a Tracker with explicit cooldown windows, for
// tests or non-default deployments.
func NewWithCooldowns(fieldCooldown, recordCooldown time.Duration) *Tracker {
	return &Tracker{
		fields:  expirable.NewLRU[string, fieldValue](fieldCacheSize, nil, fieldCooldown),
		records: expirable.NewLRU[string, struct{}](recordCacheSize, nil, recordCooldown),
	}
}

// NoteFieldWrite records that `system` was just written `value` for
// `field` on `module`/`recordID`, starting that field's cooldown window.
// Callers must do this for the opposite system's field before the write
// actually reaches the remote, per §4.5's ordering rule, so a fast echo
// from the remote's webhook cannot race the cooldown entry.
func (t *Tracker) NoteFieldWrite(system model.System, module, recordID, field string, value model.JSONValue) {
	t.fields.Add(fieldKey(system, module, recordID, field), fieldValue{value: value})
}

// NoteRecordWrite records that `system` was just written to for
// `module`/`recordID` as a whole, starting the record-scoped cooldown.
// Call this for the opposite system before every write, not just field
// updates, so creates and deletes are covered too.
func (t *Tracker) NoteRecordWrite(system model.System, module, recordID string) {
	t.records.Add(recordKey(system, module, recordID), struct{}{})
}

// ShouldSkipField reports whether an inbound change from `system` to
// `module`/`recordID`/`field` should be skipped because it echoes a write
// this core just made to that same field on `system` (as noted by
// NoteFieldWrite), within the cooldown window, with an equal value.
func (t *Tracker) ShouldSkipField(system model.System, module, recordID, field string, incoming model.JSONValue) bool {
	entry, ok := t.fields.Get(fieldKey(system, module, recordID, field))
	if !ok {
		return false
	}
	return valuesEqual(entry.value, incoming)
}

// ShouldSkipRecord reports whether an inbound change from `system` to
// `module`/`recordID` as a whole should be skipped because this core just
// wrote to `system` for that record (as noted by NoteRecordWrite), within
// the cooldown window. Used for create/delete events, which have no single field to
// compare.
func (t *Tracker) ShouldSkipRecord(system model.System, module, recordID string) bool {
	_, ok := t.records.Get(recordKey(system, module, recordID))
	return ok
}

// NoteSuppressed records that an inbound webhook event was dropped as an
// echo of the engine's own write, per §8 Seed Scenario 5's "stats increment
// suppressed=1". Call once per suppressed event, not per skipped field.
func (t *Tracker) NoteSuppressed() {
	t.suppressed.Add(1)
}

// DrainSuppressed returns the count of suppressed events recorded since the
// last call and resets it to zero, so callers (the executor, folding it
// into the next run summary) never double-count.
func (t *Tracker) DrainSuppressed() int {
	return int(t.suppressed.Swap(0))
}

func fieldKey(system model.System, module, recordID, field string) string {
	return fmt.Sprintf("%s|%s|%s|%s", system, module, recordID, field)
}

func recordKey(system model.System, module, recordID string) string {
	return fmt.Sprintf("%s|%s|%s", system, module, recordID)
}

func valuesEqual(a, b model.JSONValue) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
