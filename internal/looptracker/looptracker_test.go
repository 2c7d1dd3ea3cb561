package looptracker

import (
	"testing"
	"time"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestShouldSkipField_TrueWhenValueMatchesRecentWrite(t *testing.T) {
	tr := NewWithCooldowns(50*time.Millisecond, time.Second)
	tr.NoteFieldWrite(model.SystemDatastore, "Leads", "1", "email", "a@b.com")

	assert.True(t, tr.ShouldSkipField(model.SystemDatastore, "Leads", "1", "email", "a@b.com"))
}

func TestShouldSkipField_FalseWhenValueDiffers(t *testing.T) {
	tr := NewWithCooldowns(time.Second, time.Second)
	tr.NoteFieldWrite(model.SystemDatastore, "Leads", "1", "email", "a@b.com")

	assert.False(t, tr.ShouldSkipField(model.SystemDatastore, "Leads", "1", "email", "different@b.com"))
}

func TestShouldSkipField_FalseAfterCooldownExpires(t *testing.T) {
	tr := NewWithCooldowns(20*time.Millisecond, time.Second)
	tr.NoteFieldWrite(model.SystemDatastore, "Leads", "1", "email", "a@b.com")

	time.Sleep(40 * time.Millisecond)
	assert.False(t, tr.ShouldSkipField(model.SystemDatastore, "Leads", "1", "email", "a@b.com"))
}

func TestShouldSkipField_ScopedPerSystemModuleRecordField(t *testing.T) {
	tr := New()
	tr.NoteFieldWrite(model.SystemDatastore, "Leads", "1", "email", "a@b.com")

	assert.False(t, tr.ShouldSkipField(model.SystemSource, "Leads", "1", "email", "a@b.com"))
	assert.False(t, tr.ShouldSkipField(model.SystemDatastore, "Contacts", "1", "email", "a@b.com"))
	assert.False(t, tr.ShouldSkipField(model.SystemDatastore, "Leads", "2", "email", "a@b.com"))
	assert.False(t, tr.ShouldSkipField(model.SystemDatastore, "Leads", "1", "phone", "a@b.com"))
}

func TestShouldSkipRecord_TrueWithinCooldown(t *testing.T) {
	tr := NewWithCooldowns(time.Second, 50*time.Millisecond)
	tr.NoteRecordWrite(model.SystemSource, "Leads", "1")

	assert.True(t, tr.ShouldSkipRecord(model.SystemSource, "Leads", "1"))
}

func TestShouldSkipRecord_FalseAfterCooldownExpires(t *testing.T) {
	tr := NewWithCooldowns(time.Second, 20*time.Millisecond)
	tr.NoteRecordWrite(model.SystemSource, "Leads", "1")

	time.Sleep(40 * time.Millisecond)
	assert.False(t, tr.ShouldSkipRecord(model.SystemSource, "Leads", "1"))
}
