package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordLiftsIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ledger.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(Event{
		Type:      EventDeltaApplied,
		Timestamp: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"task_id":     "t-1",
			"material_id": "m-1",
			"actor_id":    "a-1",
			"delta":       3,
		},
	}))
	require.NoError(t, j.Record(Event{
		Type: EventSessionCreated,
		Data: map[string]interface{}{"task_id": "t-1", "operator_id": "a-2", "session_id": "s-1"},
	}))

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, EventDeltaApplied, entries[0].EventType)
	assert.Equal(t, "t-1", entries[0].TaskID)
	assert.Equal(t, "m-1", entries[0].MaterialID)
	assert.Equal(t, "a-1", entries[0].ActorID)
	assert.EqualValues(t, 3, entries[0].Details["delta"])

	assert.Equal(t, "a-2", entries[1].ActorID, "operator_id is journaled as the actor")
	assert.Equal(t, "s-1", entries[1].SessionID)

	for _, e := range entries {
		_, err := ulid.ParseStrict(e.EventID)
		assert.NoError(t, err, "event id %q", e.EventID)
	}
}

func TestJournal_EventIDsAreOrdered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)
	defer j.Close()

	ts := time.Now().UTC()
	for i := 0; i < 20; i++ {
		require.NoError(t, j.Append(&Entry{Timestamp: ts, EventType: EventDeltaApplied}))
	}
	entries, err := ReadJournal(path)
	require.NoError(t, err)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].EventID, entries[i].EventID)
	}
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")
	j, err := OpenJournal(path, 500)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Record(Event{
			Type: EventDeltaApplied,
			Data: map[string]interface{}{"task_id": "t-1", "delta": i + 1},
		}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	for _, f := range archived {
		assert.Equal(t, JournalExtension, filepath.Ext(f.Name()))
	}
	assert.LessOrEqual(t, j.Size(), int64(500))

	total := 0
	for _, f := range archived {
		entries, err := ReadJournal(filepath.Join(dir, ArchiveDir, f.Name()))
		require.NoError(t, err)
		total += len(entries)
	}
	current, err := ReadJournal(path)
	require.NoError(t, err)
	assert.Equal(t, 10, total+len(current), "rotation loses no entries")
}

func TestJournal_Verify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(Event{Type: EventTaskStarted, Data: map[string]interface{}{"task_id": "t", "exec_items": i}}))
	}
	require.NoError(t, j.Close())

	total, valid, err := VerifyJournal(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, valid)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"x","event_type":"delta_applied","timestamp":"2026-01-01T00:00:00Z","checksum":"deadbeef"}` + "\n" + "not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	total, valid, err = VerifyJournal(path)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, valid)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "ledger.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.NoError(t, j.Close())
	assert.Error(t, j.Append(&Entry{EventType: EventTaskStarted, Timestamp: time.Now()}))
}

func TestJournal_Drain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)
	defer j.Close()

	bus := NewBus(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sub := j.Subscribe(bus)
	go func() { done <- j.Drain(ctx, sub, func(err error) { t.Errorf("journal write: %v", err) }) }()

	bus.Publish(EventCatalogReloaded, map[string]interface{}{"tasks_created": 1})
	require.Eventually(t, func() bool {
		entries, _ := ReadJournal(path)
		return len(entries) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Drain did not stop after cancel")
	}

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventCatalogReloaded, entries[0].EventType)
	assert.Equal(t, int64(0), j.Dropped())
}
