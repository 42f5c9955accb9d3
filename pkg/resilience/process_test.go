package resilience

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/scheduler"
)

func sampleTask() *scheduler.PendingTask {
	return scheduler.RestorePendingTask(
		99, "halo-exchange", true, true, 2, 1,
		[]scheduler.DependencySlot{
			{Key: event.Key{ID: "east", Rank: 1}, Count: 2},
			{Key: event.Key{ID: "west", Rank: event.Any}, Count: 1},
		},
		[]event.Key{
			{ID: "east", Rank: 1},
			{ID: "west", Rank: event.Any},
			{ID: "east", Rank: 1},
		},
		[]scheduler.DependencySlot{
			{Key: event.Key{ID: "east", Rank: 1}, Count: 2},
			{Key: event.Key{ID: "west", Rank: event.Any}, Count: 1},
		},
	)
}

func sampleEvent() *event.Specific {
	return &event.Specific{
		SourceRank: 4,
		Count:      3,
		RawLength:  12,
		Type:       event.Int,
		Persistent: true,
		ID:         "boundary",
		Data:       event.EncodeInts(10, 20, 30),
	}
}

func requireTasksEqual(t *testing.T, want, got *scheduler.PendingTask) {
	t.Helper()
	require.Equal(t, want.TaskID, got.TaskID)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.FreeData, got.FreeData)
	require.Equal(t, want.Persistent, got.Persistent)
	require.Equal(t, want.Resilient, got.Resilient)
	require.Equal(t, want.NumArrivedEvents, got.NumArrivedEvents)
	require.Empty(t, cmp.Diff(want.DependencyOrder, got.DependencyOrder))
	require.Empty(t, cmp.Diff(want.OutstandingSlots(), got.OutstandingSlots()))
	require.Empty(t, cmp.Diff(want.OriginalSlots(), got.OriginalSlots()))
}

func TestLedgerFileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	l, err := NewProcessLedger(dir, 3, nil)
	require.NoError(t, err)

	task := sampleTask()
	evt := sampleEvent()
	l.RecordTaskScheduled(task)
	l.RecordEvent(evt)
	l.RecordEventMoved(event.Key{ID: "boundary", Rank: 4}, 99)
	l.RecordTaskCompleted(99)
	require.NoError(t, l.Close())

	runID, records, err := ReadLedger(LedgerPath(dir, 3))
	require.NoError(t, err)
	require.Equal(t, l.RunID(), runID)
	require.Len(t, records, 4)

	require.Equal(t, RecordTaskScheduledKind, records[0].Kind)
	requireTasksEqual(t, task, records[0].Task)

	require.Equal(t, RecordEventKind, records[1].Kind)
	require.Empty(t, cmp.Diff(evt, records[1].Event))

	require.Equal(t, RecordEventMovedKind, records[2].Kind)
	require.Equal(t, event.Key{ID: "boundary", Rank: 4}, records[2].Key)
	require.Equal(t, uint64(99), records[2].TaskID)

	require.Equal(t, RecordTaskCompletedKind, records[3].Kind)
	require.Equal(t, uint64(99), records[3].TaskID)

	require.Equal(t, uint64(99), HighestTaskID(records))

	// A restarted process advances its id generator past persisted state.
	scheduler.ResetTaskIDs(HighestTaskID(records))
	require.Greater(t, scheduler.NewPendingTask().TaskID, uint64(99))
}

func TestReadLedgerWithoutTrailer(t *testing.T) {
	dir := t.TempDir()
	l, err := NewProcessLedger(dir, 0, nil)
	require.NoError(t, err)
	l.RecordTaskCompleted(17)
	// Simulate a crash before Close: flush the buffered records without
	// writing a trailer.
	l.mu.Lock()
	require.NoError(t, l.w.Flush())
	l.mu.Unlock()

	_, records, err := ReadLedger(LedgerPath(dir, 0))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(17), records[0].TaskID)
	require.NoError(t, l.Close())
}

func TestReadLedgerRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(path, []byte("not a ledger at all"), 0o644))
	_, _, err := ReadLedger(path)
	require.Error(t, err)
}

func TestEventEncodeRejectsTruncation(t *testing.T) {
	body := encodeEvent(sampleEvent())
	r := bytes.NewReader(body[:len(body)-6])
	_, err := decodeEvent(r)
	require.Error(t, err, "missing EOO must be detected")
}
