// Package resilience implements the write-ahead ledger that makes task
// execution restartable: events fired by a running task are held until
// the task completes, and a failed task is resubmitted from its snapshot
// with the held events purged. At level 2 scheduler state is additionally
// persisted to an append-only file per rank.
package resilience

import (
	"sync"

	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/scheduler"
)

// EventSink is where released held events go; the messaging core
// implements it.
type EventSink interface {
	ForwardHeld(e *event.Specific, target int)
}

// HeldEvent is an event fired by a running task, buffered until that
// task completes.
type HeldEvent struct {
	Target int
	Evt    *event.Specific
}

// ActiveTask snapshots a dispatched task plus the events it has fired so
// far.
type ActiveTask struct {
	Snapshot *scheduler.PendingTask
	Held     []HeldEvent
}

// Ledger tracks running resilient tasks. Its locks are independent of
// the scheduler mutex.
type Ledger struct {
	level int
	sched *scheduler.Scheduler
	log   *zap.Logger

	sinkMu sync.Mutex
	sink   EventSink

	atMu   sync.Mutex
	active map[uint64]*ActiveTask // task id -> snapshot

	idMu         sync.Mutex
	threadToTask map[uint64][]uint64 // thread id -> task id queue

	failMu    sync.Mutex
	failed    map[uint64]struct{}
	completed map[uint64]struct{}

	process *ProcessLedger // nil below level 2
}

// NewLedger builds the ledger for the given resilience level. process
// may be nil (level < 2).
func NewLedger(level int, sched *scheduler.Scheduler, process *ProcessLedger, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		level:        level,
		sched:        sched,
		log:          log.With(zap.String("component", "resilience")),
		active:       make(map[uint64]*ActiveTask),
		threadToTask: make(map[uint64][]uint64),
		failed:       make(map[uint64]struct{}),
		completed:    make(map[uint64]struct{}),
		process:      process,
	}
}

// SetSink wires the messaging core; held events are released through it.
func (l *Ledger) SetSink(sink EventSink) {
	l.sinkMu.Lock()
	l.sink = sink
	l.sinkMu.Unlock()
}

// TaskRunning links a thread id to the task now running on it and
// snapshots the task for recovery.
func (l *Ledger) TaskRunning(threadID uint64, t *scheduler.PendingTask) {
	at := &ActiveTask{Snapshot: t.Clone()}
	l.atMu.Lock()
	l.active[t.TaskID] = at
	l.atMu.Unlock()
	l.idMu.Lock()
	l.threadToTask[threadID] = append(l.threadToTask[threadID], t.TaskID)
	l.idMu.Unlock()
}

// CurrentTask looks up the task running on a thread, or zero.
func (l *Ledger) CurrentTask(threadID uint64) uint64 {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	q := l.threadToTask[threadID]
	if len(q) == 0 {
		return 0
	}
	return q[len(q)-1]
}

// HoldFiredEvent buffers an event fired by the task running on threadID.
// The payload is copied so the task may reuse its buffer.
func (l *Ledger) HoldFiredEvent(threadID uint64, data []byte, count int, ty event.Type, target int, persistent bool, id string) {
	taskID := l.CurrentTask(threadID)
	if taskID == 0 {
		l.log.Warn("held event from thread with no active task", zap.String("event_id", id))
		return
	}
	var buf []byte
	if data != nil {
		buf = append([]byte(nil), data...)
	}
	evt := &event.Specific{
		Count:      count,
		RawLength:  len(buf),
		Type:       ty,
		Persistent: persistent,
		ID:         id,
		Data:       buf,
	}
	l.atMu.Lock()
	if at, ok := l.active[taskID]; ok {
		at.Held = append(at.Held, HeldEvent{Target: target, Evt: evt})
	}
	l.atMu.Unlock()
}

// TaskCompleted releases the task's held events in enqueue order and
// drops its snapshot. A task already reported failed is refused: its
// replacement owns the lifecycle now.
func (l *Ledger) TaskCompleted(threadID uint64, taskID uint64) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	if _, failed := l.failed[taskID]; failed {
		l.log.Info("task attempted to complete after being reported failed and resubmitted",
			zap.Uint64("task_id", taskID))
		return
	}
	l.completed[taskID] = struct{}{}

	l.idMu.Lock()
	q := l.threadToTask[threadID]
	if len(q) > 0 {
		l.threadToTask[threadID] = q[1:]
	}
	l.idMu.Unlock()

	l.releaseHeldEvents(taskID)

	l.atMu.Lock()
	delete(l.active, taskID)
	l.atMu.Unlock()

	if l.process != nil {
		l.process.RecordTaskCompleted(taskID)
	}
}

// releaseHeldEvents forwards the task's held events to messaging.
func (l *Ledger) releaseHeldEvents(taskID uint64) {
	l.atMu.Lock()
	at := l.active[taskID]
	var held []HeldEvent
	if at != nil {
		held = at.Held
		at.Held = nil
	}
	l.atMu.Unlock()
	l.sinkMu.Lock()
	sink := l.sink
	l.sinkMu.Unlock()
	if sink == nil {
		return
	}
	for _, h := range held {
		sink.ForwardHeld(h.Evt, h.Target)
	}
}

// TaskFailed handles a worker failure: the task is marked failed, its
// held events are purged and a fresh task is synthesized from the
// snapshot and resubmitted under a new id. A no-op when the task already
// completed.
func (l *Ledger) TaskFailed(taskID uint64) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	if _, done := l.completed[taskID]; done {
		l.log.Info("task reported failed but already completed", zap.Uint64("task_id", taskID))
		return
	}
	l.failed[taskID] = struct{}{}
	l.log.Warn("task reported failed; purging held events", zap.Uint64("task_id", taskID))

	l.atMu.Lock()
	at := l.active[taskID]
	delete(l.active, taskID)
	l.atMu.Unlock()
	if at == nil {
		l.log.Warn("failed task has no snapshot", zap.Uint64("task_id", taskID))
		return
	}
	at.Held = nil

	replacement := at.Snapshot.Clone()
	replacement.RefreshID()
	l.log.Info("task rescheduled", zap.Uint64("failed_task_id", taskID), zap.Uint64("new_task_id", replacement.TaskID))
	l.sched.ReadyToRunTask(replacement)
}

// ThreadFailed resolves the task on a failed thread and fails it.
func (l *Ledger) ThreadFailed(threadID uint64) {
	taskID := l.CurrentTask(threadID)
	if taskID == 0 {
		l.log.Warn("thread failure with no active task", zap.Uint64("thread_id", threadID))
		return
	}
	l.idMu.Lock()
	q := l.threadToTask[threadID]
	if len(q) > 0 {
		l.threadToTask[threadID] = q[:len(q)-1]
	}
	l.idMu.Unlock()
	l.TaskFailed(taskID)
}

// TaskScheduled persists a newly registered task (level 2).
func (l *Ledger) TaskScheduled(t *scheduler.PendingTask) {
	if l.process != nil {
		l.process.RecordTaskScheduled(t)
	}
}

// AddEvent persists an event entering the scheduler (level 2). Always
// reports the event should proceed.
func (l *Ledger) AddEvent(e *event.Specific) bool {
	if l.process != nil {
		l.process.RecordEvent(e)
	}
	return true
}

// MoveEventToTask persists the binding of a stored event to a task
// (level 2).
func (l *Ledger) MoveEventToTask(k event.Key, taskID uint64) {
	if l.process != nil {
		l.process.RecordEventMoved(k, taskID)
	}
}

// Finished reports whether the ledger holds no active tasks.
func (l *Ledger) Finished() bool {
	l.atMu.Lock()
	defer l.atMu.Unlock()
	return len(l.active) == 0
}

// Close flushes the persisted ledger, if any.
func (l *Ledger) Close() error {
	if l.process != nil {
		return l.process.Close()
	}
	return nil
}
