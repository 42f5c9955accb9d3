package scheduler

import (
	"sync/atomic"

	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/pool"
)

// TaskFunc is the executable body of a task. The exec context identifies
// the worker carrying the task; events arrive in declared dependency
// order.
type TaskFunc func(exec pool.ExecCtx, events []event.Event)

// task_id 0 is reserved to mean "no task".
var nextTaskID atomic.Uint64

func generateTaskID() uint64 { return nextTaskID.Add(1) }

// ResetTaskIDs advances the generator past an id recovered from a
// persisted ledger so new ids stay unique.
func ResetTaskIDs(old uint64) {
	for {
		cur := nextTaskID.Load()
		if cur >= old || nextTaskID.CompareAndSwap(cur, old) {
			return
		}
	}
}

// depCount is one slot of a dependency multiset.
type depCount struct {
	Key   event.Key
	Count int
}

// depList is an ordered dependency multiset. Lookups honour the wildcard
// rank; entries are kept in key order for deterministic iteration.
type depList struct {
	entries []depCount
}

func (d *depList) find(k event.Key) int {
	for i := range d.entries {
		if d.entries[i].Key.Matches(k) {
			return i
		}
	}
	return -1
}

func (d *depList) inc(k event.Key) {
	if i := d.find(k); i >= 0 {
		d.entries[i].Count++
		return
	}
	at := len(d.entries)
	for i := range d.entries {
		if k.Less(d.entries[i].Key) {
			at = i
			break
		}
	}
	d.entries = append(d.entries, depCount{})
	copy(d.entries[at+1:], d.entries[at:])
	d.entries[at] = depCount{Key: k, Count: 1}
}

// dec decrements the slot matching k, removing it when it reaches zero.
// Reports whether a slot was found.
func (d *depList) dec(k event.Key) bool {
	i := d.find(k)
	if i < 0 {
		return false
	}
	d.entries[i].Count--
	if d.entries[i].Count <= 0 {
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
	}
	return true
}

func (d *depList) empty() bool { return len(d.entries) == 0 }

func (d *depList) total() int {
	n := 0
	for i := range d.entries {
		n += d.entries[i].Count
	}
	return n
}

func (d *depList) clone() depList {
	return depList{entries: append([]depCount(nil), d.entries...)}
}

// evQueue is an ordered map from dependency key to a FIFO of events.
type evQueue struct {
	entries []evEntry
}

type evEntry struct {
	Key event.Key
	Q   []*event.Specific
}

func (m *evQueue) find(k event.Key) int {
	for i := range m.entries {
		if m.entries[i].Key.Matches(k) {
			return i
		}
	}
	return -1
}

func (m *evQueue) push(k event.Key, e *event.Specific) {
	if i := m.find(k); i >= 0 {
		m.entries[i].Q = append(m.entries[i].Q, e)
		return
	}
	at := len(m.entries)
	for i := range m.entries {
		if k.Less(m.entries[i].Key) {
			at = i
			break
		}
	}
	m.entries = append(m.entries, evEntry{})
	copy(m.entries[at+1:], m.entries[at:])
	m.entries[at] = evEntry{Key: k, Q: []*event.Specific{e}}
}

// popFront removes and returns the head of the queue matching k, pruning
// the entry once drained. Returns nil when nothing matches.
func (m *evQueue) popFront(k event.Key) *event.Specific {
	i := m.find(k)
	if i < 0 || len(m.entries[i].Q) == 0 {
		return nil
	}
	e := m.entries[i].Q[0]
	m.entries[i].Q = m.entries[i].Q[1:]
	if len(m.entries[i].Q) == 0 {
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}
	return e
}

func (m *evQueue) clear() { m.entries = nil }

func (m *evQueue) clone() evQueue {
	out := evQueue{entries: make([]evEntry, len(m.entries))}
	for i := range m.entries {
		q := make([]*event.Specific, len(m.entries[i].Q))
		for j, e := range m.entries[i].Q {
			q[j] = e.Copy()
		}
		out.entries[i] = evEntry{Key: m.entries[i].Key, Q: q}
	}
	return out
}

// PendingTask is a registered, not-yet-runnable task.
type PendingTask struct {
	TaskID     uint64
	Fn         TaskFunc
	Name       string
	Persistent bool
	FreeData   bool
	Resilient  int

	// DependencyOrder preserves the declared order, which is the payload
	// order the task observes.
	DependencyOrder []event.Key
	// OriginalDependencies is the re-arm template for persistent tasks.
	OriginalDependencies depList
	// OutstandingDependencies is the multiset still awaited.
	OutstandingDependencies depList
	ArrivedEvents           evQueue
	NumArrivedEvents        int
}

// NewPendingTask allocates a pending task with a fresh id.
func NewPendingTask() *PendingTask {
	return &PendingTask{TaskID: generateTaskID()}
}

// Clone deep-copies the task for execution; arrived events are copied so
// the re-armed template and the executing snapshot own separate payloads.
// The clone keeps the task id; re-arming assigns the template a new one.
func (t *PendingTask) Clone() *PendingTask {
	c := &PendingTask{
		TaskID:                  t.TaskID,
		Fn:                      t.Fn,
		Name:                    t.Name,
		Persistent:              t.Persistent,
		FreeData:                t.FreeData,
		Resilient:               t.Resilient,
		DependencyOrder:         append([]event.Key(nil), t.DependencyOrder...),
		OriginalDependencies:    t.OriginalDependencies.clone(),
		OutstandingDependencies: t.OutstandingDependencies.clone(),
		ArrivedEvents:           t.ArrivedEvents.clone(),
		NumArrivedEvents:        t.NumArrivedEvents,
	}
	return c
}

// Rearm restores the template after dispatching a persistent clone.
func (t *PendingTask) Rearm() {
	t.OutstandingDependencies = t.OriginalDependencies.clone()
	t.ArrivedEvents.clear()
	t.NumArrivedEvents = 0
	t.TaskID = generateTaskID()
}

// DependencySlot is one exported slot of a dependency multiset, used by
// the resilience ledger when persisting task state.
type DependencySlot struct {
	Key   event.Key
	Count int
}

// OutstandingSlots snapshots the still-awaited dependency multiset.
func (t *PendingTask) OutstandingSlots() []DependencySlot {
	return slotsOf(&t.OutstandingDependencies)
}

// OriginalSlots snapshots the re-arm template multiset.
func (t *PendingTask) OriginalSlots() []DependencySlot {
	return slotsOf(&t.OriginalDependencies)
}

func slotsOf(d *depList) []DependencySlot {
	out := make([]DependencySlot, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, DependencySlot{Key: e.Key, Count: e.Count})
	}
	return out
}

// RestorePendingTask rebuilds a descriptor from persisted state; the
// function body cannot be recovered from disk and stays nil until
// re-bound by the application.
func RestorePendingTask(taskID uint64, name string, freeData, persistent bool, resilient int,
	numArrived int, outstanding []DependencySlot, order []event.Key, original []DependencySlot) *PendingTask {
	t := &PendingTask{
		TaskID:           taskID,
		Name:             name,
		FreeData:         freeData,
		Persistent:       persistent,
		Resilient:        resilient,
		NumArrivedEvents: numArrived,
		DependencyOrder:  append([]event.Key(nil), order...),
	}
	for _, s := range outstanding {
		for i := 0; i < s.Count; i++ {
			t.OutstandingDependencies.inc(s.Key)
		}
	}
	for _, s := range original {
		for i := 0; i < s.Count; i++ {
			t.OriginalDependencies.inc(s.Key)
		}
	}
	return t
}

// RefreshID assigns a fresh task id; used when a failed task is
// resubmitted as a new task.
func (t *PendingTask) RefreshID() { t.TaskID = generateTaskID() }

// PausedTask is a task parked mid-execution awaiting further events. It
// has no re-arm template.
type PausedTask struct {
	TaskID                  uint64
	DependencyOrder         []event.Key
	OutstandingDependencies depList
	ArrivedEvents           evQueue
	NumArrivedEvents        int
}

// NewPausedTask allocates a paused descriptor with a fresh id.
func NewPausedTask() *PausedTask {
	return &PausedTask{TaskID: generateTaskID()}
}

// taskState is the dependency-tracking substructure shared by pending and
// paused descriptors, expressed as accessors rather than inheritance.
type taskState interface {
	id() uint64
	outstanding() *depList
	arrived() *evQueue
	order() []event.Key
	bumpArrived()
}

func (t *PendingTask) id() uint64            { return t.TaskID }
func (t *PendingTask) outstanding() *depList { return &t.OutstandingDependencies }
func (t *PendingTask) arrived() *evQueue     { return &t.ArrivedEvents }
func (t *PendingTask) order() []event.Key    { return t.DependencyOrder }
func (t *PendingTask) bumpArrived()          { t.NumArrivedEvents++ }

func (t *PausedTask) id() uint64            { return t.TaskID }
func (t *PausedTask) outstanding() *depList { return &t.OutstandingDependencies }
func (t *PausedTask) arrived() *evQueue     { return &t.ArrivedEvents }
func (t *PausedTask) order() []event.Key    { return t.DependencyOrder }
func (t *PausedTask) bumpArrived()          { t.NumArrivedEvents++ }
