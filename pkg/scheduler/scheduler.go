// Package scheduler matches incoming events against registered tasks,
// stores unmatched events per dependency key, and hands ready tasks to
// the worker pool.
package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/edaterr"
	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/pool"
	"github.com/severinstrobl/edat/pkg/region"
)

// ResilienceHooks is implemented by the resilience ledger. TaskRunning,
// TaskCompleted and Finished are active from level 1; the remaining hooks
// persist scheduler state at level 2.
type ResilienceHooks interface {
	TaskRunning(threadID uint64, t *PendingTask)
	TaskCompleted(threadID uint64, taskID uint64)
	TaskScheduled(t *PendingTask)
	AddEvent(e *event.Specific) bool
	MoveEventToTask(k event.Key, taskID uint64)
	Finished() bool
}

// storedEvt stamps stored events with a monotonic sequence so wildcard
// lookups can find the oldest event on an id regardless of source rank.
type storedEvt struct {
	e   *event.Specific
	seq uint64
}

type storeEntry struct {
	Key event.Key
	Q   []storedEvt
}

// eventStore is the outstanding-event store: unmatched events rest here
// until a task consumes them.
type eventStore struct {
	entries []storeEntry
	nextSeq uint64
}

func (s *eventStore) push(e *event.Specific) {
	s.nextSeq++
	se := storedEvt{e: e, seq: s.nextSeq}
	k := e.Key()
	for i := range s.entries {
		if s.entries[i].Key.Matches(k) {
			s.entries[i].Q = append(s.entries[i].Q, se)
			return
		}
	}
	at := len(s.entries)
	for i := range s.entries {
		if k.Less(s.entries[i].Key) {
			at = i
			break
		}
	}
	s.entries = append(s.entries, storeEntry{})
	copy(s.entries[at+1:], s.entries[at:])
	s.entries[at] = storeEntry{Key: k, Q: []storedEvt{se}}
}

// findOldest returns the index of the entry matching k whose head event
// arrived first, or -1. With a concrete rank at most one entry matches;
// with a wildcard the oldest head across sources wins.
func (s *eventStore) findOldest(k event.Key) int {
	best := -1
	for i := range s.entries {
		if !s.entries[i].Key.Matches(k) || len(s.entries[i].Q) == 0 {
			continue
		}
		if best < 0 || s.entries[i].Q[0].seq < s.entries[best].Q[0].seq {
			best = i
		}
	}
	return best
}

func (s *eventStore) headAt(i int) *event.Specific { return s.entries[i].Q[0].e }

func (s *eventStore) popAt(i int) *event.Specific {
	e := s.entries[i].Q[0].e
	s.entries[i].Q = s.entries[i].Q[1:]
	if len(s.entries[i].Q) == 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
	return e
}

func (s *eventStore) clear() { s.entries = nil }

// Scheduler owns all task and event state. A single coarse mutex guards
// every transition; pool calls are made only after releasing it.
type Scheduler struct {
	mu   sync.Mutex
	pool *pool.Pool
	reg  *region.Manager
	log  *zap.Logger

	registered []*PendingTask
	paused     []*PausedTask
	store      eventStore

	// outstandingEventsToHandle tracks stored non-persistent events for
	// local quiescence testing.
	outstandingEventsToHandle int

	hooks           ResilienceHooks
	resilienceLevel int
}

// New builds the scheduler over a worker pool and context-region manager.
func New(p *pool.Pool, reg *region.Manager, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{pool: p, reg: reg, log: log.With(zap.String("component", "scheduler"))}
}

// SetResilience wires the ledger hooks. Level 0 disables them.
func (s *Scheduler) SetResilience(hooks ResilienceHooks, level int) {
	s.mu.Lock()
	s.hooks = hooks
	s.resilienceLevel = level
	s.mu.Unlock()
}

// RegisterTask builds a pending task over the declared dependencies,
// consuming any already-stored events. If everything is satisfied the
// task is dispatched immediately; persistent tasks dispatch a clone and
// re-arm the stored template.
func (s *Scheduler) RegisterTask(fn TaskFunc, name string, deps []event.Key, persistent bool) {
	s.mu.Lock()
	t := NewPendingTask()
	t.Fn = fn
	t.Name = name
	t.FreeData = true
	t.Persistent = persistent
	for _, k := range deps {
		t.DependencyOrder = append(t.DependencyOrder, k)
		t.OriginalDependencies.inc(k)
		if !s.satisfyFromStoreLocked(t, k) {
			t.OutstandingDependencies.inc(k)
		}
	}

	if s.resilienceLevel == 2 && s.hooks != nil {
		s.hooks.TaskScheduled(t)
	}

	if t.OutstandingDependencies.empty() {
		execTask := t
		if persistent {
			execTask = t.Clone()
			t.Rearm()
			s.registered = append(s.registered, t)
			if s.resilienceLevel == 2 && s.hooks != nil {
				s.hooks.TaskScheduled(t)
			}
		}
		s.mu.Unlock()
		s.ReadyToRunTask(execTask)
		s.consumeEventsByPersistentTasks()
		return
	}
	s.registered = append(s.registered, t)
	s.mu.Unlock()
}

// ResubmitTask re-enters a recovered task into the registered list
// without rebuilding or dispatching it.
func (s *Scheduler) ResubmitTask(t *PendingTask) {
	s.mu.Lock()
	s.registered = append(s.registered, t)
	s.mu.Unlock()
}

// satisfyFromStoreLocked consumes one stored event for dependency k into
// the task, if present. Persistent events are copied and left in place.
func (s *Scheduler) satisfyFromStoreLocked(t taskState, k event.Key) bool {
	i := s.store.findOldest(k)
	if i < 0 {
		return false
	}
	t.bumpArrived()
	var ev *event.Specific
	if s.store.headAt(i).Persistent {
		ev = s.store.headAt(i).Copy()
	} else {
		ev = s.store.popAt(i)
		s.outstandingEventsToHandle--
	}
	t.arrived().push(k, ev)
	return true
}

// RegisterEvent matches an event against pending tasks first, paused
// tasks second, dispatching or resuming any task it completes. A
// persistent event keeps matching until no task wants it; events that
// match nothing are stored.
func (s *Scheduler) RegisterEvent(e *event.Specific) {
	s.mu.Lock()
	locked := true
	if s.resilienceLevel == 2 && s.hooks != nil {
		if !s.hooks.AddEvent(e) {
			s.mu.Unlock()
			return
		}
	}
	target, idx, kind := s.findTaskMatchingEventAndUpdateLocked(e)
	firstIt := true

	for target != nil && (e.Persistent || firstIt) {
		switch kind {
		case matchPending:
			pt := target.(*PendingTask)
			if pt.OutstandingDependencies.empty() {
				var execTask *PendingTask
				if !pt.Persistent {
					s.registered = append(s.registered[:idx], s.registered[idx+1:]...)
					execTask = pt
				} else {
					execTask = pt.Clone()
					pt.Rearm()
					if s.resilienceLevel == 2 && s.hooks != nil {
						s.hooks.TaskScheduled(pt)
					}
				}
				s.mu.Unlock()
				locked = false
				s.ReadyToRunTask(execTask)
				s.consumeEventsByPersistentTasks()
			}
		case matchPaused:
			pt := target.(*PausedTask)
			if pt.OutstandingDependencies.empty() {
				s.paused = append(s.paused[:idx], s.paused[idx+1:]...)
				s.mu.Unlock()
				locked = false
				s.pool.MarkThreadResume(pt)
			}
		}
		if e.Persistent {
			if !locked {
				s.mu.Lock()
				locked = true
			}
			// A persistent event keeps consuming matching tasks.
			target, idx, kind = s.findTaskMatchingEventAndUpdateLocked(e)
		} else {
			// The event has been consumed; no further iterations.
			firstIt = false
		}
	}

	if target == nil {
		// Always reached for persistent events, which consume matching
		// tasks above until none remain; reached for non-persistent
		// events only when nothing matched.
		if !locked {
			s.mu.Lock()
			locked = true
		}
		s.store.push(e)
		if !e.Persistent {
			s.outstandingEventsToHandle++
		}
	}
	if locked {
		s.mu.Unlock()
	}
}

// RegisterEvents delivers a batch in arrival order.
func (s *Scheduler) RegisterEvents(evts []*event.Specific) {
	for _, e := range evts {
		s.RegisterEvent(e)
	}
}

type matchKind int

const (
	matchNone matchKind = iota
	matchPending
	matchPaused
)

// findTaskMatchingEventAndUpdateLocked finds the first task awaiting this
// event, moves the event into its arrived set and returns the task with
// its list index. Pending tasks have priority over paused ones.
func (s *Scheduler) findTaskMatchingEventAndUpdateLocked(e *event.Specific) (taskState, int, matchKind) {
	k := e.Key()
	for i, t := range s.registered {
		if t.OutstandingDependencies.find(k) >= 0 {
			s.updateMatchingEventLocked(t, k, e)
			return t, i, matchPending
		}
	}
	for i, t := range s.paused {
		if t.OutstandingDependencies.find(k) >= 0 {
			s.updateMatchingEventLocked(t, k, e)
			return t, i, matchPaused
		}
	}
	return nil, -1, matchNone
}

// updateMatchingEventLocked moves a matched event from outstanding to
// arrived on the task. Persistent events are copied, leaving the
// original with the caller.
func (s *Scheduler) updateMatchingEventLocked(t taskState, k event.Key, e *event.Specific) {
	t.bumpArrived()
	t.outstanding().dec(k)
	toAdd := e
	if e.Persistent {
		toAdd = e.Copy()
		if s.resilienceLevel == 2 && s.hooks != nil {
			s.hooks.AddEvent(toAdd)
		}
	}
	t.arrived().push(k, toAdd)
	if s.resilienceLevel == 2 && s.hooks != nil {
		s.hooks.MoveEventToTask(k, t.id())
	}
}

// consumeEventsByPersistentTasks sweeps persistent tasks against the
// outstanding store until no further progress is made: dispatching one
// task can unlock consumption by another. Dispatching happens with the
// mutex released.
func (s *Scheduler) consumeEventsByPersistentTasks() {
	for {
		s.mu.Lock()
		toDispatch := s.sweepPersistentTasksLocked()
		s.mu.Unlock()
		if len(toDispatch) == 0 {
			return
		}
		for _, t := range toDispatch {
			s.ReadyToRunTask(t)
		}
	}
}

// sweepPersistentTasksLocked drains as many stored events as possible
// into every persistent task and returns the execution clones of tasks
// whose dependencies filled, re-arming each template.
func (s *Scheduler) sweepPersistentTasksLocked() []*PendingTask {
	var toDispatch []*PendingTask
	for _, t := range s.registered {
		if !t.Persistent {
			continue
		}
		for _, dep := range append([]depCount(nil), t.OutstandingDependencies.entries...) {
			for n := 0; n < dep.Count; n++ {
				if !s.satisfyFromStoreLocked(t, dep.Key) {
					break
				}
				t.OutstandingDependencies.dec(dep.Key)
			}
		}
		if t.OutstandingDependencies.empty() {
			execTask := t.Clone()
			t.Rearm()
			if s.resilienceLevel == 2 && s.hooks != nil {
				s.hooks.TaskScheduled(t)
			}
			toDispatch = append(toDispatch, execTask)
		}
	}
	return toDispatch
}

// PauseTask parks the calling task until the given dependencies are
// satisfied and returns their payloads in declared order. A nil exec
// context pauses the main thread.
func (s *Scheduler) PauseTask(exec *pool.ExecCtx, deps []event.Key) []event.Event {
	s.mu.Lock()
	t := NewPausedTask()
	for _, k := range deps {
		t.DependencyOrder = append(t.DependencyOrder, k)
		if !s.satisfyFromStoreLocked(t, k) {
			t.OutstandingDependencies.inc(k)
		}
	}
	if t.OutstandingDependencies.empty() {
		payload := s.buildPayloadLocked(t)
		s.mu.Unlock()
		return payload
	}
	s.paused = append(s.paused, t)
	unlock := func() { s.mu.Unlock() }
	if exec == nil {
		s.pool.PauseMain(t, unlock)
	} else {
		s.pool.Pause(*exec, t, unlock)
	}
	// The resuming path removed the descriptor from the paused list
	// before signalling, so it is exclusively ours now.
	s.mu.Lock()
	payload := s.buildPayloadLocked(t)
	s.mu.Unlock()
	return payload
}

// RetrieveAnyMatchingEvents polls the outstanding store without blocking
// and returns whichever dependencies are already satisfiable.
func (s *Scheduler) RetrieveAnyMatchingEvents(deps []event.Key) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []*event.Specific
	for _, k := range deps {
		i := s.store.findOldest(k)
		if i < 0 {
			continue
		}
		if s.store.headAt(i).Persistent {
			found = append(found, s.store.headAt(i).Copy())
		} else {
			found = append(found, s.store.popAt(i))
			s.outstandingEventsToHandle--
		}
	}
	out := make([]event.Event, 0, len(found))
	for _, ev := range found {
		out = append(out, s.payloadFor(ev))
	}
	return out
}

// IsTaskScheduled reports whether a named task is registered.
func (s *Scheduler) IsTaskScheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locateByNameLocked(name) >= 0
}

// DescheduleTask removes a named task from the registered list. Returns
// false without side effects when the name is unknown.
func (s *Scheduler) DescheduleTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.locateByNameLocked(name)
	if i < 0 {
		return false
	}
	s.registered = append(s.registered[:i], s.registered[i+1:]...)
	return true
}

func (s *Scheduler) locateByNameLocked(name string) int {
	if name == "" {
		return -1
	}
	for i, t := range s.registered {
		if t.Name != "" && t.Name == name {
			return i
		}
	}
	return -1
}

// IsFinished is true iff no non-persistent task is registered, no
// non-persistent event is stored and the resilience ledger is drained.
func (s *Scheduler) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.registered {
		if !t.Persistent {
			return false
		}
	}
	if s.outstandingEventsToHandle != 0 {
		return false
	}
	if s.resilienceLevel > 0 && s.hooks != nil {
		return s.hooks.Finished()
	}
	return true
}

// ReadyToRunTask hands a fully-satisfied task to the pool. Never call
// with the scheduler mutex held.
func (s *Scheduler) ReadyToRunTask(t *PendingTask) {
	s.mu.Lock()
	t.Resilient = s.resilienceLevel
	hooks := s.hooks
	s.mu.Unlock()
	s.pool.StartTask(func(exec pool.ExecCtx) {
		s.runTask(exec, t, hooks)
	}, t.TaskID)
}

// runTask is the worker entry point: marshal the payload, invoke the task
// and record completion with the ledger when resilience is enabled.
func (s *Scheduler) runTask(exec pool.ExecCtx, t *PendingTask, hooks ResilienceHooks) {
	resilient := t.Resilient > 0 && hooks != nil
	if resilient {
		hooks.TaskRunning(exec.ThreadID, t)
	}
	s.mu.Lock()
	payload := s.buildPayloadLocked(t)
	s.mu.Unlock()
	t.Fn(exec, payload)
	if resilient {
		hooks.TaskCompleted(exec.ThreadID, t.TaskID)
	}
}

// buildPayloadLocked pops arrived events in declared dependency order and
// converts them into the payload array the task observes. Missing events
// at this point are an internal invariant violation.
func (s *Scheduler) buildPayloadLocked(t taskState) []event.Event {
	out := make([]event.Event, 0, len(t.order()))
	for _, k := range t.order() {
		ev := t.arrived().popFront(k)
		if ev == nil {
			edaterr.Fatalf("missing event for dependency key (%s, %d) when mapping task %d onto a worker", k.ID, k.Rank, t.id())
		}
		out = append(out, s.payloadFor(ev))
	}
	return out
}

// payloadFor converts an internal event to its delivered form; context
// events resolve their arena index to the region itself.
func (s *Scheduler) payloadFor(ev *event.Specific) event.Event {
	data := ev.Data
	if ev.Context {
		block, err := s.reg.Block(ev.ContextIndex())
		if err != nil {
			edaterr.Fatalf("context event %q references unknown region: %v", ev.ID, err)
		}
		data = block
	}
	numElements := ev.Count
	if ev.Type == event.NoType {
		numElements = 0
	}
	return event.Event{
		Data: data,
		Metadata: event.Metadata{
			Type:        ev.Type,
			NumElements: numElements,
			Source:      ev.SourceRank,
			EventID:     ev.ID,
		},
	}
}

// OutstandingEventCount exposes the non-persistent stored-event counter
// for quiescence checks and tests.
func (s *Scheduler) OutstandingEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingEventsToHandle
}

// Reset drops every registered task, paused task and stored event.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.registered = nil
	s.paused = nil
	s.store.clear()
	s.outstandingEventsToHandle = 0
	s.mu.Unlock()
}
