// Package edat is the public surface of the event-driven asynchronous
// tasking runtime: one Runtime per rank, created over a transport
// endpoint, carrying the scheduler, worker pool, messaging core and
// resilience ledger through a single init/finalise lifecycle.
package edat

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/config"
	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/messaging"
	"github.com/severinstrobl/edat/pkg/observability"
	"github.com/severinstrobl/edat/pkg/pool"
	"github.com/severinstrobl/edat/pkg/region"
	"github.com/severinstrobl/edat/pkg/resilience"
	"github.com/severinstrobl/edat/pkg/scheduler"
	"github.com/severinstrobl/edat/pkg/transport"
)

// Event and type tags re-exported for application code.
type (
	Event = event.Event
	Type  = event.Type
)

const (
	NoType  = event.NoType
	Int     = event.Int
	Float   = event.Float
	Double  = event.Double
	Byte    = event.Byte
	Address = event.Address
	Long    = event.Long

	// Rank sentinels.
	All  = event.All
	Any  = event.Any
	Self = event.Self
)

// Dependency names one awaited event: an id plus the source rank it must
// come from (Any for a wildcard, All to expand to every rank).
type Dependency struct {
	Rank int
	ID   string
}

// Dep is shorthand for building a Dependency.
func Dep(rank int, id string) Dependency { return Dependency{Rank: rank, ID: id} }

// TaskFn is a task body. Events arrive in declared dependency order; the
// context fires further events, waits for more dependencies or polls for
// them without blocking.
type TaskFn func(tc *TaskContext, events []Event)

// InitOptions tune Runtime construction.
type InitOptions struct {
	// Bridge is the optional global communicator probed alongside the
	// primary one when EDAT_ENABLE_BRIDGE is set.
	Bridge transport.Endpoint
	// ConfigPath points at an optional YAML configuration file.
	ConfigPath string
	// Overrides are programmatic configuration entries, keyed like the
	// environment variables (with or without the EDAT_ prefix).
	Overrides map[string]string
	// Logger, when set, is used instead of building one from the
	// configuration. Useful when several ranks share a process.
	Logger *zap.Logger
}

// Runtime is one rank's instance of the tasking runtime.
type Runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	regions *region.Manager
	pool    *pool.Pool
	sched   *scheduler.Scheduler
	msg     *messaging.Messaging
	ledger  *resilience.Ledger

	mainCounter int
}

// Init brings up the runtime over a transport endpoint and synchronises
// with the other ranks.
func Init(ep transport.Endpoint, opts InitOptions) (*Runtime, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Overrides)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		// SetupLogger bakes the rank into the logger and its file sinks.
		log, err = observability.SetupLogger(cfg.Log, ep.Rank())
		if err != nil {
			return nil, fmt.Errorf("edat: logger setup: %w", err)
		}
	} else {
		log = log.With(zap.Int("rank", ep.Rank()))
	}
	rt := &Runtime{cfg: cfg, log: log}
	rt.regions = region.NewManager()
	rt.pool = pool.New(pool.Config{
		Workers:          cfg.NumThreads,
		MainThreadWorker: cfg.MainThreadWorker,
		ProgressThread:   cfg.ProgressThread,
	}, rt.log)
	rt.sched = scheduler.New(rt.pool, rt.regions, rt.log)
	rt.msg = messaging.New(ep, opts.Bridge, rt.sched, rt.regions, cfg, rt.pool.IsIdle, rt.log)

	if cfg.Resilience > 0 {
		var proc *resilience.ProcessLedger
		if cfg.Resilience == 2 {
			proc, err = resilience.NewProcessLedger(cfg.LedgerDir, ep.Rank(), rt.log)
			if err != nil {
				return nil, err
			}
		}
		rt.ledger = resilience.NewLedger(cfg.Resilience, rt.sched, proc, rt.log)
		rt.ledger.SetSink(rt.msg)
		rt.sched.SetResilience(rt.ledger, cfg.Resilience)
		rt.pool.SetPanicHandler(func(workerID int, threadID, taskID uint64, recovered any) {
			rt.ledger.ThreadFailed(threadID)
		})
		if ep.Rank() == 0 {
			rt.log.Info("resilience active", zap.Int("level", cfg.Resilience))
		}
	}

	rt.pool.SetProgress(rt.msg)
	rt.msg.StartProgressThread()
	if err := ep.Barrier(); err != nil {
		return nil, fmt.Errorf("edat: startup barrier: %w", err)
	}
	rt.log.Info("runtime initialised",
		zap.Int("ranks", ep.Size()),
		zap.Int("workers", cfg.NumThreads),
		zap.Bool("main_thread_worker", cfg.MainThreadWorker))
	return rt, nil
}

// Rank returns this process's rank.
func (rt *Runtime) Rank() int { return rt.msg.Rank() }

// NumRanks returns the job size.
func (rt *Runtime) NumRanks() int { return rt.msg.NumRanks() }

// NumWorkers returns the worker count.
func (rt *Runtime) NumWorkers() int { return rt.pool.NumWorkers() }

// expandDependencies resolves All-sentinel sources to one dependency per
// rank and converts to scheduler keys.
func (rt *Runtime) expandDependencies(deps []Dependency) []event.Key {
	var keys []event.Key
	for _, d := range deps {
		if d.Rank == All {
			for r := 0; r < rt.NumRanks(); r++ {
				keys = append(keys, event.Key{ID: d.ID, Rank: r})
			}
			continue
		}
		rank := d.Rank
		if rank == Self {
			rank = rt.Rank()
		}
		keys = append(keys, event.Key{ID: d.ID, Rank: rank})
	}
	return keys
}

// wrap adapts a task body to the scheduler's calling convention.
func (rt *Runtime) wrap(fn TaskFn) scheduler.TaskFunc {
	return func(exec pool.ExecCtx, events []event.Event) {
		fn(&TaskContext{rt: rt, exec: exec}, events)
	}
}

// ScheduleTask registers an anonymous transient task.
func (rt *Runtime) ScheduleTask(fn TaskFn, deps ...Dependency) {
	rt.sched.RegisterTask(rt.wrap(fn), "", rt.expandDependencies(deps), false)
}

// ScheduleNamedTask registers a transient task addressable by name.
func (rt *Runtime) ScheduleNamedTask(fn TaskFn, name string, deps ...Dependency) {
	rt.sched.RegisterTask(rt.wrap(fn), name, rt.expandDependencies(deps), false)
}

// SchedulePersistentTask registers a task that re-arms after each
// dispatch.
func (rt *Runtime) SchedulePersistentTask(fn TaskFn, deps ...Dependency) {
	rt.sched.RegisterTask(rt.wrap(fn), "", rt.expandDependencies(deps), true)
}

// SchedulePersistentNamedTask registers a named persistent task.
func (rt *Runtime) SchedulePersistentNamedTask(fn TaskFn, name string, deps ...Dependency) {
	rt.sched.RegisterTask(rt.wrap(fn), name, rt.expandDependencies(deps), true)
}

// IsTaskScheduled reports whether a named task is currently registered.
func (rt *Runtime) IsTaskScheduled(name string) bool { return rt.sched.IsTaskScheduled(name) }

// DescheduleTask removes a named task; false when the name is unknown.
func (rt *Runtime) DescheduleTask(name string) bool { return rt.sched.DescheduleTask(name) }

// FireEvent fires a transient event from the main thread; main-thread
// fires bypass the resilience ledger.
func (rt *Runtime) FireEvent(data []byte, ty Type, count, target int, id string) error {
	return rt.msg.FireEvent(data, count, ty, target, false, id)
}

// FirePersistentEvent fires an event that satisfies arbitrarily many
// dependencies.
func (rt *Runtime) FirePersistentEvent(data []byte, ty Type, count, target int, id string) error {
	return rt.msg.FireEvent(data, count, ty, target, true, id)
}

// Wait parks the main thread until the dependencies are satisfied and
// returns their payloads in declared order.
func (rt *Runtime) Wait(deps ...Dependency) []Event {
	return rt.sched.PauseTask(nil, rt.expandDependencies(deps))
}

// FindEvent polls for already-arrived events matching the dependencies
// without blocking; the result may be empty.
func (rt *Runtime) FindEvent(deps ...Dependency) []Event {
	return rt.sched.RetrieveAnyMatchingEvents(rt.expandDependencies(deps))
}

// DefineContext registers a process-local context type of the given byte
// size and returns its type tag.
func (rt *Runtime) DefineContext(size int) Type { return rt.regions.DefineType(size) }

// CreateContext allocates a context block, returning the block and the
// arena index used to fire it.
func (rt *Runtime) CreateContext(ty Type) ([]byte, uint64, error) { return rt.regions.Create(ty) }

// FireContext fires a context event carrying the arena index; only local
// targets are valid.
func (rt *Runtime) FireContext(idx uint64, ty Type, target int, id string) error {
	return rt.msg.FireEvent(event.EncodeContextIndex(idx), 1, ty, target, false, id)
}

// NotifyWorkerFailure declares the task currently running on a worker
// failed, triggering the resilience rescue path.
func (rt *Runtime) NotifyWorkerFailure(workerID int) error {
	if rt.ledger == nil {
		return fmt.Errorf("edat: resilience is not enabled")
	}
	taskID := rt.pool.CurrentTask(workerID)
	if taskID == 0 {
		return fmt.Errorf("edat: no task running on worker %d", workerID)
	}
	rt.ledger.TaskFailed(taskID)
	return nil
}

// PauseMainThread parks the main thread until the worker pool drains,
// donating it as a worker when configured to.
func (rt *Runtime) PauseMainThread() {
	rt.pool.ServeMainUntil(func() bool {
		rt.pollIfUnthreaded()
		return rt.pool.IsIdle()
	})
}

// Restart resets scheduler and messaging state so the job can run
// another phase after a finalise decision.
func (rt *Runtime) Restart() error {
	rt.sched.Reset()
	rt.pool.ResetPolling()
	rt.msg.ResetPolling()
	return nil
}

// pollIfUnthreaded keeps the polling loop moving from the main thread
// when no dedicated progress thread exists.
func (rt *Runtime) pollIfUnthreaded() {
	if !rt.cfg.ProgressThread {
		rt.msg.Poll(&rt.mainCounter)
	}
}

// Finalise arms the termination protocol and blocks until the job is
// collectively quiescent, parking the main thread as a worker when
// configured to. It then tears the runtime down.
func (rt *Runtime) Finalise() error {
	rt.msg.EnableTermination()
	stop := func() bool {
		rt.pollIfUnthreaded()
		return rt.msg.Terminated() && rt.pool.IsIdle() && rt.sched.IsFinished()
	}
	if rt.cfg.MainThreadWorker {
		rt.pool.ServeMainUntil(stop)
	} else {
		for !stop() {
			time.Sleep(100 * time.Microsecond)
		}
	}
	rt.pool.Close()
	if rt.ledger != nil {
		if err := rt.ledger.Close(); err != nil {
			rt.log.Error("ledger close failed", zap.Error(err))
		}
	}
	err := rt.msg.Finalise()
	rt.log.Info("runtime finalised")
	_ = rt.log.Sync()
	return err
}

// TaskContext is handed to every running task; it routes fires through
// the resilience ledger when the task is resilient.
type TaskContext struct {
	rt   *Runtime
	exec pool.ExecCtx
}

// Rank returns the local rank.
func (tc *TaskContext) Rank() int { return tc.rt.Rank() }

// NumRanks returns the job size.
func (tc *TaskContext) NumRanks() int { return tc.rt.NumRanks() }

// WorkerID returns the worker slot carrying this task.
func (tc *TaskContext) WorkerID() int { return tc.exec.WorkerID }

// FireEvent fires a transient event from inside a task. With resilience
// enabled the event is held by the ledger until the task completes.
func (tc *TaskContext) FireEvent(data []byte, ty Type, count, target int, id string) error {
	if tc.rt.ledger != nil {
		tc.rt.ledger.HoldFiredEvent(tc.exec.ThreadID, data, count, ty, target, false, id)
		return nil
	}
	return tc.rt.msg.FireEvent(data, count, ty, target, false, id)
}

// FirePersistentEvent fires a persistent event from inside a task.
func (tc *TaskContext) FirePersistentEvent(data []byte, ty Type, count, target int, id string) error {
	if tc.rt.ledger != nil {
		tc.rt.ledger.HoldFiredEvent(tc.exec.ThreadID, data, count, ty, target, true, id)
		return nil
	}
	return tc.rt.msg.FireEvent(data, count, ty, target, true, id)
}

// Wait pauses the task until the dependencies are satisfied, returning
// control of the worker to the pool meanwhile.
func (tc *TaskContext) Wait(deps ...Dependency) []Event {
	return tc.rt.sched.PauseTask(&tc.exec, tc.rt.expandDependencies(deps))
}

// FindEvent polls for matching events without pausing.
func (tc *TaskContext) FindEvent(deps ...Dependency) []Event {
	return tc.rt.sched.RetrieveAnyMatchingEvents(tc.rt.expandDependencies(deps))
}
