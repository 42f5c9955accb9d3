// Package pool implements the fixed worker set that executes ready tasks.
// Each worker owns an active thread package plus queues of paused, waiting
// and idle packages; pausing a task parks its package and installs a
// replacement so resume order and worker affinity are preserved.
package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config sizes the pool.
type Config struct {
	// Workers is the total worker count, including the main-thread
	// worker when MainThreadWorker is set.
	Workers int
	// MainThreadWorker reserves the last worker slot for the main
	// thread; the slot only becomes schedulable once the main thread
	// parks in ServeMainUntil.
	MainThreadWorker bool
	// ProgressThread indicates polling runs on a dedicated thread; when
	// false idle workers steal the polling loop.
	ProgressThread bool
}

// Progress is the polling loop the pool drives from idle workers when no
// dedicated progress thread exists. Poll performs one tick and returns
// false once the termination protocol has decided to stop.
type Progress interface {
	Poll(counter *int) bool
}

// PanicHandler receives recovered panics from task functions together
// with the failing task id and the worker it ran on.
type PanicHandler func(workerID int, threadID uint64, taskID uint64, recovered any)

// ExecCtx identifies the execution context of a running task: the worker
// slot and the thread package carrying the task. The thread id is stable
// across pauses, the worker may serve other packages meanwhile.
type ExecCtx struct {
	WorkerID int
	ThreadID uint64

	w  *worker
	tp *threadPackage
}

type command struct {
	fn     func(ExecCtx)
	taskID uint64
}

type wake struct {
	cmd *command // nil signals "drain the waiting queue"
}

type threadPackage struct {
	id     uint64
	wake   chan wake
	resume chan struct{}
}

type worker struct {
	idx       int
	available bool // eligible for dispatch
	busy      bool // executing, or has a paused task outstanding
	executing bool // the active package is inside a task right now
	currentID uint64

	active  *threadPackage
	paused  map[any]*threadPackage
	waiting []*threadPackage
	idle    []*threadPackage
}

// Pool is the worker set.
type Pool struct {
	cfg Config
	log *zap.Logger

	mu             sync.Mutex
	workers        []*worker
	queue          []*command
	pausedToWorker map[any]int
	nextIdleHint   int
	nextPackageID  uint64
	pollerIdx      int
	pollingStopped bool
	progress       Progress
	onPanic        PanicHandler

	mainPkg     *threadPackage
	mainServing bool

	done chan struct{}
}

const mainThreadSentinel = -1

// New creates the pool and launches the serving goroutines for every
// worker slot except the reserved main-thread slot.
func New(cfg Config, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		cfg:            cfg,
		log:            log.With(zap.String("component", "pool")),
		pausedToWorker: make(map[any]int),
		pollerIdx:      -1,
		done:           make(chan struct{}),
	}
	p.mainPkg = p.newPackage()
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{idx: i, available: true, paused: make(map[any]*threadPackage)}
		p.workers = append(p.workers, w)
	}
	for i, w := range p.workers {
		if cfg.MainThreadWorker && i == cfg.Workers-1 {
			// The main slot has no goroutine of its own; the main
			// thread serves it from ServeMainUntil.
			w.available = false
			continue
		}
		tp := p.newPackage()
		w.active = tp
		go p.serve(w, tp)
	}
	p.log.Debug("pool started", zap.Int("workers", cfg.Workers), zap.Bool("main_thread_worker", cfg.MainThreadWorker))
	return p
}

func (p *Pool) newPackage() *threadPackage {
	p.nextPackageID++
	return &threadPackage{id: p.nextPackageID, wake: make(chan wake, 16), resume: make(chan struct{}, 1)}
}

// SetProgress wires the polling loop stolen by idle workers.
func (p *Pool) SetProgress(pr Progress) {
	p.mu.Lock()
	p.progress = pr
	p.mu.Unlock()
}

// SetPanicHandler wires the resilience failure path for panicking tasks.
func (p *Pool) SetPanicHandler(h PanicHandler) {
	p.mu.Lock()
	p.onPanic = h
	p.mu.Unlock()
}

// NumWorkers returns the configured worker count.
func (p *Pool) NumWorkers() int { return p.cfg.Workers }

// StartTask dispatches fn to an idle worker, or queues it FIFO when every
// worker is busy. Must never be called while holding the scheduler mutex.
func (p *Pool) StartTask(fn func(ExecCtx), taskID uint64) {
	cmd := &command{fn: fn, taskID: taskID}
	p.mu.Lock()
	idx := p.idleWorkerLocked()
	if idx < 0 {
		p.queue = append(p.queue, cmd)
		p.mu.Unlock()
		return
	}
	w := p.workers[idx]
	w.busy = true
	w.currentID = taskID
	tp := w.active
	p.mu.Unlock()
	tp.wake <- wake{cmd: cmd}
}

// idleWorkerLocked applies the round-robin hint then falls back to a
// linear search.
func (p *Pool) idleWorkerLocked() int {
	n := len(p.workers)
	for i := 0; i < n; i++ {
		idx := (p.nextIdleHint + i) % n
		w := p.workers[idx]
		if w.available && !w.busy && w.active != nil {
			p.nextIdleHint = (idx + 1) % n
			return idx
		}
	}
	return -1
}

// serve is the body of a thread package goroutine.
func (p *Pool) serve(w *worker, tp *threadPackage) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-tp.wake:
			if msg.cmd != nil {
				p.runCommand(w, tp, msg.cmd)
				if !p.finishCycle(w, tp) {
					return
				}
			} else {
				p.handoffWaiting(w, tp)
			}
		}
	}
}

func (p *Pool) runCommand(w *worker, tp *threadPackage, cmd *command) {
	p.mu.Lock()
	w.executing = true
	w.currentID = cmd.taskID
	p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			h := p.onPanic
			p.mu.Unlock()
			p.log.Error("task panicked", zap.Uint64("task_id", cmd.taskID), zap.Int("worker", w.idx), zap.Any("panic", r))
			if h != nil {
				h(w.idx, tp.id, cmd.taskID, r)
			}
		}
		p.mu.Lock()
		w.executing = false
		p.mu.Unlock()
	}()
	cmd.fn(ExecCtx{WorkerID: w.idx, ThreadID: tp.id, w: w, tp: tp})
}

// finishCycle runs after a task completes: first drain the worker's
// waiting queue, then the global pending queue, then go idle (possibly
// stealing the progress poll). Returns false on pool shutdown.
func (p *Pool) finishCycle(w *worker, tp *threadPackage) bool {
	for {
		select {
		case <-p.done:
			return false
		default:
		}
		p.mu.Lock()
		if len(w.waiting) > 0 {
			next := w.waiting[0]
			w.waiting = w.waiting[1:]
			w.active = next
			w.executing = true
			w.idle = append(w.idle, tp)
			p.mu.Unlock()
			next.resume <- struct{}{}
			return true
		}
		if len(p.queue) > 0 {
			cmd := p.queue[0]
			p.queue = p.queue[1:]
			w.currentID = cmd.taskID
			p.mu.Unlock()
			p.runCommand(w, tp, cmd)
			continue
		}
		w.busy = false
		w.currentID = 0
		steal := p.progress != nil && !p.cfg.ProgressThread && p.pollerIdx < 0 && !p.pollingStopped
		if steal {
			p.pollerIdx = w.idx
		}
		p.mu.Unlock()
		if steal {
			p.stealPolling(w)
		}
		return true
	}
}

// handoffWaiting reacts to a resume signal received while parked: the
// oldest waiting package takes over the worker and continues its task.
func (p *Pool) handoffWaiting(w *worker, tp *threadPackage) {
	p.mu.Lock()
	if w.active != tp || w.executing || len(w.waiting) == 0 {
		p.mu.Unlock()
		return
	}
	next := w.waiting[0]
	w.waiting = w.waiting[1:]
	w.active = next
	w.executing = true
	w.idle = append(w.idle, tp)
	p.mu.Unlock()
	next.resume <- struct{}{}
}

// stealPolling runs the transport progress loop on an idle worker until a
// task is dispatched to it or polling terminates.
func (p *Pool) stealPolling(w *worker) {
	p.log.Debug("idle worker stealing progress poll", zap.Int("worker", w.idx))
	counter := 0
	for {
		select {
		case <-p.done:
			p.clearPoller(w, false)
			return
		default:
		}
		p.mu.Lock()
		assigned := w.busy
		pr := p.progress
		p.mu.Unlock()
		if assigned || pr == nil {
			p.clearPoller(w, false)
			return
		}
		if !pr.Poll(&counter) {
			p.clearPoller(w, true)
			return
		}
	}
}

func (p *Pool) clearPoller(w *worker, stopped bool) {
	p.mu.Lock()
	if p.pollerIdx == w.idx {
		p.pollerIdx = -1
	}
	if stopped {
		p.pollingStopped = true
	}
	p.mu.Unlock()
}

// Pause parks the calling task's thread package, installs a replacement
// as the worker's active package and only then releases the supplied
// scheduler lock, so a concurrent resume cannot be missed. The call
// returns once MarkThreadResume has been processed for ref.
func (p *Pool) Pause(ctx ExecCtx, ref any, unlock func()) {
	w, tp := ctx.w, ctx.tp
	p.mu.Lock()
	w.paused[ref] = tp
	p.pausedToWorker[ref] = w.idx
	var rep *threadPackage
	if len(w.idle) > 0 {
		rep = w.idle[0]
		w.idle = w.idle[1:]
	} else {
		rep = p.newPackage()
		go p.serve(w, rep)
	}
	w.active = rep
	w.executing = false
	drain := len(w.waiting) > 0
	p.mu.Unlock()
	if drain {
		// A resume arrived while this task was still executing; hand it
		// to the replacement so it is not lost.
		select {
		case rep.wake <- wake{}:
		default:
		}
	}
	unlock()
	<-tp.resume
}

// PauseMain parks the main thread (outside any worker) until resumed.
func (p *Pool) PauseMain(ref any, unlock func()) {
	p.mu.Lock()
	p.pausedToWorker[ref] = mainThreadSentinel
	p.mu.Unlock()
	unlock()
	<-p.mainPkg.resume
}

// MarkThreadResume moves the paused package for ref to its worker's
// waiting queue and signals the worker. Resumption happens once the
// worker's currently-executing task finishes (immediately when it is
// parked). Must never be called while holding the scheduler mutex.
func (p *Pool) MarkThreadResume(ref any) {
	p.mu.Lock()
	idx, ok := p.pausedToWorker[ref]
	if !ok {
		p.mu.Unlock()
		p.log.Warn("resume for unknown paused task")
		return
	}
	delete(p.pausedToWorker, ref)
	if idx == mainThreadSentinel {
		p.mu.Unlock()
		p.mainPkg.resume <- struct{}{}
		return
	}
	w := p.workers[idx]
	tp := w.paused[ref]
	delete(w.paused, ref)
	w.waiting = append(w.waiting, tp)
	active := w.active
	executing := w.executing
	p.mu.Unlock()
	if !executing {
		select {
		case active.wake <- wake{}:
		default:
		}
	}
}

// ServeMainUntil turns the calling (main) thread into the reserved worker
// slot until stop returns true. Without a reserved slot it simply waits
// on stop.
func (p *Pool) ServeMainUntil(stop func() bool) {
	if !p.cfg.MainThreadWorker {
		for !stop() {
			time.Sleep(100 * time.Microsecond)
		}
		return
	}
	w := p.workers[p.cfg.Workers-1]
	p.mu.Lock()
	tp := p.newPackage()
	w.active = tp
	w.available = true
	p.mainServing = true
	p.mu.Unlock()
	p.log.Debug("main thread parked as worker", zap.Int("worker", w.idx))
	for {
		if stop() {
			p.mu.Lock()
			idle := !w.busy
			if idle {
				w.available = false
				w.active = nil
				p.mainServing = false
			}
			p.mu.Unlock()
			if idle {
				return
			}
		}
		select {
		case msg := <-tp.wake:
			if msg.cmd != nil {
				p.runCommand(w, tp, msg.cmd)
				p.finishCycle(w, tp)
			} else {
				p.handoffWaiting(w, tp)
			}
		case <-time.After(100 * time.Microsecond):
		}
	}
}

// CurrentTask returns the task id running on a worker, or zero.
func (p *Pool) CurrentTask(workerID int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if workerID < 0 || workerID >= len(p.workers) {
		return 0
	}
	return p.workers[workerID].currentID
}

// IsIdle reports whether no worker is busy, nothing is queued and no task
// is paused.
func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 || len(p.pausedToWorker) > 0 {
		return false
	}
	for _, w := range p.workers {
		if w.busy {
			return false
		}
	}
	return true
}

// ResetPolling rearms idle-worker progress stealing after a restart.
func (p *Pool) ResetPolling() {
	p.mu.Lock()
	p.pollingStopped = false
	p.mu.Unlock()
}

// Close terminates the serving goroutines. Outstanding tasks are allowed
// to finish; parked packages exit.
func (p *Pool) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
