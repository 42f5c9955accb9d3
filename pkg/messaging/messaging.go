// Package messaging drives event traffic between ranks: local and remote
// fire, the polling loop that receives and batches incoming events, and
// the collective termination protocol.
package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/config"
	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/protocol"
	"github.com/severinstrobl/edat/pkg/region"
	"github.com/severinstrobl/edat/pkg/scheduler"
	"github.com/severinstrobl/edat/pkg/transport"
)

// sendProgressPeriod is how many poll ticks pass between sweeps of the
// outstanding send handles.
const sendProgressPeriod = 10

// Messaging is one rank's messaging core.
type Messaging struct {
	ep     transport.Endpoint
	bridge transport.Endpoint // global communicator, nil unless bridged
	sched  *scheduler.Scheduler
	reg    *region.Manager
	cfg    *config.Config
	log    *zap.Logger

	sendMu           sync.Mutex
	outstandingSends []transport.SendHandle

	batchMu          sync.Mutex
	shortTermStore   []*event.Specific
	lastEventArrival time.Time

	localMu           sync.Mutex
	queuedLocalEvents []*event.Specific

	poolIdle func() bool

	tickMu          sync.Mutex
	continuePolling atomic.Bool
	eligible        atomic.Bool
	terminated      atomic.Bool

	q quiescer
}

// New builds the messaging core over a transport endpoint. bridge may be
// nil; when EnableBridge is configured it is also probed for incoming
// events. poolIdle feeds worker idleness into the local quiescence test.
func New(ep, bridge transport.Endpoint, sched *scheduler.Scheduler, reg *region.Manager,
	cfg *config.Config, poolIdle func() bool, log *zap.Logger) *Messaging {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.EnableBridge {
		bridge = nil
	}
	m := &Messaging{
		ep:       ep,
		bridge:   bridge,
		sched:    sched,
		reg:      reg,
		cfg:      cfg,
		poolIdle: poolIdle,
		log:      log.With(zap.String("component", "messaging"), zap.Int("rank", ep.Rank())),
	}
	m.continuePolling.Store(true)
	m.q.init(ep)
	return m
}

// Rank returns this process's rank.
func (m *Messaging) Rank() int { return m.ep.Rank() }

// NumRanks returns the job size.
func (m *Messaging) NumRanks() int { return m.ep.Size() }

// StartProgressThread launches the dedicated polling goroutine when the
// configuration asks for one.
func (m *Messaging) StartProgressThread() {
	if m.cfg.ProgressThread {
		go m.RunPollLoop()
	}
}

// FireEvent fires an event at target: local delivery for the own rank and
// the broadcast sentinel, serialized sends for every remote target. The
// payload is copied so the caller may reuse its buffer immediately.
func (m *Messaging) FireEvent(data []byte, count int, ty event.Type, target int, persistent bool, id string) error {
	myRank := m.ep.Rank()
	if target == event.Self {
		target = myRank
	}
	if target != event.All && (target < 0 || target >= m.ep.Size()) {
		return fmt.Errorf("messaging: invalid target rank %d", target)
	}
	isContext := m.reg.IsContext(ty)
	if isContext && target != myRank {
		return fmt.Errorf("messaging: context event %q cannot leave the process", id)
	}
	if target == myRank || target == event.All {
		var buf []byte
		if data != nil {
			buf = append([]byte(nil), data...)
		}
		e := &event.Specific{
			SourceRank: myRank,
			Count:      count,
			RawLength:  len(buf),
			Type:       ty,
			Persistent: persistent,
			Context:    isContext,
			ID:         id,
			Data:       buf,
		}
		m.sched.RegisterEvent(e)
	}
	if target != myRank {
		if target != event.All {
			m.sendSingleEvent(data, count, ty, target, persistent, id)
		} else {
			for i := 0; i < m.ep.Size(); i++ {
				if i != myRank {
					m.sendSingleEvent(data, count, ty, i, persistent, id)
				}
			}
		}
	}
	return nil
}

// QueueLocalEvent defers a local delivery to the polling loop, which
// fires one queued event per tick.
func (m *Messaging) QueueLocalEvent(e *event.Specific) {
	m.localMu.Lock()
	m.queuedLocalEvents = append(m.queuedLocalEvents, e)
	m.localMu.Unlock()
}

// ForwardHeld forwards an event released by the resilience ledger; local
// deliveries are queued, remote ones sent.
func (m *Messaging) ForwardHeld(e *event.Specific, target int) {
	myRank := m.ep.Rank()
	if target == event.Self {
		target = myRank
	}
	if target == myRank || target == event.All {
		c := e.Copy()
		c.SourceRank = myRank
		m.QueueLocalEvent(c)
	}
	if target != myRank {
		if target != event.All {
			m.sendSingleEvent(e.Data, e.Count, e.Type, target, e.Persistent, e.ID)
		} else {
			for i := 0; i < m.ep.Size(); i++ {
				if i != myRank {
					m.sendSingleEvent(e.Data, e.Count, e.Type, i, e.Persistent, e.ID)
				}
			}
		}
	}
}

// sendSingleEvent packages an event and sends it non-blocking in
// synchronous mode; the handle is swept for completion periodically.
func (m *Messaging) sendSingleEvent(data []byte, count int, ty event.Type, target int, persistent bool, id string) {
	e := &event.Specific{
		SourceRank: m.ep.Rank(),
		Count:      count,
		RawLength:  len(data),
		Type:       ty,
		Persistent: persistent,
		ID:         id,
		Data:       data,
	}
	frame := protocol.EncodeEvent(e)
	h, err := m.ep.Send(target, protocol.TagData, frame)
	if err != nil {
		m.log.Error("event send failed", zap.Int("target", target), zap.String("event_id", id), zap.Error(err))
		return
	}
	m.sendMu.Lock()
	m.outstandingSends = append(m.outstandingSends, h)
	m.sendMu.Unlock()
}

// checkSendProgress drops completed send handles, releasing their
// buffers.
func (m *Messaging) checkSendProgress() {
	m.sendMu.Lock()
	kept := m.outstandingSends[:0]
	for _, h := range m.outstandingSends {
		if !h.Complete() {
			kept = append(kept, h)
		}
	}
	m.outstandingSends = kept
	m.sendMu.Unlock()
}

// fireASingleLocalEvent delivers at most one queued local event.
func (m *Messaging) fireASingleLocalEvent() {
	m.localMu.Lock()
	if len(m.queuedLocalEvents) == 0 {
		m.localMu.Unlock()
		return
	}
	e := m.queuedLocalEvents[0]
	m.queuedLocalEvents = m.queuedLocalEvents[1:]
	m.localMu.Unlock()
	m.sched.RegisterEvent(e)
}

// handleRemoteArrival receives and decodes one pending message, then
// either batches it or registers it with the scheduler directly.
func (m *Messaging) handleRemoteArrival(ep transport.Endpoint, source int) {
	m.q.reactivate()
	frame, err := ep.Recv(source, protocol.TagData)
	if err != nil {
		m.log.Error("receive failed", zap.Int("source", source), zap.Error(err))
		return
	}
	e, err := protocol.DecodeEvent(frame, func(t event.Type) int { return t.Size() })
	if err != nil {
		m.log.Error("undecodable event frame", zap.Int("source", source), zap.Error(err))
		return
	}
	e.Context = m.reg.IsContext(e.Type)
	if m.cfg.BatchEvents {
		m.batchMu.Lock()
		m.lastEventArrival = time.Now()
		m.shortTermStore = append(m.shortTermStore, e)
		var flush []*event.Specific
		if len(m.shortTermStore) >= m.cfg.MaxBatchedEvents {
			flush = m.shortTermStore
			m.shortTermStore = nil
		}
		m.batchMu.Unlock()
		if flush != nil {
			m.sched.RegisterEvents(flush)
		}
	} else {
		m.sched.RegisterEvent(e)
	}
}

// flushBatchIfTimedOut flushes the short-term store once no event has
// arrived for the configured timeout.
func (m *Messaging) flushBatchIfTimedOut() {
	if !m.cfg.BatchEvents {
		return
	}
	m.batchMu.Lock()
	var flush []*event.Specific
	if len(m.shortTermStore) > 0 &&
		time.Since(m.lastEventArrival).Seconds() > m.cfg.BatchingEventsTimeout {
		flush = m.shortTermStore
		m.shortTermStore = nil
	}
	m.batchMu.Unlock()
	if flush != nil {
		m.sched.RegisterEvents(flush)
	}
}

// isLocallyQuiescent is the local termination test: nothing pending on
// any communicator, no outstanding sends, empty batch and local queues,
// idle workers and a finished scheduler.
func (m *Messaging) isLocallyQuiescent() bool {
	if _, ok := m.ep.Probe(protocol.TagData); ok {
		return false
	}
	if m.bridge != nil {
		if _, ok := m.bridge.Probe(protocol.TagData); ok {
			return false
		}
	}
	m.checkSendProgress()
	m.sendMu.Lock()
	sends := len(m.outstandingSends)
	m.sendMu.Unlock()
	if sends > 0 {
		return false
	}
	m.batchMu.Lock()
	batched := len(m.shortTermStore)
	m.batchMu.Unlock()
	if batched > 0 {
		return false
	}
	m.localMu.Lock()
	queued := len(m.queuedLocalEvents)
	m.localMu.Unlock()
	if queued > 0 {
		return false
	}
	if m.poolIdle != nil && !m.poolIdle() {
		return false
	}
	return m.sched.IsFinished()
}

// Poll performs one polling tick: fire a queued local event, periodically
// sweep send progress, drain one incoming message per communicator, and
// when nothing was pending flush batches and progress the termination
// protocol. Returns false once the protocol has decided to stop.
func (m *Messaging) Poll(counter *int) bool {
	if !m.tickMu.TryLock() {
		return m.continuePolling.Load()
	}
	defer m.tickMu.Unlock()
	if !m.continuePolling.Load() {
		return false
	}

	m.fireASingleLocalEvent()
	if *counter >= sendProgressPeriod {
		m.checkSendProgress()
		*counter = 0
	} else {
		*counter++
	}

	pending := false
	if src, ok := m.ep.Probe(protocol.TagData); ok {
		m.handleRemoteArrival(m.ep, src)
		pending = true
	}
	if m.bridge != nil {
		if src, ok := m.bridge.Probe(protocol.TagData); ok {
			m.handleRemoteArrival(m.bridge, src)
			pending = true
		}
	}

	if !pending {
		m.flushBatchIfTimedOut()
		m.q.noteQuiescence(m.isLocallyQuiescent())
	}
	m.q.refreshSelf()

	if !m.eligible.Load() {
		return true
	}
	cont := m.q.handleProtocol()
	if !cont {
		m.log.Debug("termination protocol decided stop")
		m.terminated.Store(true)
		m.continuePolling.Store(false)
	}
	return cont
}

// RunPollLoop polls until the termination protocol stops it. Ticks are
// serialised: while another caller holds the tick, Poll returns without
// doing work and this loop keeps retrying.
func (m *Messaging) RunPollLoop() {
	counter := 0
	for m.continuePolling.Load() {
		if !m.Poll(&counter) {
			return
		}
	}
}

// EnableTermination arms the termination protocol; called when the
// application enters finalisation.
func (m *Messaging) EnableTermination() { m.eligible.Store(true) }

// Terminated reports whether the collective protocol has decided to
// stop.
func (m *Messaging) Terminated() bool { return m.terminated.Load() }

// IsFinishedLocally exposes the local quiescence predicate.
func (m *Messaging) IsFinishedLocally() bool { return m.isLocallyQuiescent() }

// ResetPolling rearms the messaging layer after a restart.
func (m *Messaging) ResetPolling() {
	m.tickMu.Lock()
	m.q.reset()
	m.eligible.Store(false)
	m.terminated.Store(false)
	m.continuePolling.Store(true)
	m.tickMu.Unlock()
	m.StartProgressThread()
}

// Finalise stops polling and closes the transport.
func (m *Messaging) Finalise() error {
	m.continuePolling.Store(false)
	return m.ep.Close()
}
