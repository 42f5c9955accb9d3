// Package mem is an in-process transport: a world of N ranks exchanging
// messages over shared queues. Useful for tests and for running
// multi-rank jobs inside one process.
package mem

import (
	"errors"
	"sync"

	"github.com/severinstrobl/edat/pkg/transport"
)

// World owns the endpoints of an in-process job.
type World struct {
	size int
	eps  []*Endpoint

	barrierMu   sync.Mutex
	barrierCond *sync.Cond
	barrierGen  int
	barrierIn   int
}

// NewWorld creates size connected endpoints, one per rank.
func NewWorld(size int) *World {
	w := &World{size: size}
	w.barrierCond = sync.NewCond(&w.barrierMu)
	for i := 0; i < size; i++ {
		ep := &Endpoint{world: w, rank: i}
		ep.cond = sync.NewCond(&ep.mu)
		w.eps = append(w.eps, ep)
	}
	return w
}

// Endpoints returns the world's endpoints indexed by rank.
func (w *World) Endpoints() []*Endpoint {
	out := make([]*Endpoint, len(w.eps))
	for i, ep := range w.eps {
		out[i] = ep
	}
	return out
}

type inMsg struct {
	source  int
	tag     int
	payload []byte
	done    chan struct{}
}

type sendHandle struct{ done chan struct{} }

func (h *sendHandle) Complete() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Endpoint implements transport.Endpoint for one rank of the world.
type Endpoint struct {
	world *World
	rank  int

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []*inMsg
	closed bool
}

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return e.world.size }

func (e *Endpoint) Send(target, tag int, payload []byte) (transport.SendHandle, error) {
	if target < 0 || target >= e.world.size {
		return nil, errors.New("mem: target rank out of range")
	}
	dst := e.world.eps[target]
	m := &inMsg{source: e.rank, tag: tag, payload: payload, done: make(chan struct{})}
	dst.mu.Lock()
	if dst.closed {
		dst.mu.Unlock()
		return nil, errors.New("mem: endpoint closed")
	}
	dst.inbox = append(dst.inbox, m)
	dst.cond.Broadcast()
	dst.mu.Unlock()
	return &sendHandle{done: m.done}, nil
}

func (e *Endpoint) Probe(tag int) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.inbox {
		if m.tag == tag {
			return m.source, true
		}
	}
	return -1, false
}

func (e *Endpoint) Recv(source, tag int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.inbox {
		if m.tag == tag && m.source == source {
			e.inbox = append(e.inbox[:i], e.inbox[i+1:]...)
			close(m.done)
			return m.payload, nil
		}
	}
	return nil, errors.New("mem: no pending message for source/tag")
}

func (e *Endpoint) Barrier() error {
	w := e.world
	w.barrierMu.Lock()
	defer w.barrierMu.Unlock()
	gen := w.barrierGen
	w.barrierIn++
	if w.barrierIn == w.size {
		w.barrierIn = 0
		w.barrierGen++
		w.barrierCond.Broadcast()
		return nil
	}
	for gen == w.barrierGen {
		w.barrierCond.Wait()
	}
	return nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}
