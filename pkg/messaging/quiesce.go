package messaging

import (
	"math"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/protocol"
	"github.com/severinstrobl/edat/pkg/transport"
)

// quiescer implements the two-phase ID-comparison termination protocol.
// Rank 0 coordinates; the others are workers. A rank that goes locally
// quiescent draws a random nonce and announces it; the coordinator only
// decides to terminate after two consecutive rounds in which every
// rank's nonce is unchanged, which proves no reactivation happened in
// between (an activating message forces a fresh nonce, and synchronous
// sends tie send completion to the receive being underway).
type quiescer struct {
	ep transport.Endpoint

	mu               sync.Mutex
	mode             int
	quiescent        bool
	nonce            int32
	tentative        []int32 // coordinator: announced nonces, -1 = active
	pingback         []int32 // coordinator: confirm replies, -2 = awaited
	announce         transport.SendHandle
	awaitingDecision bool
}

func (q *quiescer) init(ep transport.Endpoint) {
	q.ep = ep
	if ep.Rank() == 0 {
		q.tentative = make([]int32, ep.Size())
		q.pingback = make([]int32, ep.Size())
		for i := range q.tentative {
			q.tentative[i] = -1
			q.pingback[i] = -1
		}
	}
}

func (q *quiescer) reset() {
	q.mu.Lock()
	q.mode = 0
	q.quiescent = false
	q.nonce = 0
	q.announce = nil
	q.awaitingDecision = false
	for i := range q.tentative {
		q.tentative[i] = -1
		q.pingback[i] = -1
	}
	q.mu.Unlock()
}

// reactivate records that an incoming message woke this rank up.
func (q *quiescer) reactivate() {
	q.mu.Lock()
	q.quiescent = false
	q.mu.Unlock()
}

func freshNonce() int32 {
	return rand.Int32N(math.MaxInt32-1) + 1
}

// noteQuiescence tracks the local quiescence state. On the transition
// into quiescence a fresh nonce is drawn and announced to rank 0.
func (q *quiescer) noteQuiescence(current bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current && !q.quiescent {
		q.nonce = freshNonce()
		if q.ep.Rank() != 0 {
			// Re-announce only once the previous announce completed;
			// a stale nonce at the coordinator is caught by the
			// confirm phase.
			if q.announce == nil || q.announce.Complete() {
				h, err := q.ep.Send(0, protocol.TagQuiesceAnnounce, protocol.EncodeInt32(q.nonce))
				if err != nil {
					zap.L().Error("quiescence announce failed", zap.Error(err))
				} else {
					q.announce = h
				}
			}
		}
	}
	q.quiescent = current
}

// refreshSelf keeps the coordinator's own slot current.
func (q *quiescer) refreshSelf() {
	if q.ep.Rank() != 0 {
		return
	}
	q.mu.Lock()
	if q.quiescent {
		q.tentative[0] = q.nonce
	} else {
		q.tentative[0] = -1
	}
	q.mu.Unlock()
}

// handleProtocol progresses the termination protocol by one step and
// reports whether polling should continue.
func (q *quiescer) handleProtocol() bool {
	if q.ep.Rank() == 0 {
		cont := true
		if q.currentMode() == 0 {
			q.trackTentativeCodes()
		}
		if q.currentMode() == 1 {
			cont = q.confirmCodes()
		}
		return cont
	}
	return q.workerStep()
}

func (q *quiescer) currentMode() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// trackTentativeCodes greedily drains announced nonces; once the
// coordinator is itself quiescent and every slot holds a nonce it pings
// every worker and moves to the confirm phase.
func (q *quiescer) trackTentativeCodes() {
	for {
		src, ok := q.ep.Probe(protocol.TagQuiesceAnnounce)
		if !ok {
			break
		}
		payload, err := q.ep.Recv(src, protocol.TagQuiesceAnnounce)
		if err != nil {
			zap.L().Error("quiescence announce receive failed", zap.Error(err))
			return
		}
		code, err := protocol.DecodeInt32(payload)
		if err != nil {
			zap.L().Error("bad quiescence announce", zap.Error(err))
			return
		}
		q.mu.Lock()
		q.tentative[src] = code
		q.mu.Unlock()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.quiescent || containsCode(q.tentative, -1) {
		return
	}
	q.mode = 1
	q.pingback[0] = q.nonce
	for i := 1; i < q.ep.Size(); i++ {
		q.pingback[i] = -2
		if _, err := q.ep.Send(i, protocol.TagQuiesceAnnounce, nil); err != nil {
			zap.L().Error("quiescence ping failed", zap.Int("target", i), zap.Error(err))
		}
	}
}

// confirmCodes collects the confirm replies; when all are in, either the
// system is steady (two identical rounds) and termination is broadcast,
// or another round begins with the replies as the new tentative set.
func (q *quiescer) confirmCodes() bool {
	for {
		src, ok := q.ep.Probe(protocol.TagQuiesceConfirm)
		if !ok {
			break
		}
		payload, err := q.ep.Recv(src, protocol.TagQuiesceConfirm)
		if err != nil {
			zap.L().Error("quiescence confirm receive failed", zap.Error(err))
			return true
		}
		code, err := protocol.DecodeInt32(payload)
		if err != nil {
			zap.L().Error("bad quiescence confirm", zap.Error(err))
			return true
		}
		q.mu.Lock()
		q.pingback[src] = code
		q.mu.Unlock()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if containsCode(q.pingback, -2) {
		return true
	}
	decision := int32(0)
	if !containsCode(q.pingback, -1) && codesEqual(q.pingback, q.tentative) {
		decision = 1
	} else {
		q.mode = 0
	}
	if q.mode == 0 {
		copy(q.tentative, q.pingback)
	}
	for i := 1; i < q.ep.Size(); i++ {
		if _, err := q.ep.Send(i, protocol.TagQuiesceConfirm, protocol.EncodeInt32(decision)); err != nil {
			zap.L().Error("quiescence decision send failed", zap.Int("target", i), zap.Error(err))
		}
	}
	return decision == 0
}

// workerStep answers coordinator pings with the current nonce (or -1
// when reactivated) and obeys the broadcast decision.
func (q *quiescer) workerStep() bool {
	q.mu.Lock()
	awaiting := q.awaitingDecision
	q.mu.Unlock()
	// A new ping is only taken once the previous round's decision has
	// been read, so a later decision is never left unread.
	if src, ok := q.ep.Probe(protocol.TagQuiesceAnnounce); ok && src == 0 && !awaiting {
		if _, err := q.ep.Recv(0, protocol.TagQuiesceAnnounce); err != nil {
			zap.L().Error("quiescence ping receive failed", zap.Error(err))
			return true
		}
		q.mu.Lock()
		reply := int32(-1)
		if q.quiescent {
			reply = q.nonce
		}
		q.awaitingDecision = true
		q.mu.Unlock()
		if _, err := q.ep.Send(0, protocol.TagQuiesceConfirm, protocol.EncodeInt32(reply)); err != nil {
			zap.L().Error("quiescence confirm send failed", zap.Error(err))
		}
	}
	q.mu.Lock()
	awaiting = q.awaitingDecision
	q.mu.Unlock()
	if awaiting {
		if src, ok := q.ep.Probe(protocol.TagQuiesceConfirm); ok && src == 0 {
			payload, err := q.ep.Recv(0, protocol.TagQuiesceConfirm)
			if err != nil {
				zap.L().Error("quiescence decision receive failed", zap.Error(err))
				return true
			}
			decision, err := protocol.DecodeInt32(payload)
			if err != nil {
				zap.L().Error("bad quiescence decision", zap.Error(err))
				return true
			}
			q.mu.Lock()
			q.awaitingDecision = false
			q.mu.Unlock()
			if decision == 1 {
				return false
			}
		}
	}
	return true
}

func containsCode(codes []int32, needle int32) bool {
	for _, c := range codes {
		if c == needle {
			return true
		}
	}
	return false
}

func codesEqual(a, b []int32) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
