// Package tcp implements the rank-addressed transport over a full TCP
// mesh with length-prefixed frames (u32 LE). Each pair of ranks shares
// one connection, established by the higher rank and bound to ranks by a
// hello handshake. Receipt acknowledgements give sends the synchronous
// completion semantics the termination protocol relies on.
package tcp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/protocol"
	"github.com/severinstrobl/edat/pkg/transport"
)

// barrierTag is reserved for Barrier traffic; it sits above the protocol
// tags so application and control traffic can never collide with it.
const barrierTag = 16400

const (
	kindData = 0
	kindAck  = 1
)

type frame struct {
	kind    byte
	tag     int32
	seq     uint64
	payload []byte
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

type peer struct {
	rank int
	c    net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	wmu  sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]*sendHandle
}

type inMsg struct {
	source  int
	tag     int
	seq     uint64
	payload []byte
}

// Endpoint is one rank of a TCP mesh.
type Endpoint struct {
	rank  int
	addrs []string
	log   *zap.Logger

	l       net.Listener
	peersMu sync.Mutex
	peers   map[int]*peer

	inboxMu sync.Mutex
	inbox   []*inMsg

	seq    atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewEndpoint connects rank to the mesh described by addrs (addrs[i] is
// rank i's listen address). It blocks until a connection to every peer is
// established.
func NewEndpoint(rank int, addrs []string, log *zap.Logger) (*Endpoint, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("tcp: rank %d out of range for %d addresses", rank, len(addrs))
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Endpoint{rank: rank, addrs: addrs, log: log.With(zap.Int("rank", rank)), peers: make(map[int]*peer)}
	l, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addrs[rank], err)
	}
	e.l = l
	// Lower ranks accept connections from higher ranks; this rank dials
	// everything below it. Each pair ends up with exactly one connection.
	errCh := make(chan error, 1)
	var acceptWG sync.WaitGroup
	acceptWG.Add(1)
	go func() {
		defer acceptWG.Done()
		for i := rank + 1; i < len(addrs); i++ {
			c, err := l.Accept()
			if err != nil {
				errCh <- err
				return
			}
			if err := e.adoptConn(c, true); err != nil {
				errCh <- err
				return
			}
		}
	}()
	for i := 0; i < rank; i++ {
		c, err := dialRetry(addrs[i], 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("tcp: dial rank %d: %w", i, err)
		}
		if err := e.adoptConn(c, false); err != nil {
			return nil, err
		}
	}
	acceptWG.Wait()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("tcp: accept: %w", err)
	default:
	}
	e.log.Debug("mesh established", zap.Int("peers", len(addrs)-1))
	return e, nil
}

func dialRetry(addr string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// adoptConn runs the hello handshake and registers the peer. The dialer
// sends its hello first; the accepter replies after validating.
func (e *Endpoint) adoptConn(c net.Conn, accepted bool) error {
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	ours, err := protocol.EncodeHello(protocol.Hello{Rank: e.rank, Size: len(e.addrs)})
	if err != nil {
		return err
	}
	var theirs protocol.Hello
	if accepted {
		b, err := readFrameBytes(br)
		if err != nil {
			return fmt.Errorf("tcp: read hello: %w", err)
		}
		if theirs, err = protocol.DecodeHello(b); err != nil {
			return err
		}
		if err := writeFrameBytes(bw, ours); err != nil {
			return fmt.Errorf("tcp: write hello: %w", err)
		}
	} else {
		if err := writeFrameBytes(bw, ours); err != nil {
			return fmt.Errorf("tcp: write hello: %w", err)
		}
		b, err := readFrameBytes(br)
		if err != nil {
			return fmt.Errorf("tcp: read hello: %w", err)
		}
		if theirs, err = protocol.DecodeHello(b); err != nil {
			return err
		}
	}
	if theirs.Size != len(e.addrs) {
		return fmt.Errorf("tcp: peer world size %d != %d", theirs.Size, len(e.addrs))
	}
	p := &peer{rank: theirs.Rank, c: c, br: br, bw: bw, pending: make(map[uint64]*sendHandle)}
	e.peersMu.Lock()
	e.peers[p.rank] = p
	e.peersMu.Unlock()
	e.wg.Add(1)
	go e.readLoop(p)
	return nil
}

func (e *Endpoint) readLoop(p *peer) {
	defer e.wg.Done()
	for {
		b, err := readFrameBytes(p.br)
		if err != nil {
			if !e.closed.Load() && !errors.Is(err, io.EOF) {
				e.log.Warn("read from peer failed", zap.Int("peer", p.rank), zap.Error(err))
			}
			return
		}
		f, err := decodeFrame(b)
		if err != nil {
			e.log.Warn("bad frame from peer", zap.Int("peer", p.rank), zap.Error(err))
			return
		}
		switch f.kind {
		case kindData:
			e.inboxMu.Lock()
			e.inbox = append(e.inbox, &inMsg{source: p.rank, tag: int(f.tag), seq: f.seq, payload: f.payload})
			e.inboxMu.Unlock()
		case kindAck:
			p.pendingMu.Lock()
			if h, ok := p.pending[f.seq]; ok {
				close(h.done)
				delete(p.pending, f.seq)
			}
			p.pendingMu.Unlock()
		}
	}
}

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return len(e.addrs) }

func (e *Endpoint) Send(target, tag int, payload []byte) (transport.SendHandle, error) {
	e.peersMu.Lock()
	p := e.peers[target]
	e.peersMu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("tcp: no connection to rank %d", target)
	}
	h := &sendHandle{done: make(chan struct{})}
	seq := e.seq.Add(1)
	p.pendingMu.Lock()
	p.pending[seq] = h
	p.pendingMu.Unlock()
	if err := p.writeFrame(frame{kind: kindData, tag: int32(tag), seq: seq, payload: payload}); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, seq)
		p.pendingMu.Unlock()
		return nil, err
	}
	return h, nil
}

func (e *Endpoint) Probe(tag int) (int, bool) {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	for _, m := range e.inbox {
		if m.tag == tag {
			return m.source, true
		}
	}
	return -1, false
}

func (e *Endpoint) Recv(source, tag int) ([]byte, error) {
	e.inboxMu.Lock()
	var found *inMsg
	for i, m := range e.inbox {
		if m.tag == tag && m.source == source {
			e.inbox = append(e.inbox[:i], e.inbox[i+1:]...)
			found = m
			break
		}
	}
	e.inboxMu.Unlock()
	if found == nil {
		return nil, errors.New("tcp: no pending message for source/tag")
	}
	// Receipt acknowledgement completes the sender's handle.
	e.peersMu.Lock()
	p := e.peers[source]
	e.peersMu.Unlock()
	if p != nil {
		if err := p.writeFrame(frame{kind: kindAck, seq: found.seq}); err != nil {
			e.log.Warn("ack failed", zap.Int("peer", source), zap.Error(err))
		}
	}
	return found.payload, nil
}

// Barrier: every rank reports to rank 0, which releases them all.
func (e *Endpoint) Barrier() error {
	if len(e.addrs) == 1 {
		return nil
	}
	if e.rank == 0 {
		seen := make(map[int]bool)
		for len(seen) < len(e.addrs)-1 {
			src, ok := e.Probe(barrierTag)
			if !ok {
				time.Sleep(200 * time.Microsecond)
				continue
			}
			if _, err := e.Recv(src, barrierTag); err != nil {
				return err
			}
			seen[src] = true
		}
		for i := 1; i < len(e.addrs); i++ {
			if _, err := e.Send(i, barrierTag, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := e.Send(0, barrierTag, nil); err != nil {
		return err
	}
	for {
		if _, ok := e.Probe(barrierTag); ok {
			_, err := e.Recv(0, barrierTag)
			return err
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func (e *Endpoint) Close() error {
	e.closed.Store(true)
	err := e.l.Close()
	e.peersMu.Lock()
	for _, p := range e.peers {
		_ = p.c.Close()
	}
	e.peersMu.Unlock()
	e.wg.Wait()
	return err
}

func (p *peer) writeFrame(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := writeFrameBytes(p.bw, encodeFrame(f)); err != nil {
		return err
	}
	return p.bw.Flush()
}

func encodeFrame(f frame) []byte {
	out := make([]byte, 13+len(f.payload))
	out[0] = f.kind
	binary.LittleEndian.PutUint32(out[1:5], uint32(f.tag))
	binary.LittleEndian.PutUint64(out[5:13], f.seq)
	copy(out[13:], f.payload)
	return out
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) < 13 {
		return frame{}, errors.New("short frame")
	}
	f := frame{
		kind: b[0],
		tag:  int32(binary.LittleEndian.Uint32(b[1:5])),
		seq:  binary.LittleEndian.Uint64(b[5:13]),
	}
	if len(b) > 13 {
		f.payload = append([]byte(nil), b[13:]...)
	}
	return f, nil
}

// Frame framing: length-prefixed (u32 LE).
func writeFrameBytes(bw *bufio.Writer, b []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrameBytes(br *bufio.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) {
		return nil, errors.New("invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
