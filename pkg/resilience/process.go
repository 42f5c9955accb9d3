package resilience

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/scheduler"
)

// Ledger file layout, all little-endian. A header binds the file to a
// run; records follow append-only; Close writes a trailer index of
// record offsets. Structures are delimited by 4-byte ASCII markers with
// a trailing NUL: EOM ends a dependency map, EOV an ordered key list,
// EOO an object.
var (
	ledgerMagic  = []byte("EDATLEDG")
	trailerMagic = []byte("EDATIDX\x00")
	markerEOM    = []byte{'E', 'O', 'M', 0}
	markerEOV    = []byte{'E', 'O', 'V', 0}
	markerEOO    = []byte{'E', 'O', 'O', 0}
)

// Record kinds.
const (
	RecordTaskScheduledKind byte = 1
	RecordEventKind         byte = 2
	RecordEventMovedKind    byte = 3
	RecordTaskCompletedKind byte = 4
)

// Record is one decoded ledger entry.
type Record struct {
	Kind   byte
	Task   *scheduler.PendingTask
	Event  *event.Specific
	Key    event.Key
	TaskID uint64
}

// ProcessLedger is the persisted, per-rank ledger used at resilience
// level 2.
type ProcessLedger struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	offsets []int64
	off     int64
	runID   uuid.UUID
	rank    int
	log     *zap.Logger
}

// LedgerPath names the ledger file of a rank inside dir.
func LedgerPath(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("rank-%d.ledger", rank))
}

// NewProcessLedger creates (truncating) the ledger file for a rank and
// writes the run header.
func NewProcessLedger(dir string, rank int, log *zap.Logger) (*ProcessLedger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resilience: create ledger dir: %w", err)
	}
	path := LedgerPath(dir, rank)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("resilience: create ledger: %w", err)
	}
	l := &ProcessLedger{
		f:     f,
		w:     bufio.NewWriter(f),
		runID: uuid.New(),
		rank:  rank,
		log:   log.With(zap.String("component", "process-ledger"), zap.Int("rank", rank)),
	}
	var hdr bytes.Buffer
	hdr.Write(ledgerMagic)
	hdr.Write(l.runID[:])
	var rankBuf [4]byte
	binary.LittleEndian.PutUint32(rankBuf[:], uint32(rank))
	hdr.Write(rankBuf[:])
	if _, err := l.w.Write(hdr.Bytes()); err != nil {
		_ = f.Close()
		return nil, err
	}
	l.off = int64(hdr.Len())
	l.log.Info("process ledger opened", zap.String("path", path), zap.String("run_id", l.runID.String()))
	return l, nil
}

// RunID returns the identity of this ledger's run.
func (l *ProcessLedger) RunID() uuid.UUID { return l.runID }

func (l *ProcessLedger) appendRecord(kind byte, body []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return
	}
	l.offsets = append(l.offsets, l.off)
	if err := l.w.WriteByte(kind); err != nil {
		l.log.Error("ledger write failed", zap.Error(err))
		return
	}
	if _, err := l.w.Write(body); err != nil {
		l.log.Error("ledger write failed", zap.Error(err))
		return
	}
	l.off += int64(1 + len(body))
}

// RecordTaskScheduled appends a task-scheduled record.
func (l *ProcessLedger) RecordTaskScheduled(t *scheduler.PendingTask) {
	l.appendRecord(RecordTaskScheduledKind, encodePendingTask(t))
}

// RecordEvent appends an event-stored record.
func (l *ProcessLedger) RecordEvent(e *event.Specific) {
	l.appendRecord(RecordEventKind, encodeEvent(e))
}

// RecordEventMoved appends a binding of a stored event to a task.
func (l *ProcessLedger) RecordEventMoved(k event.Key, taskID uint64) {
	var b bytes.Buffer
	writeKey(&b, k)
	writeU64(&b, taskID)
	l.appendRecord(RecordEventMovedKind, b.Bytes())
}

// RecordTaskCompleted appends a completion record.
func (l *ProcessLedger) RecordTaskCompleted(taskID uint64) {
	var b bytes.Buffer
	writeU64(&b, taskID)
	l.appendRecord(RecordTaskCompletedKind, b.Bytes())
}

// Close writes the trailer index and closes the file.
func (l *ProcessLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	var tr bytes.Buffer
	for _, off := range l.offsets {
		writeU64(&tr, uint64(off))
	}
	writeU64(&tr, uint64(len(l.offsets)))
	tr.Write(trailerMagic)
	if _, err := l.w.Write(tr.Bytes()); err != nil {
		return err
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	l.w = nil
	return l.f.Close()
}

// ReadLedger parses a ledger file back into its records. The trailer is
// validated when present; a missing trailer (crash before Close) still
// yields every complete record.
func ReadLedger(path string) (uuid.UUID, []Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return uuid.UUID{}, nil, err
	}
	if len(raw) < len(ledgerMagic)+16+4 || !bytes.Equal(raw[:len(ledgerMagic)], ledgerMagic) {
		return uuid.UUID{}, nil, errors.New("resilience: not a ledger file")
	}
	var runID uuid.UUID
	copy(runID[:], raw[len(ledgerMagic):len(ledgerMagic)+16])

	body := raw[len(ledgerMagic)+16+4:]
	// Strip the trailer if the file was closed cleanly.
	if i := bytes.LastIndex(body, trailerMagic); i >= 0 && i+len(trailerMagic) == len(body) {
		if i < 8 {
			return runID, nil, errors.New("resilience: truncated trailer")
		}
		count := binary.LittleEndian.Uint64(body[i-8 : i])
		idxStart := i - 8 - int(count)*8
		if idxStart < 0 {
			return runID, nil, errors.New("resilience: corrupt trailer index")
		}
		body = body[:idxStart]
	}

	r := bytes.NewReader(body)
	var records []Record
	for r.Len() > 0 {
		kind, err := r.ReadByte()
		if err != nil {
			return runID, records, err
		}
		rec := Record{Kind: kind}
		switch kind {
		case RecordTaskScheduledKind:
			t, err := decodePendingTask(r)
			if err != nil {
				return runID, records, err
			}
			rec.Task = t
		case RecordEventKind:
			e, err := decodeEvent(r)
			if err != nil {
				return runID, records, err
			}
			rec.Event = e
		case RecordEventMovedKind:
			k, err := readKey(r)
			if err != nil {
				return runID, records, err
			}
			id, err := readU64(r)
			if err != nil {
				return runID, records, err
			}
			rec.Key, rec.TaskID = k, id
		case RecordTaskCompletedKind:
			id, err := readU64(r)
			if err != nil {
				return runID, records, err
			}
			rec.TaskID = id
		default:
			return runID, records, fmt.Errorf("resilience: unknown record kind %d", kind)
		}
		records = append(records, rec)
	}
	return runID, records, nil
}

// HighestTaskID scans records for the largest task id, so a restarted
// process can advance its id generator past persisted state.
func HighestTaskID(records []Record) uint64 {
	var high uint64
	for _, r := range records {
		if r.Task != nil && r.Task.TaskID > high {
			high = r.Task.TaskID
		}
		if r.TaskID > high {
			high = r.TaskID
		}
	}
	return high
}
