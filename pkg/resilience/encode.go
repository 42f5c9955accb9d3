package resilience

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/severinstrobl/edat/pkg/event"
	"github.com/severinstrobl/edat/pkg/scheduler"
)

// Binary encoding helpers shared by every record type. Integers are
// little-endian; strings are NUL-terminated; the same rules apply
// recursively inside nested structures.

func writeU64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func writeI32(b *bytes.Buffer, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.Write(buf[:])
}

func writeCString(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

func readU64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := r.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readI32(r *bytes.Reader) (int32, error) {
	var buf [4]byte
	if _, err := r.Read(buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func readCString(r *bytes.Reader) (string, error) {
	var out []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
}

// Dependency keys serialize as id string then rank.
func writeKey(b *bytes.Buffer, k event.Key) {
	writeCString(b, k.ID)
	writeI32(b, int32(k.Rank))
}

func readKey(r *bytes.Reader) (event.Key, error) {
	id, err := readCString(r)
	if err != nil {
		return event.Key{}, err
	}
	rank, err := readI32(r)
	if err != nil {
		return event.Key{}, err
	}
	return event.Key{ID: id, Rank: int(rank)}, nil
}

// peekMarker reports whether the next four bytes equal the marker,
// consuming them only on a match.
func peekMarker(r *bytes.Reader, marker []byte) (bool, error) {
	if r.Len() < len(marker) {
		return false, errors.New("resilience: truncated structure, marker not found")
	}
	var buf [4]byte
	if _, err := r.Read(buf[:]); err != nil {
		return false, err
	}
	if bytes.Equal(buf[:], marker) {
		return true, nil
	}
	if _, err := r.Seek(-4, io.SeekCurrent); err != nil {
		return false, err
	}
	return false, nil
}

// encodeEvent lays an event down as int32 fields, payload bytes and the
// NUL-terminated id, closed by EOO.
func encodeEvent(e *event.Specific) []byte {
	var b bytes.Buffer
	writeI32(&b, int32(e.SourceRank))
	writeI32(&b, int32(e.Count))
	writeI32(&b, int32(e.RawLength))
	writeI32(&b, int32(e.Type))
	writeI32(&b, boolToI32(e.Persistent))
	writeI32(&b, boolToI32(e.Context))
	b.Write(e.Data)
	writeCString(&b, e.ID)
	b.Write(markerEOO)
	return b.Bytes()
}

func decodeEvent(r *bytes.Reader) (*event.Specific, error) {
	var ints [6]int32
	for i := range ints {
		v, err := readI32(r)
		if err != nil {
			return nil, err
		}
		ints[i] = v
	}
	e := &event.Specific{
		SourceRank: int(ints[0]),
		Count:      int(ints[1]),
		RawLength:  int(ints[2]),
		Type:       event.Type(ints[3]),
		Persistent: ints[4] != 0,
		Context:    ints[5] != 0,
	}
	if e.RawLength < 0 || e.RawLength > r.Len() {
		return nil, fmt.Errorf("resilience: event payload length %d exceeds record", e.RawLength)
	}
	if e.RawLength > 0 {
		e.Data = make([]byte, e.RawLength)
		if _, err := r.Read(e.Data); err != nil {
			return nil, err
		}
	}
	id, err := readCString(r)
	if err != nil {
		return nil, err
	}
	e.ID = id
	ok, err := peekMarker(r, markerEOO)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("resilience: event deserialization error, EOO not found")
	}
	return e, nil
}

// encodePendingTask schema: task id, int32[5]{funcID, numArrivedEvents,
// freeData, persistent, resilient}, task name, outstanding dependency
// map closed by EOM, dependency order closed by EOV, original
// dependency map closed by EOM, then EOO. The function body is not
// representable on disk; its slot is reserved.
func encodePendingTask(t *scheduler.PendingTask) []byte {
	var b bytes.Buffer
	writeU64(&b, t.TaskID)
	writeI32(&b, 0) // funcID slot
	writeI32(&b, int32(t.NumArrivedEvents))
	writeI32(&b, boolToI32(t.FreeData))
	writeI32(&b, boolToI32(t.Persistent))
	writeI32(&b, int32(t.Resilient))
	writeCString(&b, t.Name)
	for _, s := range t.OutstandingSlots() {
		writeKey(&b, s.Key)
		writeI32(&b, int32(s.Count))
	}
	b.Write(markerEOM)
	for _, k := range t.DependencyOrder {
		writeKey(&b, k)
	}
	b.Write(markerEOV)
	for _, s := range t.OriginalSlots() {
		writeKey(&b, s.Key)
		writeI32(&b, int32(s.Count))
	}
	b.Write(markerEOM)
	b.Write(markerEOO)
	return b.Bytes()
}

func decodePendingTask(r *bytes.Reader) (*scheduler.PendingTask, error) {
	taskID, err := readU64(r)
	if err != nil {
		return nil, err
	}
	var ints [5]int32
	for i := range ints {
		v, err := readI32(r)
		if err != nil {
			return nil, err
		}
		ints[i] = v
	}
	name, err := readCString(r)
	if err != nil {
		return nil, err
	}
	outstanding, err := readDependencyMap(r)
	if err != nil {
		return nil, err
	}
	var order []event.Key
	for {
		ok, err := peekMarker(r, markerEOV)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		k, err := readKey(r)
		if err != nil {
			return nil, err
		}
		order = append(order, k)
	}
	original, err := readDependencyMap(r)
	if err != nil {
		return nil, err
	}
	ok, err := peekMarker(r, markerEOO)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("resilience: task deserialization error, EOO not found")
	}
	return scheduler.RestorePendingTask(taskID, name,
		ints[2] != 0, ints[3] != 0, int(ints[4]),
		int(ints[1]), outstanding, order, original), nil
}

func readDependencyMap(r *bytes.Reader) ([]scheduler.DependencySlot, error) {
	var out []scheduler.DependencySlot
	for {
		ok, err := peekMarker(r, markerEOM)
		if err != nil {
			return nil, err
		}
		if ok {
			return out, nil
		}
		k, err := readKey(r)
		if err != nil {
			return nil, err
		}
		count, err := readI32(r)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			out = append(out, scheduler.DependencySlot{Key: k, Count: int(count)})
		}
	}
}

func boolToI32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
