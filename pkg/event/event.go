// Package event defines the data model shared across the runtime: typed
// events, dependency keys and the rank sentinels used to address them.
package event

import "encoding/binary"

// Type tags the payload carried by an event. The set is closed; context
// types allocated at runtime live above ContextBase.
type Type int

const (
	NoType  Type = 0
	Int     Type = 1
	Float   Type = 2
	Double  Type = 3
	Byte    Type = 4
	Address Type = 5
	Long    Type = 6

	// ContextBase is the first type id handed out for user-defined
	// context types. Builtin tags never reach this value.
	ContextBase Type = 100
)

// Rank sentinels accepted wherever a source or target rank is expected.
const (
	All  = -1 // broadcast to every rank, including local delivery
	Any  = -2 // wildcard on a dependency source
	Self = -3 // loopback, treated as the local rank
)

// Size returns the per-element byte size of a builtin type tag. Context
// types are sized by the context manager, not here.
func (t Type) Size() int {
	switch t {
	case Int, Float:
		return 4
	case Double, Long:
		return 8
	case Byte:
		return 1
	case Address:
		return 8
	default:
		return 0
	}
}

func (t Type) String() string {
	switch t {
	case NoType:
		return "none"
	case Int:
		return "int"
	case Float:
		return "float"
	case Double:
		return "double"
	case Byte:
		return "byte"
	case Address:
		return "address"
	case Long:
		return "long"
	default:
		return "context"
	}
}

// Key identifies a dependency: an event id paired with a source rank.
// A rank of Any compares equal to any concrete rank on the same id.
type Key struct {
	ID   string
	Rank int
}

// Matches reports whether two keys identify the same dependency slot,
// honouring the wildcard rank.
func (k Key) Matches(o Key) bool {
	if k.ID != o.ID {
		return false
	}
	return k.Rank == Any || o.Rank == Any || k.Rank == o.Rank
}

// Less orders keys lexicographically by id then numerically by rank. Keys
// that Match are never ordered relative to one another.
func (k Key) Less(o Key) bool {
	if k.ID != o.ID {
		return k.ID < o.ID
	}
	if k.Rank == Any || o.Rank == Any {
		return false
	}
	return k.Rank < o.Rank
}

// Specific is a concrete event instance owned by exactly one holder at a
// time: the messaging layer that created it, the scheduler's outstanding
// store, or the task that finally consumes it.
type Specific struct {
	SourceRank int
	Count      int // logical element count
	RawLength  int // payload length in bytes
	Type       Type
	Persistent bool
	Context    bool // payload is an arena index, not data
	ID         string
	Data       []byte
}

// Key returns the dependency key this event satisfies.
func (e *Specific) Key() Key { return Key{ID: e.ID, Rank: e.SourceRank} }

// Copy returns a deep copy. Persistent events are copied for every
// consumer so that each owns its payload outright.
func (e *Specific) Copy() *Specific {
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return &c
}

// ContextIndex decodes the arena index of a context event payload.
func (e *Specific) ContextIndex() uint64 {
	return binary.LittleEndian.Uint64(e.Data)
}

// EncodeContextIndex builds the payload of a context event.
func EncodeContextIndex(idx uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, idx)
	return buf
}

// Metadata describes a delivered event to its consuming task.
type Metadata struct {
	Type        Type
	NumElements int
	Source      int
	EventID     string
}

// Event is the payload form handed to task functions, one per declared
// dependency in declaration order.
type Event struct {
	Data     []byte
	Metadata Metadata
}

// DecodeInt reads a single little-endian int32 payload element.
func (e Event) DecodeInt() int32 {
	return int32(binary.LittleEndian.Uint32(e.Data))
}

// DecodeInts reads the full payload as little-endian int32 elements.
func (e Event) DecodeInts() []int32 {
	out := make([]int32, e.Metadata.NumElements)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(e.Data[i*4:]))
	}
	return out
}

// EncodeInts builds a little-endian int32 payload buffer.
func EncodeInts(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}
