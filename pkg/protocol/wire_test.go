package protocol

import (
	"bytes"
	"testing"

	"github.com/severinstrobl/edat/pkg/event"
)

func builtinSize(t event.Type) int { return t.Size() }

func TestEventRoundtrip(t *testing.T) {
	e := &event.Specific{
		SourceRank: 3,
		Count:      2,
		RawLength:  8,
		Type:       event.Int,
		Persistent: true,
		ID:         "pressure-halo",
		Data:       event.EncodeInts(17, -4),
	}
	frame := EncodeEvent(e)
	got, err := DecodeEvent(frame, builtinSize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SourceRank != e.SourceRank || got.Count != e.Count || got.RawLength != e.RawLength ||
		got.Type != e.Type || got.Persistent != e.Persistent || got.ID != e.ID {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, e)
	}
	if !bytes.Equal(got.Data, e.Data) {
		t.Fatalf("payload mismatch")
	}
}

func TestEventRoundtripEmptyPayload(t *testing.T) {
	e := &event.Specific{SourceRank: 0, Type: event.NoType, ID: "go"}
	got, err := DecodeEvent(EncodeEvent(e), builtinSize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data != nil || got.Count != 0 || got.RawLength != 0 {
		t.Fatalf("empty payload decoded as %+v", got)
	}
	if got.ID != "go" {
		t.Fatalf("id mismatch: %q", got.ID)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	e := &event.Specific{SourceRank: 1, Type: event.Byte, ID: "x", Data: []byte{1}, Count: 1, RawLength: 1}
	frame := EncodeEvent(e)
	if _, err := DecodeEvent(frame[:10], builtinSize); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestControlRoundtrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, -2, 0x7fffffff} {
		got, err := DecodeInt32(EncodeInt32(v))
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("control roundtrip: %d != %d", got, v)
		}
	}
	if _, err := DecodeInt32([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for short control payload")
	}
}

func TestHelloRoundtrip(t *testing.T) {
	b, err := EncodeHello(Hello{Rank: 2, Size: 4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, err := DecodeHello(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Rank != 2 || h.Size != 4 {
		t.Fatalf("hello mismatch: %+v", h)
	}
}

func TestHelloRejectsBadRank(t *testing.T) {
	b, err := EncodeHello(Hello{Rank: 9, Size: 4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeHello(b); err == nil {
		t.Fatalf("expected range error")
	}
}
