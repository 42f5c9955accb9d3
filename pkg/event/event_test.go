package event

import "testing"

func TestKeyMatchesWildcard(t *testing.T) {
	a := Key{ID: "q", Rank: 1}
	b := Key{ID: "q", Rank: Any}
	if !a.Matches(b) || !b.Matches(a) {
		t.Fatalf("wildcard rank should match any concrete rank")
	}
	if a.Less(b) || b.Less(a) {
		t.Fatalf("matching keys must not be ordered")
	}
	c := Key{ID: "q", Rank: 2}
	if a.Matches(c) {
		t.Fatalf("distinct concrete ranks must not match")
	}
	if !a.Less(c) {
		t.Fatalf("rank ordering broken")
	}
	d := Key{ID: "p", Rank: Any}
	if d.Matches(b) {
		t.Fatalf("different ids must not match")
	}
	if !d.Less(b) {
		t.Fatalf("id ordering broken")
	}
}

func TestSpecificCopyOwnsPayload(t *testing.T) {
	e := &Specific{SourceRank: 3, Count: 2, RawLength: 8, Type: Int, ID: "x", Data: EncodeInts(1, 2)}
	c := e.Copy()
	c.Data[0] = 0xff
	if e.Data[0] == 0xff {
		t.Fatalf("copy aliases the source payload")
	}
	if c.SourceRank != 3 || c.ID != "x" || c.RawLength != 8 {
		t.Fatalf("copy lost fields: %+v", c)
	}
}

func TestSpecificCopyNilPayload(t *testing.T) {
	e := &Specific{Type: NoType, ID: "empty"}
	c := e.Copy()
	if c.Data != nil {
		t.Fatalf("nil payload should stay nil")
	}
}

func TestTypeSizes(t *testing.T) {
	cases := map[Type]int{NoType: 0, Int: 4, Float: 4, Double: 8, Byte: 1, Address: 8, Long: 8}
	for ty, want := range cases {
		if got := ty.Size(); got != want {
			t.Fatalf("size of %s = %d, want %d", ty, got, want)
		}
	}
}

func TestContextIndexRoundtrip(t *testing.T) {
	e := &Specific{Context: true, Data: EncodeContextIndex(42)}
	if e.ContextIndex() != 42 {
		t.Fatalf("context index roundtrip failed")
	}
}
