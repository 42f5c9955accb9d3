package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const helloMagic = "edat/1"

// Hello is exchanged once per direction when two ranks establish a
// session, binding the connection to a rank within a world of known size.
type Hello struct {
	Rank int
	Size int
}

// EncodeHello marshals a hello deterministically so both sides produce
// identical bytes for identical contents.
func EncodeHello(h Hello) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"magic": helloMagic,
		"rank":  float64(h.Rank),
		"size":  float64(h.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: build hello: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// DecodeHello unmarshals and validates a hello frame.
func DecodeHello(b []byte) (Hello, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Hello{}, fmt.Errorf("protocol: parse hello: %w", err)
	}
	f := s.GetFields()
	if f["magic"].GetStringValue() != helloMagic {
		return Hello{}, fmt.Errorf("protocol: bad hello magic %q", f["magic"].GetStringValue())
	}
	h := Hello{
		Rank: int(f["rank"].GetNumberValue()),
		Size: int(f["size"].GetNumberValue()),
	}
	if h.Size <= 0 || h.Rank < 0 || h.Rank >= h.Size {
		return Hello{}, fmt.Errorf("protocol: hello rank %d out of range for size %d", h.Rank, h.Size)
	}
	return h, nil
}
