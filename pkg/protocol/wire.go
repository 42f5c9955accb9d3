// Package protocol implements the on-the-wire encoding of events and the
// message tags shared by every transport.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/severinstrobl/edat/pkg/event"
)

// Message tags. Chosen >= 16384 so application-level tags can never
// collide with them.
const (
	TagData            = 16384
	TagQuiesceAnnounce = 16385
	TagQuiesceConfirm  = 16386
)

// Event frame layout, little-endian:
//
//	0  ..3   type tag (int32)
//	4  ..7   source rank (int32)
//	8  ..11  event-id length N (int32, excluding the trailing NUL)
//	12       persistent flag (0/1)
//	13 ..13+N  event-id, NUL-terminated
//	rest     raw payload, length = frame length - (13 + N + 1)
const headerLen = 13

// EncodeEvent serializes an event into a single data frame.
func EncodeEvent(e *event.Specific) []byte {
	idLen := len(e.ID)
	buf := make([]byte, headerLen+idLen+1+len(e.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.SourceRank))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(idLen))
	if e.Persistent {
		buf[12] = 1
	}
	copy(buf[headerLen:], e.ID)
	buf[headerLen+idLen] = 0
	copy(buf[headerLen+idLen+1:], e.Data)
	return buf
}

// DecodeEvent parses a data frame back into an event. The element count is
// derived from the payload length and the element size of the type; for
// context types the caller supplies the element size through elemSize.
func DecodeEvent(frame []byte, elemSize func(event.Type) int) (*event.Specific, error) {
	if len(frame) < headerLen+1 {
		return nil, errors.New("protocol: short event frame")
	}
	ty := event.Type(int32(binary.LittleEndian.Uint32(frame[0:4])))
	source := int(int32(binary.LittleEndian.Uint32(frame[4:8])))
	idLen := int(int32(binary.LittleEndian.Uint32(frame[8:12])))
	persistent := frame[12] == 1
	if idLen < 0 || headerLen+idLen+1 > len(frame) {
		return nil, fmt.Errorf("protocol: event-id length %d exceeds frame", idLen)
	}
	id := frame[headerLen : headerLen+idLen]
	if frame[headerLen+idLen] != 0 {
		return nil, errors.New("protocol: event-id not NUL-terminated")
	}
	if i := bytes.IndexByte(id, 0); i >= 0 {
		return nil, errors.New("protocol: embedded NUL in event-id")
	}
	var data []byte
	dataLen := len(frame) - (headerLen + idLen + 1)
	if dataLen > 0 {
		data = append([]byte(nil), frame[headerLen+idLen+1:]...)
	}
	count := 0
	if dataLen > 0 {
		if sz := elemSize(ty); sz > 0 {
			count = dataLen / sz
		}
	}
	return &event.Specific{
		SourceRank: source,
		Count:      count,
		RawLength:  dataLen,
		Type:       ty,
		Persistent: persistent,
		ID:         string(id),
		Data:       data,
	}, nil
}

// EncodeInt32 frames a single little-endian int32, used by the quiescence
// protocol for nonces and decisions.
func EncodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// DecodeInt32 parses a quiescence control payload.
func DecodeInt32(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("protocol: control payload is %d bytes, want 4", len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}
