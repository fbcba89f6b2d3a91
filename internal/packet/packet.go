// Package packet implements RawPacket, the length-prefixed opaque byte
// buffer shared by every transport and the dispatcher.
package packet

import (
	"encoding/binary"
	"fmt"
)

// MaxLength is the largest total length of a RawPacket, tag byte included
// (so the payload is at most MaxLength-1 bytes).
const MaxLength = 65535

// Wire tags used by the core protocol.
const (
	TagSyncResponse       byte = 1
	TagCreateNewPlayer    byte = 2
	TagPing               byte = 3
	TagGameFrameProgress  byte = 4
	TagGamestateDump      byte = 5
	TagChat               byte = 6
	TagPause              byte = 7
	TagKeyframe           byte = 8
	TagUserSpeed          byte = 9
	TagInternalSpeed      byte = 10
	TagSystemMessage      byte = 11
	TagReject             byte = 12
	TagQuit               byte = 13
	TagGameOver           byte = 14
)

// RawPacket is an immutable, shallow-copyable byte buffer. The first byte
// of Bytes() is always the tag; callers never mutate the buffer after
// construction — producers hand out the same backing array to every
// recipient of a broadcast.
type RawPacket struct {
	buf []byte
}

// New builds a RawPacket from a tag and payload. The payload is copied once
// here; after that copy, the RawPacket is immutable.
func New(tag byte, payload []byte) (RawPacket, error) {
	if len(payload) > MaxLength-1 {
		return RawPacket{}, fmt.Errorf("packet payload too large: %d bytes", len(payload))
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = tag
	copy(buf[1:], payload)
	return RawPacket{buf: buf}, nil
}

// Wrap adopts an already-framed byte slice (tag + payload) as a RawPacket
// without copying. The caller must not mutate data afterwards.
func Wrap(data []byte) (RawPacket, error) {
	if len(data) == 0 {
		return RawPacket{}, fmt.Errorf("empty packet")
	}
	if len(data) > MaxLength {
		return RawPacket{}, fmt.Errorf("packet too large: %d bytes", len(data))
	}
	return RawPacket{buf: data}, nil
}

// Len returns the total length including the tag byte.
func (p RawPacket) Len() int { return len(p.buf) }

// Tag returns the first byte, or 0 if the packet is the zero value.
func (p RawPacket) Tag() byte {
	if len(p.buf) == 0 {
		return 0
	}
	return p.buf[0]
}

// Payload returns the bytes after the tag. The returned slice aliases the
// packet's backing array and must not be mutated.
func (p RawPacket) Payload() []byte {
	if len(p.buf) < 2 {
		return nil
	}
	return p.buf[1:]
}

// Bytes returns the full wire representation (tag + payload), aliasing the
// backing array.
func (p RawPacket) Bytes() []byte { return p.buf }

// Encode prefixes a packet with its 2-byte big-endian length, for storing
// multiple packets back-to-back in a contiguous buffer (transport plugins
// exchange whole discrete messages and don't need an explicit length
// prefix; the dispatcher's replay cache keeps RawPacket values, not
// encoded bytes).
func Encode(p RawPacket) []byte {
	out := make([]byte, 2+len(p.buf))
	binary.BigEndian.PutUint16(out, uint16(len(p.buf)))
	copy(out[2:], p.buf)
	return out
}

// Decode reverses Encode, returning the packet and the number of bytes
// consumed from data. It returns ok=false if data does not yet contain a
// full frame.
func Decode(data []byte) (p RawPacket, consumed int, ok bool, err error) {
	if len(data) < 2 {
		return RawPacket{}, 0, false, nil
	}
	n := int(binary.BigEndian.Uint16(data))
	if n == 0 {
		return RawPacket{}, 2, true, fmt.Errorf("zero-length packet")
	}
	if len(data) < 2+n {
		return RawPacket{}, 0, false, nil
	}
	buf := make([]byte, n)
	copy(buf, data[2:2+n])
	pkt, err := Wrap(buf)
	if err != nil {
		return RawPacket{}, 2 + n, true, err
	}
	return pkt, 2 + n, true, nil
}
