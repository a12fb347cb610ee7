// Package gatewayframe implements the fixed 16-byte framing used when a
// session's audio is relayed through a message-broker gateway instead of a
// direct device socket.
//
// Header layout, all multi-byte fields big-endian:
//
//	offset 0  size 1  type (always 1)
//	offset 1  size 1  reserved (always 0)
//	offset 2  size 2  payload length (u16)
//	offset 4  size 4  sequence (u32)
//	offset 8  size 4  timestamp ms mod 2^32 (u32)
//	offset 12 size 4  payload length repeated (u32)
package gatewayframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 16
	frameType  = 1

	maxPayload = 0xFFFF
)

var (
	ErrShortFrame     = errors.New("gatewayframe: frame shorter than header")
	ErrBadType        = errors.New("gatewayframe: unexpected frame type")
	ErrLengthMismatch = errors.New("gatewayframe: length fields disagree")
	ErrTruncated      = errors.New("gatewayframe: payload truncated")
)

// Frame is one decoded relay frame.
type Frame struct {
	Sequence  uint32
	Timestamp uint32
	Payload   []byte
}

// Encode wraps an opus payload in the relay header.
func Encode(sequence, timestampMS uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("gatewayframe: payload %d bytes exceeds u16 length field", len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = frameType
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], sequence)
	binary.BigEndian.PutUint32(buf[8:12], timestampMS)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a relay frame, validating that both length fields agree and
// that the payload is complete. The returned payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	if data[0] != frameType {
		return Frame{}, ErrBadType
	}
	short := int(binary.BigEndian.Uint16(data[2:4]))
	long := int(binary.BigEndian.Uint32(data[12:16]))
	if short != long {
		return Frame{}, ErrLengthMismatch
	}
	if len(data) != HeaderSize+short {
		return Frame{}, ErrTruncated
	}
	return Frame{
		Sequence:  binary.BigEndian.Uint32(data[4:8]),
		Timestamp: binary.BigEndian.Uint32(data[8:12]),
		Payload:   data[HeaderSize:],
	}, nil
}

// Framer stamps outbound frames for one relay connection. Sequence increments
// by one per frame; timestamps are supplied by the caller (virtual play
// position or wall clock) and clamped to be non-decreasing.
//
// A Framer is owned by a single writer goroutine and is not safe for
// concurrent use.
type Framer struct {
	sequence      uint32
	lastTimestamp uint32
	stamped       bool
}

// Next encodes payload with the next sequence number.
func (f *Framer) Next(timestampMS int64, payload []byte) ([]byte, error) {
	ts := uint32(timestampMS)
	if f.stamped && int32(ts-f.lastTimestamp) < 0 {
		ts = f.lastTimestamp
	}
	frame, err := Encode(f.sequence, ts, payload)
	if err != nil {
		return nil, err
	}
	f.sequence++
	f.lastTimestamp = ts
	f.stamped = true
	return frame, nil
}
