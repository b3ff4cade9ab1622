// Package protocol implements the binary frame used when a worker channel runs over a byte
// stream (TCP, pipes).
//
// It solves the stream's message-boundary problem with a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│   id    │ bodyLen │    body ...    │
//	│ tlw  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "tlw" (tilewire).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x74 // 't'
	MagicByte2  byte = 0x6c // 'l'
	MagicByte3  byte = 0x77 // 'w'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (id) + 4 (bodyLen)
)

// MaxBodyLen bounds a single frame. Volumes travel as one binary value, so this is sized
// for a large stack rather than for control messages.
const MaxBodyLen uint32 = 1 << 30

// FrameType mirrors message.Kind plus the transport-only heartbeat.
type FrameType byte

const (
	FrameEvent     FrameType = 0
	FrameResponse  FrameType = 1
	FrameProxy     FrameType = 2
	FrameHeartbeat FrameType = 3 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte      // Serialization format: 0=JSON, 1=Binary
	FrameType FrameType // Event, Response, Proxy or Heartbeat
	ID        uint32    // Message id, duplicated from the body for tracing
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different messages will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.ID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Body may be nil for heartbeat frames
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, frame type and body length.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, errors.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	frameType := FrameType(headerBuf[5])
	if frameType > FrameHeartbeat {
		return nil, nil, errors.Errorf("unsupported frame type: %d", frameType)
	}

	id := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		ID:        id,
		BodyLen:   bodyLen,
	}, body, nil
}
