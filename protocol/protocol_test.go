package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		FrameType: FrameEvent,
		ID:        12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, header.CodecType, decodedHeader.CodecType)
	assert.Equal(t, header.FrameType, decodedHeader.FrameType)
	assert.Equal(t, header.ID, decodedHeader.ID)
	assert.Equal(t, uint32(len(body)), decodedHeader.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(FrameEvent), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeHeartbeat(t *testing.T) {
	header := Header{
		CodecType: CodecTypeBinary,
		FrameType: FrameHeartbeat,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))
	assert.Equal(t, HeaderSize, buf.Len())

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, decodedHeader.FrameType)
	assert.Zero(t, decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeInvalidHeaderFields(t *testing.T) {
	tests := []struct {
		name    string
		patch   func(frame []byte)
		wantErr string
	}{
		{"version", func(f []byte) { f[3] = 0xFF }, "unsupported version"},
		{"codec", func(f []byte) { f[4] = 9 }, "unsupported codec type"},
		{"frame type", func(f []byte) { f[5] = 42 }, "unsupported frame type"},
		{"body length", func(f []byte) { f[10] = 0xFF }, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, &Header{FrameType: FrameResponse, ID: 1}, nil))
			frame := buf.Bytes()
			tt.patch(frame)

			_, _, err := Decode(bytes.NewReader(frame))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	// 1MB body, the size of a small decoded stack
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		FrameType: FrameResponse,
		ID:        999,
	}

	require.NoError(t, Encode(&buf, header, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{FrameType: FrameEvent}, []byte("0123456789")))
	truncated := buf.Bytes()[:HeaderSize+4]

	_, _, err := Decode(bytes.NewReader(truncated))
	require.Error(t, err)
}
