package image

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec turns a resident buffer into its stored form and back.
type Codec interface {
	Name() string
	Compress(raw []byte) ([]byte, error)
	// Decompress restores exactly size bytes.
	Decompress(stored []byte, size int) ([]byte, error)
}

// CodecByName returns the codec recorded in a transfer or configured as
// residency.compression.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "zstd", "":
		return NewZstdCodec()
	case "none":
		return RawCodec{}, nil
	}
	return nil, errors.Errorf("unknown residency codec %q", name)
}

// RawCodec stores a private copy of the buffer.
type RawCodec struct{}

func (RawCodec) Name() string { return "none" }

func (RawCodec) Compress(raw []byte) ([]byte, error) {
	return append([]byte(nil), raw...), nil
}

func (RawCodec) Decompress(stored []byte, size int) ([]byte, error) {
	if len(stored) != size {
		return nil, errors.Errorf("stored form holds %d bytes, want %d", len(stored), size)
	}
	return append([]byte(nil), stored...), nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// ZstdCodec compresses with zstd. Gray microscopy stacks with dark backgrounds shrink
// well, which is what makes stashing worth it.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec returns a codec backed by a process-wide encoder and decoder; EncodeAll and
// DecodeAll are safe for concurrent use.
func NewZstdCodec() (*ZstdCodec, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxVolumeBytes))
	})
	if zstdErr != nil {
		return nil, errors.Wrap(zstdErr, "init zstd")
	}
	return &ZstdCodec{enc: zstdEncoder, dec: zstdDecoder}, nil
}

func (c *ZstdCodec) Name() string { return "zstd" }

func (c *ZstdCodec) Compress(raw []byte) ([]byte, error) {
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func (c *ZstdCodec) Decompress(stored []byte, size int) ([]byte, error) {
	if size < 0 || int64(size) > MaxVolumeBytes {
		return nil, errors.Errorf("invalid expanded size %d", size)
	}
	out, err := c.dec.DecodeAll(stored, make([]byte, 0, size))
	if err != nil {
		return nil, errors.Wrap(err, "zstd")
	}
	if len(out) != size {
		return nil, errors.Errorf("stored form expands to %d bytes, want %d", len(out), size)
	}
	return out, nil
}
