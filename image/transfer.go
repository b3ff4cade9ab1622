package image

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Transfer is a volume in flight between a worker and the orchestrator. It carries the
// stored form as is, so a volume stashed on one side is never expanded just to be moved.
type Transfer struct {
	Width       int
	Height      int
	Depth       int
	Codec       string
	Digest      [32]byte
	Stored      []byte
	Projections Projections
}

// ToTransferable returns the volume's transferable form. A volume without a stored form
// is stashed first.
func (v *Volume) ToTransferable() (*Transfer, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stored == nil {
		v.cancelTimerLocked()
		if _, err := v.stashLocked(); err != nil {
			return nil, err
		}
	}
	return &Transfer{
		Width:       v.Width,
		Height:      v.Height,
		Depth:       v.Depth,
		Codec:       v.codec.Name(),
		Digest:      v.digest,
		Stored:      v.stored,
		Projections: v.projections,
	}, nil
}

// FromTransferable rebuilds a stashed volume. The stored form is adopted without copying;
// the codec named in t wins over any WithCodec option.
func FromTransferable(t *Transfer, opts ...Option) (*Volume, error) {
	if t == nil || t.Stored == nil {
		return nil, errors.New("transfer carries no stored form")
	}
	c, err := CodecByName(t.Codec)
	if err != nil {
		return nil, err
	}
	v, err := newVolume(t.Width, t.Height, t.Depth, append(opts, WithCodec(c)))
	if err != nil {
		return nil, err
	}
	if err := t.Projections.check(t.Width, t.Height, t.Depth); err != nil {
		return nil, err
	}
	v.status = StatusStashed
	v.stored = t.Stored
	v.digest = t.Digest
	v.projections = t.Projections
	return v, nil
}

// Wire layout, big endian:
//
//	width u32 | height u32 | depth u32 | codec len u8 | codec | digest [32]
//	stored len u32 | stored | x len u32 | x | y len u32 | y | z len u32 | z
//
// A zero projection length means the projection was never generated.

// MarshalBinary lets a Transfer travel as an opaque binary value.
func (t *Transfer) MarshalBinary() ([]byte, error) {
	if len(t.Codec) > 255 {
		return nil, errors.Errorf("codec name %q too long", t.Codec)
	}
	n := 12 + 1 + len(t.Codec) + 32 + 4*4 + len(t.Stored) +
		len(t.Projections.X) + len(t.Projections.Y) + len(t.Projections.Z)
	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.Width))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.Height))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.Depth))
	buf = append(buf, byte(len(t.Codec)))
	buf = append(buf, t.Codec...)
	buf = append(buf, t.Digest[:]...)
	for _, b := range [][]byte{t.Stored, t.Projections.X, t.Projections.Y, t.Projections.Z} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}
	return buf, nil
}

// UnmarshalBinary decodes data. Byte slices in t alias data.
func (t *Transfer) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}
	t.Width = int(r.uint32())
	t.Height = int(r.uint32())
	t.Depth = int(r.uint32())
	t.Codec = string(r.bytes(int(r.byte())))
	copy(t.Digest[:], r.bytes(32))
	t.Stored = r.chunk()
	t.Projections.X = r.chunk()
	t.Projections.Y = r.chunk()
	t.Projections.Z = r.chunk()
	if r.err != nil {
		return errors.Wrap(r.err, "decode transfer")
	}
	if len(r.buf) != 0 {
		return errors.Errorf("decode transfer: %d trailing bytes", len(r.buf))
	}
	return nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = errors.Errorf("need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	b := r.buf[:n:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// chunk reads a length-prefixed slice; an empty one comes back nil.
func (r *reader) chunk() []byte {
	n := int(r.uint32())
	if n == 0 {
		return nil
	}
	return r.bytes(n)
}
