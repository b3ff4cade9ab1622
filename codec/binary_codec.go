package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"tilewire/message"
)

// BinaryCodec writes messages as big-endian length-prefixed fields.
//
//	common:   kind(1) id(4)
//	event:    nameLen(2) name argc(2) [flag(1) len(4) data]... cbc(2) [idx(2)]...
//	response: resc(2) [flag(1) len(4) data]... errc(2) [len(4) msg]...
//	proxy:    side(1) nestedLen(4) nested
//
// Binary values are copied once into the frame body and never base64-encoded.
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *message.Message
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Message")
	}
	return appendMessage(nil, msg)
}

func appendMessage(buf []byte, msg *message.Message) ([]byte, error) {
	buf = append(buf, byte(msg.Kind))
	buf = binary.BigEndian.AppendUint32(buf, msg.ID)

	switch msg.Kind {
	case message.KindEvent:
		if len(msg.Event) > math.MaxUint16 {
			return nil, errors.Errorf("BinaryCodec: event name too long (%d)", len(msg.Event))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Event)))
		buf = append(buf, msg.Event...)
		var err error
		if buf, err = appendValues(buf, msg.Args); err != nil {
			return nil, err
		}
		if len(msg.Callbacks) > math.MaxUint16 {
			return nil, errors.New("BinaryCodec: too many callbacks")
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Callbacks)))
		for _, idx := range msg.Callbacks {
			buf = binary.BigEndian.AppendUint16(buf, uint16(idx))
		}
	case message.KindResponse:
		var err error
		if buf, err = appendValues(buf, msg.Results); err != nil {
			return nil, err
		}
		if len(msg.Errors) > math.MaxUint16 {
			return nil, errors.New("BinaryCodec: too many errors")
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Errors)))
		for _, e := range msg.Errors {
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(e)))
			buf = append(buf, e...)
		}
	case message.KindProxy:
		if msg.Message == nil {
			return nil, errors.Errorf("BinaryCodec: proxy %d without nested message", msg.ID)
		}
		buf = append(buf, byte(msg.Side))
		nested, err := appendMessage(nil, msg.Message)
		if err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(nested)))
		buf = append(buf, nested...)
	default:
		return nil, errors.Errorf("BinaryCodec: unknown message kind %d", msg.Kind)
	}
	return buf, nil
}

func appendValues(buf []byte, values []message.Value) ([]byte, error) {
	if len(values) > math.MaxUint16 {
		return nil, errors.Errorf("BinaryCodec: too many values (%d)", len(values))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
	for _, v := range values {
		var flag byte
		if v.Binary {
			flag = 1
		}
		buf = append(buf, flag)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Data)))
		buf = append(buf, v.Data...)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *message.Message
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Message")
	}
	r := &reader{data: data}
	r.message(msg)
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return errors.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a body and records the first error; later reads become no-ops.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// bytes copies n bytes out so decoded messages never alias the frame buffer.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) values() []message.Value {
	n := int(r.u16())
	if n == 0 || r.err != nil {
		return nil
	}
	values := make([]message.Value, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		flag := r.u8()
		size := int(r.u32())
		var data []byte
		if size > 0 {
			data = r.bytes(size)
		}
		values = append(values, message.Value{Binary: flag&1 == 1, Data: data})
	}
	return values
}

func (r *reader) message(msg *message.Message) {
	msg.Kind = message.Kind(r.u8())
	msg.ID = r.u32()
	if r.err != nil {
		return
	}

	switch msg.Kind {
	case message.KindEvent:
		msg.Event = string(r.take(int(r.u16())))
		msg.Args = r.values()
		if n := int(r.u16()); n > 0 {
			msg.Callbacks = make([]int, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.Callbacks = append(msg.Callbacks, int(r.u16()))
			}
		}
	case message.KindResponse:
		msg.Results = r.values()
		if n := int(r.u16()); n > 0 {
			msg.Errors = make([]string, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				msg.Errors = append(msg.Errors, string(r.take(int(r.u32()))))
			}
		}
	case message.KindProxy:
		msg.Side = message.Side(r.u8())
		size := int(r.u32())
		body := r.take(size)
		if r.err != nil {
			return
		}
		nested := &reader{data: body}
		msg.Message = &message.Message{}
		nested.message(msg.Message)
		if nested.err == nil && nested.off != len(body) {
			nested.err = errors.Errorf("BinaryCodec: %d trailing bytes in proxy %d", len(body)-nested.off, msg.ID)
		}
		r.err = nested.err
	default:
		r.err = errors.Errorf("BinaryCodec: unknown message kind %d", msg.Kind)
	}
}
