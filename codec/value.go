package codec

import (
	"encoding"
	"encoding/json"

	"github.com/pkg/errors"

	"tilewire/message"
)

// MarshalValue converts one argument or result into a message.Value.
//
// Byte slices and encoding.BinaryMarshaler implementations become binary values so large
// buffers cross the channel without a text encoding; anything else is JSON.
func MarshalValue(v any) (message.Value, error) {
	switch x := v.(type) {
	case message.Value:
		return x, nil
	case []byte:
		return message.Value{Binary: true, Data: x}, nil
	case encoding.BinaryMarshaler:
		data, err := x.MarshalBinary()
		if err != nil {
			return message.Value{}, errors.Wrap(err, "marshal binary value")
		}
		return message.Value{Binary: true, Data: data}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return message.Value{}, errors.Wrap(err, "marshal value")
	}
	return message.Value{Data: data}, nil
}

// UnmarshalValue decodes val into v, which must be a non-nil pointer.
//
// A binary value decodes into *[]byte (taking ownership of the buffer) or into an
// encoding.BinaryUnmarshaler. An empty non-binary value leaves v untouched.
func UnmarshalValue(val message.Value, v any) error {
	if val.Binary {
		switch x := v.(type) {
		case *[]byte:
			*x = val.Data
			return nil
		case *message.Value:
			*x = val
			return nil
		case encoding.BinaryUnmarshaler:
			return errors.Wrap(x.UnmarshalBinary(val.Data), "unmarshal binary value")
		}
		return errors.Errorf("cannot decode binary value into %T", v)
	}
	if x, ok := v.(*message.Value); ok {
		*x = val
		return nil
	}
	if len(val.Data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(val.Data, v), "unmarshal value")
}
