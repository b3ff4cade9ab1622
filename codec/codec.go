// Package codec serializes protocol messages for the framed transport and converts Go values
// to and from message.Value.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

// Codec encodes and decodes *message.Message.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, bool) {
	switch name {
	case "json":
		return CodecTypeJSON, true
	case "binary", "":
		return CodecTypeBinary, true
	}
	return 0, false
}
