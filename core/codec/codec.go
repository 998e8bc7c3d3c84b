package codec

import (
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrRawTarget        = errors.New("raw codec needs *[]byte or []byte")
)

// Codec defines the interface for encoding/decoding frame bodies
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v interface{}) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v interface{}) error

	// Name returns the codec name
	Name() string
}

// CodecType is the codec byte carried in a frame header
type CodecType byte

const (
	CodecRaw      CodecType = 0x00
	CodecJSON     CodecType = 0x01
	CodecMsgPack  CodecType = 0x02
	CodecProtobuf CodecType = 0x03
)

// GetCodec returns a codec by type
func GetCodec(typ CodecType) (Codec, error) {
	switch typ {
	case CodecRaw:
		return &RawCodec{}, nil
	case CodecJSON:
		return &JSONCodec{}, nil
	case CodecMsgPack:
		return &MsgPackCodec{}, nil
	case CodecProtobuf:
		return &ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCodec, byte(typ))
	}
}

// ByName returns a codec by its Name.
func ByName(name string) (Codec, CodecType, error) {
	for _, typ := range []CodecType{CodecRaw, CodecJSON, CodecMsgPack, CodecProtobuf} {
		c, _ := GetCodec(typ)
		if c.Name() == name {
			return c, typ, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
}

// JSONCodec implements JSON encoding/decoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	return sonnet.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v interface{}) error {
	return sonnet.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

// RawCodec passes bodies through unchanged.
type RawCodec struct{}

func (c *RawCodec) Encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("%w, got %T", ErrRawTarget, v)
}

func (c *RawCodec) Decode(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w, got %T", ErrRawTarget, v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (c *RawCodec) Name() string {
	return "raw"
}
