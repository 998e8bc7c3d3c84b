package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Frame Format (24-byte header + body):
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Magic (4 bytes)                   | Ver    | Type   | Flags  | Codec  |
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | RequestID (4 bytes)               | PayloadLen (4 bytes)              |
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Checksum, xxhash64 of body (8 bytes)                                  |
// +--------+--------+--------+--------+--------+--------+--------+--------+
// | Body (PayloadLen bytes)                                               |
// +--------+--------+--------+--------+--------+--------+--------+--------+

const (
	// Magic number: "SEG\0"
	Magic uint32 = 0x53454700

	// Protocol version
	Version byte = 0x01

	// Header size (fixed)
	HeaderSize = 24
)

// Frame types
const (
	TypeRequest  byte = 0x01 // Request
	TypeResponse byte = 0x02 // Response to a request
	TypeError    byte = 0x06 // Error response, body is a message
	TypePing     byte = 0x07 // Keepalive ping
	TypePong     byte = 0x08 // Keepalive pong
)

// Frame flags
const (
	FlagPriority byte = 1 << 1 // High priority message
)

var (
	ErrShortHeader    = errors.New("frame: short header")
	ErrInvalidMagic   = errors.New("frame: invalid magic number")
	ErrInvalidVersion = errors.New("frame: unsupported protocol version")
	ErrInvalidType    = errors.New("frame: unknown frame type")
	ErrLength         = errors.New("frame: payload length mismatch")
	ErrChecksum       = errors.New("frame: checksum mismatch")
)

// Header is the typed view of a validated frame header.
type Header struct {
	Version   byte
	Type      byte
	Flags     byte
	Codec     byte
	RequestID uint32
	Length    uint32
	Checksum  uint64
}

// NewHeader returns a header of the current version.
func NewHeader(typ byte, requestID uint32) Header {
	return Header{Version: Version, Type: typ, RequestID: requestID}
}

// SetFlag sets a flag bit
func (h *Header) SetFlag(flag byte) {
	h.Flags |= flag
}

// HasFlag checks if a flag is set
func (h Header) HasFlag(flag byte) bool {
	return h.Flags&flag != 0
}

// Seal fills Length and Checksum from body.
func (h *Header) Seal(body []byte) {
	h.Length = uint32(len(body))
	h.Checksum = Checksum(body)
}

// Put writes the header into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint32(dst[0:4], Magic)
	dst[4] = h.Version
	dst[5] = h.Type
	dst[6] = h.Flags
	dst[7] = h.Codec
	binary.BigEndian.PutUint32(dst[8:12], h.RequestID)
	binary.BigEndian.PutUint32(dst[12:16], h.Length)
	binary.BigEndian.PutUint64(dst[16:24], h.Checksum)
}

// Append appends the header and body to dst. Length and Checksum are
// computed from body.
func Append(dst []byte, h Header, body []byte) []byte {
	h.Seal(body)
	var hdr [HeaderSize]byte
	h.Put(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// ParseHeader validates the fixed header fields and returns the typed
// view. The body is not examined.
func ParseHeader(hdr []byte) (Header, error) {
	if len(hdr) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d, got %d", ErrShortHeader, HeaderSize, len(hdr))
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	if hdr[4] != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidVersion, hdr[4])
	}
	switch hdr[5] {
	case TypeRequest, TypeResponse, TypeError, TypePing, TypePong:
	default:
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrInvalidType, hdr[5])
	}

	return Header{
		Version:   hdr[4],
		Type:      hdr[5],
		Flags:     hdr[6],
		Codec:     hdr[7],
		RequestID: binary.BigEndian.Uint32(hdr[8:12]),
		Length:    binary.BigEndian.Uint32(hdr[12:16]),
		Checksum:  binary.BigEndian.Uint64(hdr[16:24]),
	}, nil
}

// Parse validates a header against its body and only then returns the
// typed view.
func Parse(hdr, body []byte) (Header, error) {
	h, err := ParseHeader(hdr)
	if err != nil {
		return Header{}, err
	}
	if int(h.Length) != len(body) {
		return Header{}, fmt.Errorf("%w: header says %d, body has %d", ErrLength, h.Length, len(body))
	}
	if Checksum(body) != h.Checksum {
		return Header{}, ErrChecksum
	}
	return h, nil
}

// Split parses a contiguous frame into its header and body.
func Split(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: need %d, got %d", ErrShortHeader, HeaderSize, len(buf))
	}
	body := buf[HeaderSize:]
	h, err := Parse(buf[:HeaderSize], body)
	if err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// Checksum is the body checksum carried in the header.
func Checksum(body []byte) uint64 {
	return xxhash.Sum64(body)
}
