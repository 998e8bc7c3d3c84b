package frame

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendSplit(t *testing.T) {
	h := NewHeader(TypeRequest, 42)
	h.Codec = 2
	h.SetFlag(FlagPriority)

	buf := Append(nil, h, []byte("payload"))
	require.Len(t, buf, HeaderSize+7)

	got, body, err := Split(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)
	assert.Equal(t, TypeRequest, got.Type)
	assert.Equal(t, uint32(42), got.RequestID)
	assert.Equal(t, byte(2), got.Codec)
	assert.Equal(t, uint32(7), got.Length)
	assert.True(t, got.HasFlag(FlagPriority))
	assert.Equal(t, Checksum([]byte("payload")), got.Checksum)
}

func TestParseRejects(t *testing.T) {
	good := Append(nil, NewHeader(TypePing, 1), []byte("x"))

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:HeaderSize-1] }, ErrShortHeader},
		{"magic", func(b []byte) []byte { b[0] ^= 0xff; return b }, ErrInvalidMagic},
		{"version", func(b []byte) []byte { b[4] = 9; return b }, ErrInvalidVersion},
		{"type", func(b []byte) []byte { b[5] = 0x55; return b }, ErrInvalidType},
		{"length", func(b []byte) []byte { binary.BigEndian.PutUint32(b[12:16], 2); return b }, ErrLength},
		{"checksum", func(b []byte) []byte { b[len(b)-1] ^= 1; return b }, ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := append([]byte(nil), good...)
			_, _, err := Split(tt.mutate(b))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPutMatchesAppend(t *testing.T) {
	h := NewHeader(TypeResponse, 7)
	body := []byte("abc")
	h.Seal(body)

	var hdr [HeaderSize]byte
	h.Put(hdr[:])
	assert.Equal(t, Append(nil, NewHeader(TypeResponse, 7), body)[:HeaderSize], hdr[:])

	parsed, err := Parse(hdr[:], body)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}
