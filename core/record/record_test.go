package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/segserver/core/frame"
	"github.com/searchktools/segserver/core/transform"
)

func keys(t *testing.T) transform.Keys {
	t.Helper()
	k, err := transform.DeriveKeys([]byte("record test secret"))
	require.NoError(t, err)
	return k
}

func TestRoundTrip(t *testing.T) {
	k := keys(t)
	client := ClientCodec(k, 4096)
	server := ServerCodec(k, 4096)

	rec, err := client.Encode(frame.NewHeader(frame.TypeRequest, 3), []byte("payload"))
	require.NoError(t, err)

	n, ok := Length(rec)
	require.True(t, ok)
	assert.Equal(t, len(rec), n)

	// Only the server direction can open a client record.
	_, _, err = client.Decode(rec)
	assert.Equal(t, transform.CodeAuth, transform.CodeOf(err))

	h, body, err := server.Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.RequestID)
	assert.Equal(t, []byte("payload"), body)
}

func TestLength(t *testing.T) {
	_, ok := Length([]byte{0, 0, 1})
	assert.False(t, ok)

	n, ok := Length([]byte{0, 0, 1, 0, 9})
	assert.True(t, ok)
	assert.Equal(t, 260, n)
}

func TestEncodeLimit(t *testing.T) {
	c := ClientCodec(keys(t), 128)
	_, err := c.Encode(frame.NewHeader(frame.TypeRequest, 1), bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 64))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEncodeLimitCountsDecodedText(t *testing.T) {
	c := ClientCodec(keys(t), 4096)
	h := frame.NewHeader(frame.TypeRequest, 1)

	// 3072 frame bytes are exactly 4096 characters of base64.
	rec, err := c.Encode(h, bytes.Repeat([]byte("a"), 3072-frame.HeaderSize))
	require.NoError(t, err)
	assert.Less(t, len(rec), 200, "compresses well on the wire")

	_, err = c.Encode(h, bytes.Repeat([]byte("a"), 3073-frame.HeaderSize))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = c.Encode(h, bytes.Repeat([]byte("a"), 3400))
	assert.ErrorIs(t, err, ErrTooLarge, "fits the segment as a frame but not as text")
}

func TestDecodeTruncated(t *testing.T) {
	k := keys(t)
	rec, err := ClientCodec(k, 4096).Encode(frame.NewHeader(frame.TypeRequest, 1), []byte("x"))
	require.NoError(t, err)

	_, _, err = ServerCodec(k, 4096).Decode(rec[:len(rec)-1])
	assert.ErrorIs(t, err, ErrShort)
}

func TestRead(t *testing.T) {
	k := keys(t)
	c := ClientCodec(k, 4096)
	a, err := c.Encode(frame.NewHeader(frame.TypeRequest, 1), []byte("first"))
	require.NoError(t, err)
	b, err := c.Encode(frame.NewHeader(frame.TypeRequest, 2), []byte("second"))
	require.NoError(t, err)

	r := bytes.NewReader(append(bytes.Clone(a), b...))
	got, err := Read(r, nil, 4096)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	got, err = Read(r, got, 4096)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = Read(r, nil, 4096)
	assert.ErrorIs(t, err, io.EOF)

	_, err = Read(bytes.NewReader(a), nil, 16)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Read(bytes.NewReader(a[:10]), nil, 4096)
	assert.ErrorIs(t, err, ErrShort)
}
