// Package record frames, encodes and seals whole records on contiguous
// buffers. It is the peer side of the server pipeline: the client uses it,
// and so do the server's end-to-end tests.
package record

import (
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/searchktools/segserver/core/estimate"
	"github.com/searchktools/segserver/core/frame"
	"github.com/searchktools/segserver/core/pools"
	"github.com/searchktools/segserver/core/transform"
)

var (
	ErrTooLarge = errors.New("record: larger than limit")
	ErrShort    = errors.New("record: truncated")
)

// Length reports the full size of the record starting at p, including its
// 4-byte length prefix, once the prefix has arrived.
func Length(p []byte) (int, bool) {
	if len(p) < transform.LenSize {
		return 0, false
	}
	return transform.LenSize + int(binary.BigEndian.Uint32(p)), true
}

// Codec turns frames into records and back. It is not safe for concurrent
// use.
type Codec struct {
	out   []transform.Transform
	in    []transform.Transform
	limit int
	ctx   transform.Context
}

// NewCodec seals outbound records with seal and opens inbound ones with
// open. Records and decoded frames are capped at limit bytes.
func NewCodec(seal, open cipher.AEAD, limit int) *Codec {
	return &Codec{
		out: []transform.Transform{transform.Base64Encode{}, transform.S2Compress{}, transform.Seal{AEAD: seal}},
		in: []transform.Transform{
			transform.Open{AEAD: open},
			transform.S2Decompress{Limit: limit},
			transform.Base64Decode{},
		},
		limit: limit,
		ctx:   transform.Context{Scratch: pools.NewScratch(2*limit + 64)},
	}
}

// ClientCodec talks to a server holding the same keys.
func ClientCodec(keys transform.Keys, limit int) *Codec {
	return NewCodec(keys.C2S, keys.S2C, limit)
}

// ServerCodec is the server's side of ClientCodec.
func ServerCodec(keys transform.Keys, limit int) *Codec {
	return NewCodec(keys.S2C, keys.C2S, limit)
}

// Encode frames body under h and returns the sealed record. The server
// holds the base64 text of the frame once it decompresses the record, so
// a frame whose encoding exceeds limit is refused up front, however well
// it compresses.
func (c *Codec) Encode(h frame.Header, body []byte) ([]byte, error) {
	n := frame.HeaderSize + len(body)
	if enc := base64.RawStdEncoding.EncodedLen(n); enc > c.limit {
		return nil, fmt.Errorf("%w: frame of %d bytes encodes to %d", ErrTooLarge, n, enc)
	}
	rec, err := c.run(c.out, frame.Append(nil, h, body))
	if err != nil {
		return nil, err
	}
	if len(rec) > c.limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(rec), c.limit)
	}
	return rec, nil
}

// Decode opens a record and validates the frame inside it.
func (c *Codec) Decode(rec []byte) (frame.Header, []byte, error) {
	n, ok := Length(rec)
	if !ok || n != len(rec) {
		return frame.Header{}, nil, fmt.Errorf("%w: have %d bytes", ErrShort, len(rec))
	}
	f, err := c.run(c.in, rec)
	if err != nil {
		return frame.Header{}, nil, err
	}
	return frame.Split(f)
}

// run applies transforms to a contiguous buffer with the same framing
// rules the pipeline uses inside a segment.
func (c *Codec) run(chain []transform.Transform, in []byte) ([]byte, error) {
	for _, t := range chain {
		est, err := estimateFor(t, in)
		if err != nil {
			return nil, fmt.Errorf("record: %s: %w", t.Kind(), err)
		}
		hdr := make([]byte, max(est.Strip, est.Prefix))
		copy(hdr, in[:est.Strip])
		payload := est.Payload(len(in))
		buf := make([]byte, payload+est.Headroom)
		copy(buf, in[est.Strip:])

		m, err := t.Apply(&c.ctx, hdr, buf, payload)
		if err != nil {
			return nil, err
		}
		in = append(hdr[:est.Prefix:est.Prefix], buf[:m]...)
	}
	return in, nil
}

func estimateFor(t transform.Transform, in []byte) (estimate.Estimate, error) {
	p := t.Profile()
	if s, ok := p.(estimate.Sizer); ok {
		est, err := p.Estimate(len(in))
		if err != nil {
			return est, err
		}
		return s.Size(in[est.Strip:], len(in))
	}
	return p.Estimate(len(in))
}

// Read reads one record from r into buf, growing it as needed.
func Read(r io.Reader, buf []byte, limit int) ([]byte, error) {
	buf = append(buf[:0], make([]byte, transform.LenSize)...)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	n, _ := Length(buf)
	if n > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, limit)
	}
	buf = append(buf, make([]byte, n-transform.LenSize)...)
	if _, err := io.ReadFull(r, buf[transform.LenSize:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShort, err)
	}
	return buf, nil
}
