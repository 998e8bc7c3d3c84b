package transform

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/searchktools/segserver/core/estimate"
)

// S2Compress encodes the payload as one S2 block. s2 needs disjoint input
// and output, so the block is built in scratch and copied back.
type S2Compress struct{}

func (S2Compress) Kind() estimate.Kind { return estimate.KindCompress }

func (S2Compress) Profile() estimate.Profile { return estimate.S2Compress{} }

func (S2Compress) Apply(ctx *Context, _, buf []byte, n int) (int, error) {
	bound := s2.MaxEncodedLen(n)
	if bound < 0 || bound > len(buf) {
		return 0, Fail(estimate.KindCompress, CodeOverflow, ErrTooLarge)
	}
	dst := ctx.Scratch.Get(bound)
	if dst == nil {
		return 0, Fail(estimate.KindCompress, CodeCapacity, ErrScratch)
	}
	out := s2.Encode(dst, buf[:n])
	return copy(buf, out), nil
}

// S2Decompress decodes one S2 block. Blocks declaring more than Limit
// bytes are rejected before decoding.
type S2Decompress struct {
	Limit int
}

func (S2Decompress) Kind() estimate.Kind { return estimate.KindDecompress }

func (d S2Decompress) Profile() estimate.Profile { return estimate.S2Decompress{Limit: d.Limit} }

func (d S2Decompress) Apply(ctx *Context, _, buf []byte, n int) (int, error) {
	size, err := s2.DecodedLen(buf[:n])
	if err != nil {
		return 0, Fail(estimate.KindDecompress, CodeMalformed, err)
	}
	if size > len(buf) || (d.Limit > 0 && size > d.Limit) {
		return 0, Fail(estimate.KindDecompress, CodeOverflow,
			fmt.Errorf("block declares %d bytes, room for %d", size, len(buf)))
	}
	dst := ctx.Scratch.Get(size)
	if dst == nil {
		return 0, Fail(estimate.KindDecompress, CodeCapacity, ErrScratch)
	}
	out, err := s2.Decode(dst, buf[:n])
	if err != nil {
		return 0, Fail(estimate.KindDecompress, CodeMalformed, err)
	}
	return copy(buf, out), nil
}
