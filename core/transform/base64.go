package transform

import (
	"encoding/base64"

	"github.com/searchktools/segserver/core/estimate"
)

var b64 = base64.RawStdEncoding

// Base64Encode grows the payload to ceil(4n/3) bytes.
type Base64Encode struct{}

func (Base64Encode) Kind() estimate.Kind { return estimate.KindEncode }

func (Base64Encode) Profile() estimate.Profile { return estimate.Base64Encode{} }

func (Base64Encode) Apply(ctx *Context, _, buf []byte, n int) (int, error) {
	size := b64.EncodedLen(n)
	if size > len(buf) {
		return 0, Fail(estimate.KindEncode, CodeOverflow, ErrTooLarge)
	}
	dst := ctx.Scratch.Get(size)
	if dst == nil {
		return 0, Fail(estimate.KindEncode, CodeCapacity, ErrScratch)
	}
	b64.Encode(dst, buf[:n])
	return copy(buf, dst), nil
}

// Base64Decode shrinks the payload to floor(3n/4) bytes.
type Base64Decode struct{}

func (Base64Decode) Kind() estimate.Kind { return estimate.KindDecode }

func (Base64Decode) Profile() estimate.Profile { return estimate.Base64Decode{} }

func (Base64Decode) Apply(ctx *Context, _, buf []byte, n int) (int, error) {
	dst := ctx.Scratch.Get(b64.DecodedLen(n))
	if dst == nil {
		return 0, Fail(estimate.KindDecode, CodeCapacity, ErrScratch)
	}
	m, err := b64.Decode(dst, buf[:n])
	if err != nil {
		return 0, Fail(estimate.KindDecode, CodeMalformed, err)
	}
	return copy(buf, dst[:m]), nil
}
