package estimate

import (
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/s2"
)

func growth(payload, out int) int {
	return max(0, out-payload)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Ratio scales the payload by Num/Den, rounding up. Ratio{4, 3} inflates
// 10 bytes to 14 with 4 bytes of headroom; Ratio{3, 4} deflates 10 to 8.
type Ratio struct {
	Num, Den int
}

func (r Ratio) Estimate(n int) (Estimate, error) {
	out := ceilDiv(n*r.Num, r.Den)
	return Estimate{Out: out, Headroom: growth(n, out), Exact: true}, nil
}

// Fixed adds or removes framing of known size. Strip and Trim bytes are
// removed from the front and back, Prefix and Suffix bytes are added.
type Fixed struct {
	Strip, Trim    int
	Prefix, Suffix int
}

func (f Fixed) Estimate(n int) (Estimate, error) {
	if n < f.Strip+f.Trim {
		return Estimate{}, fmt.Errorf("%w: %d < %d", ErrShortInput, n, f.Strip+f.Trim)
	}
	payload := n - f.Strip
	out := payload - f.Trim + f.Suffix
	return Estimate{
		Strip:    f.Strip,
		Prefix:   f.Prefix,
		Out:      out,
		Headroom: growth(payload, out),
		Exact:    true,
	}, nil
}

// Reply is the profile of a request handler: the response body may be up
// to Bound bytes and is framed by Prefix bytes of header.
type Reply struct {
	Prefix int
	Bound  int
}

func (r Reply) Estimate(n int) (Estimate, error) {
	return Estimate{Prefix: r.Prefix, Out: r.Bound, Headroom: growth(n, r.Bound)}, nil
}

// Identity leaves the length unchanged.
type Identity struct{}

func (Identity) Estimate(n int) (Estimate, error) {
	return Estimate{Out: n, Exact: true}, nil
}

var b64 = base64.RawStdEncoding

// Base64Encode is the unpadded standard alphabet: ceil(4n/3).
type Base64Encode struct{}

func (Base64Encode) Estimate(n int) (Estimate, error) {
	out := b64.EncodedLen(n)
	return Estimate{Out: out, Headroom: growth(n, out), Exact: true}, nil
}

// Base64Decode is the inverse of Base64Encode.
type Base64Decode struct{}

func (Base64Decode) Estimate(n int) (Estimate, error) {
	return Estimate{Out: b64.DecodedLen(n), Exact: true}, nil
}

// S2Compress bounds an S2 block encoding.
type S2Compress struct{}

func (S2Compress) Estimate(n int) (Estimate, error) {
	out := s2.MaxEncodedLen(n)
	if out < 0 {
		return Estimate{}, fmt.Errorf("%w: s2 block of %d bytes", ErrTooLarge, n)
	}
	return Estimate{Out: out, Headroom: growth(n, out)}, nil
}

// S2Decompress reads the decoded length an S2 block declares in its
// header. Without the header only Limit can be promised.
type S2Decompress struct {
	Limit int
}

func (d S2Decompress) Estimate(n int) (Estimate, error) {
	return Estimate{Out: d.Limit, Headroom: growth(n, d.Limit)}, nil
}

func (d S2Decompress) Size(peek []byte, n int) (Estimate, error) {
	out, err := s2.DecodedLen(peek)
	if err != nil {
		return Estimate{}, fmt.Errorf("estimate: s2 header: %w", err)
	}
	if d.Limit > 0 && out > d.Limit {
		return Estimate{}, fmt.Errorf("%w: s2 block declares %d bytes", ErrTooLarge, out)
	}
	return Estimate{Out: out, Headroom: growth(n, out), Exact: true}, nil
}
