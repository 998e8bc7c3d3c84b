// Package estimate predicts how each transform kind changes a segment's
// occupied length, so the pipeline can reserve headroom before a transform
// runs in place.
//
// Profiles must be conservative. An Estimate that under-reports headroom
// lets a transform write past its reserved space, which in a circular
// window overwrites bytes that have not been processed yet.
package estimate

import (
	"errors"
	"fmt"
)

// Kind identifies a transform in the fixed pipeline order.
type Kind uint8

const (
	KindDecrypt Kind = iota + 1
	KindDecompress
	KindDecode
	KindTransmute
	KindProcess
	KindEncode
	KindCompress
	KindEncrypt

	numKinds = int(KindEncrypt) + 1
)

var kindNames = [numKinds]string{
	KindDecrypt:    "decrypt",
	KindDecompress: "decompress",
	KindDecode:     "decode",
	KindTransmute:  "transmute",
	KindProcess:    "process",
	KindEncode:     "encode",
	KindCompress:   "compress",
	KindEncrypt:    "encrypt",
}

func (k Kind) String() string {
	if int(k) < numKinds && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds lists every kind in pipeline order.
func Kinds() []Kind {
	return []Kind{KindDecrypt, KindDecompress, KindDecode, KindTransmute, KindProcess, KindEncode, KindCompress, KindEncrypt}
}

var (
	ErrUnknownKind = errors.New("estimate: no profile for kind")
	ErrShortInput  = errors.New("estimate: input shorter than fixed framing")
	ErrTooLarge    = errors.New("estimate: input too large for transform")
)

// Estimate describes one transform applied to an occupied range of n bytes.
//
// The first Strip bytes are framing that is removed; the transform sees the
// remaining n-Strip bytes as its payload. Out is the payload length after
// the transform, exact when Exact is set and an upper bound otherwise.
// Prefix bytes of new framing are written in front of the payload
// afterwards. Headroom is the growth the payload needs beyond its input
// length, max(0, Out-(n-Strip)).
type Estimate struct {
	Strip    int
	Prefix   int
	Out      int
	Headroom int
	Exact    bool
}

// Payload is the number of bytes the transform receives.
func (e Estimate) Payload(n int) int { return n - e.Strip }

// Need is the window space the transform requires while it runs: the larger
// of the stripped and prefixed framing plus the payload and its headroom.
func (e Estimate) Need(n int) int {
	return max(e.Strip, e.Prefix) + e.Payload(n) + e.Headroom
}

// Total is the occupied length after the transform.
func (e Estimate) Total() int { return e.Prefix + e.Out }

// Profile is the length function of one transform kind.
type Profile interface {
	Estimate(n int) (Estimate, error)
}

// Sizer is implemented by profiles that can compute an exact estimate
// from the first bytes of the payload, e.g. a declared decoded length.
type Sizer interface {
	Size(peek []byte, n int) (Estimate, error)
}

// PeekSize is how many payload bytes a Sizer may inspect.
const PeekSize = 16

// Estimator is a registry of profiles by kind. It is safe for concurrent
// reads once built.
type Estimator struct {
	profiles [numKinds]Profile
}

func New() *Estimator {
	return &Estimator{}
}

// Register installs p for kind k, replacing any earlier profile.
func (e *Estimator) Register(k Kind, p Profile) {
	if int(k) >= numKinds || k == 0 {
		panic(fmt.Sprintf("estimate: register %s", k))
	}
	e.profiles[k] = p
}

// Profile returns the profile registered for k.
func (e *Estimator) Profile(k Kind) (Profile, error) {
	if int(k) >= numKinds || e.profiles[k] == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return e.profiles[k], nil
}

// Estimate predicts kind k applied to n bytes.
func (e *Estimator) Estimate(k Kind, n int) (Estimate, error) {
	p, err := e.Profile(k)
	if err != nil {
		return Estimate{}, err
	}
	if n < 0 {
		return Estimate{}, fmt.Errorf("%w: negative length %d", ErrShortInput, n)
	}
	return p.Estimate(n)
}

// EstimateFor is Estimate refined by the payload's leading bytes when the
// profile is a Sizer.
func (e *Estimator) EstimateFor(k Kind, n int, peek []byte) (Estimate, error) {
	p, err := e.Profile(k)
	if err != nil {
		return Estimate{}, err
	}
	if s, ok := p.(Sizer); ok {
		return s.Size(peek, n)
	}
	return p.Estimate(n)
}

// Budget returns the largest occupied length m such that running kinds in
// order, starting from m bytes, never needs more than capacity bytes of
// window. It returns -1 if not even an empty range fits.
func (e *Estimator) Budget(capacity int, kinds ...Kind) int {
	fits := func(m int) bool {
		n := m
		for _, k := range kinds {
			est, err := e.Estimate(k, n)
			if err != nil || est.Need(n) > capacity || est.Total() > capacity {
				return false
			}
			n = est.Total()
		}
		return true
	}

	if !fits(0) {
		return -1
	}
	lo, hi := 0, capacity
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
