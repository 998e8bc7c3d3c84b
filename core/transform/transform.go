// Package transform holds the collaborators the pipeline runs in place on
// a segment's bytes, and the error type they report.
//
// A transform receives buf, whose first n bytes are its input and whose
// remaining len(buf)-n bytes are reserved headroom, and returns the length
// of its output at the start of buf. hdr carries framing: the bytes the
// pipeline stripped from the front of the range (decode direction) or the
// bytes the transform must fill for the pipeline to prefix (encode
// direction).
package transform

import (
	"errors"
	"fmt"

	"github.com/searchktools/segserver/core/estimate"
	"github.com/searchktools/segserver/core/frame"
	"github.com/searchktools/segserver/core/pools"
)

// Transform is one pipeline stage.
type Transform interface {
	Kind() estimate.Kind
	Profile() estimate.Profile
	Apply(ctx *Context, hdr, buf []byte, n int) (int, error)
}

// Context is what a transform may know about the segment it works on.
type Context struct {
	// Conn is the owning connection id.
	Conn uint64

	// Frame is the typed view filled by Transmute and read by Process.
	Frame *frame.Header

	// Scratch belongs to the worker. Transforms that cannot run on
	// overlapping input and output go through it.
	Scratch *pools.Scratch
}

// Code classifies a transform failure.
type Code uint8

const (
	CodeMalformed Code = iota + 1
	CodeChecksum
	CodeAuth
	CodeCapacity
	CodeOverflow
	CodeHandler
)

var codeNames = [...]string{
	CodeMalformed: "malformed",
	CodeChecksum:  "checksum",
	CodeAuth:      "auth",
	CodeCapacity:  "capacity",
	CodeOverflow:  "overflow",
	CodeHandler:   "handler",
}

func (c Code) String() string {
	if int(c) < len(codeNames) && codeNames[c] != "" {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Error is a failed transform. It fails the segment it happened on and
// nothing else.
type Error struct {
	Stage estimate.Kind
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transform %s: %s", e.Stage, e.Code)
	}
	return fmt.Sprintf("transform %s: %s: %v", e.Stage, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds an *Error.
func Fail(stage estimate.Kind, code Code, err error) *Error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// CodeOf returns the code of a transform error in err's chain, or 0.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

var (
	ErrScratch   = errors.New("scratch buffer too small")
	ErrShortHdr  = errors.New("header has wrong size")
	ErrNoFrame   = errors.New("no frame view")
	ErrFrameType = errors.New("unexpected frame type")
	ErrTooLarge  = errors.New("output exceeds reserved space")
	ErrNoSecret  = errors.New("empty secret")
)

// NewChain returns the server's eight transforms in pipeline order for
// segments of capacity bytes. The response bound handed to h is the
// largest body whose encoded, compressed and sealed record still fits in
// one segment.
func NewChain(capacity int, keys Keys, h Handler) ([]Transform, error) {
	tail := []Transform{Base64Encode{}, S2Compress{}, Seal{AEAD: keys.S2C}}
	est := estimate.New()
	for _, t := range tail {
		est.Register(t.Kind(), t.Profile())
	}
	budget := est.Budget(capacity, estimate.KindEncode, estimate.KindCompress, estimate.KindEncrypt)
	if budget < frame.HeaderSize {
		return nil, fmt.Errorf("transform: segment of %d bytes cannot hold a response frame", capacity)
	}

	chain := []Transform{
		Open{AEAD: keys.C2S},
		S2Decompress{Limit: capacity},
		Base64Decode{},
		Transmute{},
		&Process{Handler: h, Bound: budget - frame.HeaderSize},
	}
	return append(chain, tail...), nil
}
