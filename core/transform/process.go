package transform

import (
	"errors"
	"fmt"

	"github.com/searchktools/segserver/core/codec"
	"github.com/searchktools/segserver/core/estimate"
	"github.com/searchktools/segserver/core/frame"
)

// Transmute validates the frame header against the body and publishes the
// typed view in ctx.Frame. Nothing is published for a frame that fails
// validation.
type Transmute struct{}

func (Transmute) Kind() estimate.Kind { return estimate.KindTransmute }

func (Transmute) Profile() estimate.Profile { return estimate.Fixed{Strip: frame.HeaderSize} }

func (Transmute) Apply(ctx *Context, hdr, buf []byte, n int) (int, error) {
	if ctx.Frame == nil {
		return 0, Fail(estimate.KindTransmute, CodeMalformed, ErrNoFrame)
	}
	h, err := frame.Parse(hdr, buf[:n])
	switch {
	case errors.Is(err, frame.ErrChecksum):
		return 0, Fail(estimate.KindTransmute, CodeChecksum, err)
	case err != nil:
		return 0, Fail(estimate.KindTransmute, CodeMalformed, err)
	}
	*ctx.Frame = h
	return n, nil
}

// Handler produces a response body. req and resp share memory: resp starts
// where req starts and runs to the end of the reserved space, so a handler
// must be done reading req before it writes resp.
//
// A returned *Error fails the segment. Any other error is sent to the
// client as an error frame.
type Handler interface {
	Handle(ctx *Context, req, resp []byte) (int, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, req, resp []byte) (int, error)

func (f HandlerFunc) Handle(ctx *Context, req, resp []byte) (int, error) {
	return f(ctx, req, resp)
}

// Echo answers every request with its own body.
var Echo Handler = HandlerFunc(func(_ *Context, req, resp []byte) (int, error) {
	if len(req) > len(resp) {
		return 0, fmt.Errorf("echo: request of %d bytes exceeds response bound %d", len(req), len(resp))
	}
	return copy(resp, req), nil
})

// Typed decodes the request body with the codec named in the frame header,
// calls fn and encodes its result with the same codec.
func Typed[Req, Resp any](fn func(*Req) (*Resp, error)) Handler {
	return HandlerFunc(func(ctx *Context, req, resp []byte) (int, error) {
		c, err := codec.GetCodec(codec.CodecType(ctx.Frame.Codec))
		if err != nil {
			return 0, err
		}
		in := new(Req)
		if err := c.Decode(req, in); err != nil {
			return 0, fmt.Errorf("decode %s request: %w", c.Name(), err)
		}
		out, err := fn(in)
		if err != nil {
			return 0, err
		}
		data, err := c.Encode(out)
		if err != nil {
			return 0, fmt.Errorf("encode %s response: %w", c.Name(), err)
		}
		if len(data) > len(resp) {
			return 0, Fail(estimate.KindProcess, CodeOverflow,
				fmt.Errorf("%s response of %d bytes, room for %d", c.Name(), len(data), len(resp)))
		}
		return copy(resp, data), nil
	})
}

// Process runs the handler on request frames, answers pings, and fills
// hdr with the response frame header.
type Process struct {
	Handler Handler

	// Bound is the largest response body a segment can carry out.
	Bound int
}

func (*Process) Kind() estimate.Kind { return estimate.KindProcess }

func (p *Process) Profile() estimate.Profile {
	return estimate.Reply{Prefix: frame.HeaderSize, Bound: p.Bound}
}

func (p *Process) Apply(ctx *Context, hdr, buf []byte, n int) (int, error) {
	if len(hdr) != frame.HeaderSize {
		return 0, Fail(estimate.KindProcess, CodeMalformed, ErrShortHdr)
	}
	if ctx.Frame == nil {
		return 0, Fail(estimate.KindProcess, CodeMalformed, ErrNoFrame)
	}
	req := *ctx.Frame
	resp := buf[:min(len(buf), p.Bound)]

	var (
		h frame.Header
		m int
	)
	switch req.Type {
	case frame.TypePing:
		h = frame.NewHeader(frame.TypePong, req.RequestID)
		if n > len(resp) {
			return 0, Fail(estimate.KindProcess, CodeOverflow, ErrTooLarge)
		}
		m = n
	case frame.TypeRequest:
		h = frame.NewHeader(frame.TypeResponse, req.RequestID)
		h.Codec = req.Codec
		var err error
		m, err = p.Handler.Handle(ctx, buf[:n], resp)
		var te *Error
		switch {
		case errors.As(err, &te):
			return 0, te
		case err != nil:
			h = frame.NewHeader(frame.TypeError, req.RequestID)
			m = copy(resp, err.Error())
		case m < 0 || m > len(resp):
			return 0, Fail(estimate.KindProcess, CodeHandler,
				fmt.Errorf("handler reported %d bytes of %d", m, len(resp)))
		}
	default:
		return 0, Fail(estimate.KindProcess, CodeMalformed, fmt.Errorf("%w: 0x%02x", ErrFrameType, req.Type))
	}

	if req.HasFlag(frame.FlagPriority) {
		h.SetFlag(frame.FlagPriority)
	}
	h.Seal(buf[:m])
	h.Put(hdr)
	return m, nil
}
