// Package pipeline moves segments through the transform stages in place.
//
// For every step the engine estimates the transform's effect, checks the
// result fits the slot, reserves headroom right behind the payload and
// hands the transform one contiguous stretch of the window. Framing is
// stripped or prefixed by moving the range offset; payload bytes are never
// shifted. When the payload and its headroom would cross the end of the
// window, the segment is copied to a fresh slot laid out so that they fit,
// or compacted in its own slot if no slot is free.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/segserver/core/estimate"
	"github.com/searchktools/segserver/core/frame"
	"github.com/searchktools/segserver/core/observability"
	"github.com/searchktools/segserver/core/pools"
	"github.com/searchktools/segserver/core/segment"
	"github.com/searchktools/segserver/core/transform"
)

const numKinds = int(estimate.KindEncrypt)

var (
	ErrIncompleteChain = errors.New("pipeline: chain must hold one transform per kind")
	ErrNotTransforming = errors.New("pipeline: segment is not in a transforming stage")
)

// Options are optional engine collaborators.
type Options struct {
	Stats *observability.WorkerStats
	Log   zerolog.Logger
}

// Engine runs one worker's transforms. It is not safe for concurrent use.
type Engine struct {
	store  *segment.Store
	est    *estimate.Estimator
	stages [numKinds]transform.Transform

	// views holds each slot's typed frame header.
	views []frame.Header

	ctx  transform.Context
	hdr  []byte
	peek [estimate.PeekSize]byte
	move []byte

	stats *observability.WorkerStats
	log   zerolog.Logger
}

// New builds an engine over store. chain must hold exactly one transform
// of every kind.
func New(store *segment.Store, chain []transform.Transform, opts Options) (*Engine, error) {
	e := &Engine{
		store: store,
		est:   estimate.New(),
		views: make([]frame.Header, store.Depth()),
		hdr:   make([]byte, 0, 64),
		move:  make([]byte, 0, store.Capacity()),
		stats: opts.Stats,
		log:   opts.Log,
	}
	if e.stats == nil {
		e.stats = new(observability.WorkerStats)
	}
	e.ctx.Scratch = pools.NewScratch(store.Capacity())

	for _, t := range chain {
		k := t.Kind()
		if k == 0 || int(k) > numKinds || e.stages[k-1] != nil {
			return nil, fmt.Errorf("%w: duplicate or unknown %s", ErrIncompleteChain, k)
		}
		e.stages[k-1] = t
		e.est.Register(k, t.Profile())
	}
	for i, t := range e.stages {
		if t == nil {
			return nil, fmt.Errorf("%w: missing %s", ErrIncompleteChain, estimate.Kind(i+1))
		}
	}
	return e, nil
}

// Store is the ring the engine works on.
func (e *Engine) Store() *segment.Store { return e.store }

// Scratch is the buffer out-of-place transforms borrow.
func (e *Engine) Scratch() *pools.Scratch { return e.ctx.Scratch }

// View returns the frame header published for h's slot.
func (e *Engine) View(h segment.Handle) frame.Header { return e.views[h.Slot] }

func kindOf(s segment.Stage) estimate.Kind {
	return estimate.Kind(s-segment.StageReceived) + estimate.KindDecrypt
}

// Drive steps h until it leaves the transforming stages: it reaches
// Encrypted or fails. The returned handle differs from h when the segment
// was relocated along the way.
func (e *Engine) Drive(h segment.Handle) (segment.Handle, error) {
	start := time.Now()
	for {
		seg, err := e.store.Get(h)
		if err != nil {
			return h, err
		}
		if !seg.Stage().Transforming() {
			if seg.Stage() == segment.StageEncrypted {
				e.stats.RecordDrive(time.Since(start))
			}
			return h, nil
		}
		if h, err = e.Step(h); err != nil {
			return h, err
		}
	}
}

// Step runs the one transform that follows h's current stage.
func (e *Engine) Step(h segment.Handle) (segment.Handle, error) {
	seg, err := e.store.Get(h)
	if err != nil {
		return h, err
	}
	stage := seg.Stage()
	if !stage.Transforming() {
		return h, fmt.Errorf("%w: %s in %s", ErrNotTransforming, h, stage)
	}
	kind := kindOf(stage)
	t := e.stages[kind-1]
	capacity := e.store.Capacity()
	n := seg.Len()

	est, err := e.estimate(h, kind, n)
	if err != nil {
		code := transform.CodeMalformed
		if errors.Is(err, estimate.ErrTooLarge) {
			code = transform.CodeCapacity
		}
		return h, e.fail(h, transform.Fail(kind, code, err))
	}
	if need := est.Need(n); need > capacity || est.Total() > capacity {
		return h, e.fail(h, transform.Fail(kind, transform.CodeCapacity,
			fmt.Errorf("needs %d bytes, segment holds %d", max(need, est.Total()), capacity)))
	}

	payload := est.Payload(n)
	span := payload + est.Headroom
	start := (seg.Off() + est.Strip) % capacity
	if start+span > capacity {
		if h, err = e.realign(h, est); err != nil {
			return h, err
		}
		if seg, err = e.store.Get(h); err != nil {
			return h, err
		}
		start = (seg.Off() + est.Strip) % capacity
	}

	if err := e.store.Reserve(h, est.Headroom); err != nil {
		return h, e.fail(h, transform.Fail(kind, transform.CodeOverflow, err))
	}
	win, err := e.store.Window(h)
	if err != nil {
		return h, err
	}
	if size := max(est.Strip, est.Prefix); cap(e.hdr) < size {
		e.hdr = make([]byte, 0, size)
	}
	hdr := e.hdr[:max(est.Strip, est.Prefix)]
	segment.ReadWrapped(hdr[:est.Strip], win, seg.Off())
	buf := win[start : start+span : start+span]

	e.ctx.Conn = seg.Conn()
	e.ctx.Frame = &e.views[h.Slot]
	m, err := t.Apply(&e.ctx, hdr, buf, payload)
	if err != nil {
		var te *transform.Error
		if !errors.As(err, &te) {
			te = transform.Fail(kind, transform.CodeHandler, err)
		}
		return h, e.fail(h, te)
	}
	if m < 0 || m > span || (est.Exact && m != est.Out) {
		return h, e.fail(h, transform.Fail(kind, transform.CodeOverflow,
			fmt.Errorf("reported %d bytes, estimated %d of %d", m, est.Out, span)))
	}

	off := start
	if est.Prefix > 0 {
		off = (start - est.Prefix + capacity) % capacity
		segment.WriteWrapped(win, off, hdr[:est.Prefix])
	}
	if err := e.store.Commit(h, off, est.Prefix+m); err != nil {
		return h, e.fail(h, transform.Fail(kind, transform.CodeOverflow, err))
	}
	if err := e.store.Advance(h, stage+1); err != nil {
		return h, err
	}
	e.stats.StageRun(kind)
	return h, nil
}

func (e *Engine) estimate(h segment.Handle, kind estimate.Kind, n int) (estimate.Estimate, error) {
	est, err := e.est.Estimate(kind, n)
	if err != nil {
		return est, err
	}
	p, _ := e.est.Profile(kind)
	if _, ok := p.(estimate.Sizer); !ok {
		return est, nil
	}
	k, err := e.store.Peek(h, est.Strip, e.peek[:])
	if err != nil {
		return est, err
	}
	return e.est.EstimateFor(kind, n, e.peek[:k])
}

// realign lays the range out again so that it starts at max(0,
// Prefix-Strip), where the payload and its headroom are contiguous. It
// moves to a new slot when one is free and compacts in place otherwise.
func (e *Engine) realign(h segment.Handle, est estimate.Estimate) (segment.Handle, error) {
	seg, err := e.store.Get(h)
	if err != nil {
		return h, err
	}
	off := max(0, est.Prefix-est.Strip)
	data, err := e.store.Logical(h, e.move[:0])
	if err != nil {
		return h, err
	}

	nh, err := e.store.Allocate(seg.Conn())
	if errors.Is(err, segment.ErrExhausted) {
		e.stats.Compacted.Add(1)
		e.log.Debug().Stringer("seg", h).Int("off", off).Msg("compacting in place")
		return h, e.store.Place(h, off, data)
	}
	if err != nil {
		return h, err
	}

	if err := e.store.Place(nh, off, data); err != nil {
		return h, err
	}
	if err := e.store.Advance(nh, seg.Stage()); err != nil {
		return h, err
	}
	e.views[nh.Slot] = e.views[h.Slot]
	if err := e.store.Fail(h, segment.ErrRelocated); err != nil {
		return h, err
	}
	if err := e.store.Recycle(h); err != nil {
		return h, err
	}
	e.stats.Relocated.Add(1)
	e.log.Debug().Stringer("from", h).Stringer("to", nh).Msg("relocated segment")
	return nh, nil
}

func (e *Engine) fail(h segment.Handle, te *transform.Error) error {
	if err := e.store.Fail(h, te); err != nil {
		return errors.Join(te, err)
	}
	e.stats.Failed.Add(1)
	return te
}
