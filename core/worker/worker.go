// Package worker runs one core's share of the server: a poll loop over its
// own connections, segment ring and pipeline engine. Workers share nothing
// but immutable configuration; a connection stays with the worker that
// accepted it.
package worker

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/segserver/core/estimate"
	"github.com/searchktools/segserver/core/gateway"
	"github.com/searchktools/segserver/core/observability"
	"github.com/searchktools/segserver/core/optimize"
	"github.com/searchktools/segserver/core/pipeline"
	"github.com/searchktools/segserver/core/poller"
	"github.com/searchktools/segserver/core/record"
	"github.com/searchktools/segserver/core/segment"
	"github.com/searchktools/segserver/core/transform"
)

const connShift = 48

var ErrRecordTooLarge = errors.New("worker: record larger than a segment")

// Config sizes one worker.
type Config struct {
	ID            int
	SegmentSize   int
	Depth         int
	MaxConns      int
	MaxEvents     int
	IdleWait      time.Duration
	PrefetchLines int
	Pin           bool
}

// Options carries the worker's collaborators.
type Options struct {
	Keys    transform.Keys
	Handler transform.Handler

	// Listeners are accepted on by this worker. They stay owned by the
	// caller.
	Listeners []int

	// Facility defaults to the platform poller.
	Facility gateway.Facility
	Stats    *observability.WorkerStats
	Log      zerolog.Logger
}

// Worker owns a ring, an engine and a gateway. Run must be called from a
// single goroutine; Stop may be called from any.
type Worker struct {
	cfg    Config
	fac    gateway.Facility
	store  *segment.Store
	engine *pipeline.Engine
	gw     *gateway.Gateway
	pf     *optimize.Prefetcher
	stats  *observability.WorkerStats
	log    zerolog.Logger

	conns  map[uint64]*conn
	seq    uint64
	paused []*conn
	flushq []*conn
	doomed []*conn

	outs     []gateway.Outcome
	scan     []segment.Handle
	elig     []segment.Handle
	lenbuf   [transform.LenSize]byte
	move     []byte
	runnable bool

	stop    atomic.Bool
	running atomic.Bool
	closed  atomic.Bool
}

// New builds a worker. Its ring is mapped and its listeners registered
// immediately.
func New(cfg Config, opts Options) (*Worker, error) {
	if opts.Handler == nil {
		opts.Handler = transform.Echo
	}
	if opts.Stats == nil {
		opts.Stats = new(observability.WorkerStats)
	}
	log := opts.Log.With().Int("worker", cfg.ID).Logger()

	store, err := segment.New(segment.Options{SegmentSize: cfg.SegmentSize, Depth: cfg.Depth})
	if err != nil {
		return nil, err
	}
	chain, err := transform.NewChain(store.Capacity(), opts.Keys, opts.Handler)
	if err != nil {
		store.Close()
		return nil, err
	}
	engine, err := pipeline.New(store, chain, pipeline.Options{Stats: opts.Stats, Log: log})
	if err != nil {
		store.Close()
		return nil, err
	}

	fac := opts.Facility
	if fac == nil {
		sys, err := poller.New()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("worker %d: %w", cfg.ID, err)
		}
		fac = sys
	}
	gw := gateway.New(fac, cfg.MaxEvents)
	for _, fd := range opts.Listeners {
		if err := gw.Listen(fd); err != nil {
			gw.Close()
			store.Close()
			return nil, err
		}
	}

	return &Worker{
		cfg:    cfg,
		fac:    fac,
		store:  store,
		engine: engine,
		gw:     gw,
		pf:     optimize.NewPrefetcher(cfg.PrefetchLines),
		stats:  opts.Stats,
		log:    log,
		conns:  make(map[uint64]*conn),
		move:   make([]byte, store.Capacity()),
	}, nil
}

func (w *Worker) ID() int { return w.cfg.ID }

func (w *Worker) Stats() *observability.WorkerStats { return w.stats }

// Stop asks Run to tear down every connection and return.
func (w *Worker) Stop() {
	if w.stop.Swap(true) {
		return
	}
	if w.running.Load() {
		_ = w.gw.Wake()
	}
}

// Run drives the worker until Stop. It locks the calling goroutine to its
// OS thread and optionally pins that thread to a CPU.
func (w *Worker) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if w.cfg.Pin {
		cpu := w.cfg.ID % runtime.NumCPU()
		if err := optimize.PinThread(cpu); err != nil {
			w.log.Warn().Err(err).Msg("cpu pinning failed")
		} else {
			w.log.Debug().Int("cpu", cpu).Msg("pinned")
		}
	}

	w.running.Store(true)
	defer w.shutdown()
	w.log.Info().Int("segment_size", w.store.Capacity()).Int("depth", w.store.Depth()).Msg("worker started")

	idle := -1
	if w.cfg.IdleWait > 0 {
		idle = int(w.cfg.IdleWait / time.Millisecond)
	}
	for !w.stop.Load() {
		timeout := idle
		if w.runnable {
			timeout = 0
		} else {
			w.stats.Wakeups.Add(1)
		}
		outs, err := w.gw.Poll(w.outs[:0], timeout)
		if err != nil {
			return fmt.Errorf("worker %d: poll: %w", w.cfg.ID, err)
		}
		w.apply(outs)
		clear(outs)
		w.outs = outs[:0]

		w.drive()
		w.flush()
		w.reap()
		w.resume()
		w.stats.Segments.Store(int64(w.store.Live()))
		w.stats.ScratchBytes.Store(int64(w.engine.Scratch().Stats().Bytes))
	}
	return nil
}

// Close releases a worker that was never run.
func (w *Worker) Close() {
	w.stop.Store(true)
	if !w.running.Load() {
		w.shutdown()
	}
}

func (w *Worker) shutdown() {
	if w.closed.Swap(true) {
		return
	}
	for _, c := range w.conns {
		w.teardown(c)
	}
	if err := w.gw.Close(); err != nil {
		w.log.Warn().Err(err).Msg("closing gateway")
	}
	if err := w.store.Close(); err != nil {
		w.log.Warn().Err(err).Msg("unmapping ring")
	}
	w.running.Store(false)
	w.log.Info().Uint64("closed", w.stats.Closed.Load()).Msg("worker stopped")
}

func (w *Worker) apply(outs []gateway.Outcome) {
	for i := range outs {
		o := &outs[i]
		if o.Op == gateway.OpAccept {
			w.accept(o)
			continue
		}
		c, ok := w.conns[o.Token]
		if !ok {
			continue
		}
		if o.Op == gateway.OpRead {
			c.read = 0
		} else {
			c.write = 0
		}
		if seg, err := w.store.Get(o.Seg); err == nil {
			seg.SetTicket(0)
			seg.Park(segment.ParkNone)
		}
		if c.closing || o.Status == gateway.StatusCanceled {
			continue
		}
		if o.Op == gateway.OpRead {
			w.readDone(c, o)
		} else {
			w.writeDone(c, o)
		}
	}
}

func (w *Worker) accept(o *gateway.Outcome) {
	if o.Status != gateway.StatusAccepted {
		w.log.Warn().Err(o.Err).Int("listener", o.Fd).Msg("accept failed")
		return
	}
	if w.cfg.MaxConns > 0 && len(w.conns) >= w.cfg.MaxConns {
		w.stats.Rejected.Add(1)
		_ = w.fac.CloseFd(o.Fd)
		return
	}
	setNoDelay(o.Fd)

	w.seq++
	c := &conn{id: uint64(w.cfg.ID)<<connShift | w.seq&(1<<connShift-1), fd: o.Fd}
	if err := w.gw.Attach(o.Fd, c.id); err != nil {
		w.log.Warn().Err(err).Int("fd", o.Fd).Msg("attach failed")
		_ = w.fac.CloseFd(o.Fd)
		return
	}
	w.conns[c.id] = c
	w.stats.Accepted.Add(1)
	w.stats.Conns.Add(1)
	w.log.Debug().Uint64("conn", c.id).Int("fd", o.Fd).Msg("accepted")
	w.fill(c)
}

// setNoDelay turns off Nagle on TCP connections. It fails harmlessly on
// unix sockets.
func setNoDelay(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func (w *Worker) readDone(c *conn, o *gateway.Outcome) {
	switch o.Status {
	case gateway.StatusOK:
	case gateway.StatusWouldBlock:
		w.fill(c)
		return
	case gateway.StatusClosed:
		w.peerClosed(c, o.Seg)
		return
	default:
		w.log.Debug().Err(o.Err).Uint64("conn", c.id).Msg("read failed")
		w.doom(c)
		return
	}

	seg, err := w.store.Get(o.Seg)
	if err != nil {
		w.stale(c, err)
		return
	}
	if err := w.store.SetRange(o.Seg, seg.Off(), seg.Len()+o.N); err != nil {
		w.log.Error().Err(err).Uint64("conn", c.id).Msg("read overran segment")
		w.doom(c)
		return
	}
	w.stats.BytesIn.Add(uint64(o.N))
	w.frame(c, o.Seg)
	w.fill(c)
}

// peerClosed stops reading. Responses already in the chain still flush.
func (w *Worker) peerClosed(c *conn, h segment.Handle) {
	c.eof = true
	if seg, err := w.store.Get(h); err == nil && seg.Stage() == segment.StageFilling {
		_ = w.store.Fail(h, segment.ErrConnectionClosed)
		if err := w.store.Recycle(h); err != nil {
			w.log.Error().Err(err).Stringer("seg", h).Msg("recycle partial record")
		}
		c.remove(h)
	}
	w.closeIfDrained(c)
}

func (w *Worker) closeIfDrained(c *conn) {
	if c.eof && c.drained() {
		w.doom(c)
	}
}

// fill places carried bytes and keeps one read outstanding on the
// connection's filling segment.
func (w *Worker) fill(c *conn) {
	for c.read == 0 && !c.paused && !c.closing {
		h, ok := c.last()
		if ok {
			if seg, err := w.store.Get(h); err != nil || seg.Stage() != segment.StageFilling {
				ok = false
			}
		}
		if !ok {
			if c.eof && len(c.carry) == 0 {
				return
			}
			nh, err := w.store.Allocate(c.id)
			if errors.Is(err, segment.ErrExhausted) {
				w.pause(c)
				return
			}
			if err != nil {
				w.log.Error().Err(err).Uint64("conn", c.id).Msg("allocate")
				w.doom(c)
				return
			}
			c.chain = append(c.chain, nh)
			h = nh
			if len(c.carry) > 0 {
				err := w.store.Place(h, 0, c.carry)
				c.carry = c.carry[:0]
				if err != nil {
					w.log.Error().Err(err).Uint64("conn", c.id).Msg("place carried bytes")
					w.doom(c)
					return
				}
				w.frame(c, h)
				continue
			}
		}
		if c.eof {
			return
		}

		desc, err := w.store.Tail(h)
		if err != nil {
			w.log.Error().Err(err).Stringer("seg", h).Msg("no room to read")
			w.doom(c)
			return
		}
		win, _ := w.store.Window(h)
		t, err := w.gw.SubmitRead(c.id, h, win, desc)
		if err != nil {
			w.log.Warn().Err(err).Uint64("conn", c.id).Msg("submit read")
			w.doom(c)
			return
		}
		if seg, err := w.store.Get(h); err == nil {
			seg.SetTicket(uint64(t))
			seg.Park(segment.ParkAwaitIO)
		}
		c.read = t
		return
	}
}

// frame finds record boundaries in a filling segment. Each complete
// record is cut to its own segment and handed to the pipeline; bytes
// behind it move to a fresh segment, or to the carry buffer when the ring
// is full.
func (w *Worker) frame(c *conn, h segment.Handle) {
	for {
		seg, err := w.store.Get(h)
		if err != nil {
			w.stale(c, err)
			return
		}
		k, _ := w.store.Peek(h, 0, w.lenbuf[:])
		total, ok := record.Length(w.lenbuf[:k])
		if ok && total > w.store.Capacity() {
			te := transform.Fail(estimate.KindDecrypt, transform.CodeMalformed,
				fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, total, w.store.Capacity()))
			_ = w.store.Fail(h, te)
			w.stats.Failed.Add(1)
			w.log.Warn().Err(te).Uint64("conn", c.id).Msg("dropping connection")
			w.doom(c)
			return
		}
		if !ok || seg.Len() < total {
			seg.Park(segment.ParkAwaitBytes)
			return
		}

		surplus := w.move[:seg.Len()-total]
		if len(surplus) > 0 {
			_, _ = w.store.Peek(h, total, surplus)
			_ = w.store.SetRange(h, seg.Off(), total)
		}
		seg.Park(segment.ParkNone)
		if err := w.store.Advance(h, segment.StageReceived); err != nil {
			w.stale(c, err)
			return
		}
		w.stats.Records.Add(1)
		w.runnable = true
		if len(surplus) == 0 {
			return
		}

		nh, err := w.store.Allocate(c.id)
		if errors.Is(err, segment.ErrExhausted) {
			c.carry = append(c.carry[:0], surplus...)
			w.pause(c)
			return
		}
		if err != nil {
			w.log.Error().Err(err).Uint64("conn", c.id).Msg("allocate")
			w.doom(c)
			return
		}
		if err := w.store.Place(nh, 0, surplus); err != nil {
			w.log.Error().Err(err).Uint64("conn", c.id).Msg("place surplus")
			w.doom(c)
			return
		}
		c.chain = append(c.chain, nh)
		h = nh
	}
}

func (w *Worker) pause(c *conn) {
	w.stats.Exhausted.Add(1)
	if !c.paused {
		c.paused = true
		w.paused = append(w.paused, c)
	}
}

// resume restarts paused connections, oldest first, while slots are free.
func (w *Worker) resume() {
	if len(w.paused) == 0 {
		return
	}
	keep := w.paused[:0]
	for i, c := range w.paused {
		if c.closing {
			continue
		}
		if w.store.Available() == 0 {
			keep = append(keep, w.paused[i:]...)
			break
		}
		c.paused = false
		w.fill(c)
		if c.paused {
			keep = append(keep, c)
		}
	}
	clear(w.paused[len(keep):])
	w.paused = keep
}

// drive runs every eligible segment through the pipeline in ring order.
func (w *Worker) drive() {
	w.runnable = false
	w.scan = w.store.Snapshot(w.scan[:0])
	elig := w.elig[:0]
	for _, h := range w.scan {
		if seg, err := w.store.Get(h); err == nil && seg.Stage().Transforming() && seg.Parked() == segment.ParkNone {
			elig = append(elig, h)
		}
	}
	for i, h := range elig {
		if i+1 < len(elig) {
			w.prefetch(elig[i+1])
		}
		seg, err := w.store.Get(h)
		if err != nil {
			continue
		}
		c, ok := w.conns[seg.Conn()]
		if !ok || c.closing {
			continue
		}

		nh, err := w.engine.Drive(h)
		if nh != h {
			c.replace(h, nh)
		}
		var te *transform.Error
		switch {
		case err == nil:
			w.queueFlush(c)
		case errors.As(err, &te):
			w.log.Warn().Err(te).Uint64("conn", c.id).Stringer("seg", nh).Msg("transform failed, dropping connection")
			w.doom(c)
		default:
			w.stale(c, err)
		}
	}
	clear(elig)
	w.elig = elig[:0]
}

func (w *Worker) prefetch(h segment.Handle) {
	if w.pf.Lines() == 0 {
		return
	}
	seg, err := w.store.Get(h)
	if err != nil {
		return
	}
	win, _ := w.store.Window(h)
	w.pf.Hint(win[seg.Off():])
}

func (w *Worker) queueFlush(c *conn) {
	if !c.queued {
		c.queued = true
		w.flushq = append(w.flushq, c)
	}
}

// flush submits the head of every queued connection once it is sealed.
// Sealed segments behind the head wait their turn.
func (w *Worker) flush() {
	for _, c := range w.flushq {
		c.queued = false
		if c.closing || c.write != 0 || len(c.chain) == 0 {
			continue
		}
		for _, h := range c.chain[1:] {
			if seg, err := w.store.Get(h); err == nil && seg.Stage() == segment.StageEncrypted {
				seg.Park(segment.ParkAwaitOrder)
			}
		}

		h := c.chain[0]
		seg, err := w.store.Get(h)
		if err != nil {
			w.stale(c, err)
			continue
		}
		if seg.Stage() != segment.StageEncrypted {
			continue
		}
		desc, err := w.store.Descriptor(h, 0, seg.Len())
		if err != nil {
			w.stale(c, err)
			continue
		}
		win, _ := w.store.Window(h)
		t, err := w.gw.SubmitWrite(c.id, h, win, desc)
		if err != nil {
			w.log.Warn().Err(err).Uint64("conn", c.id).Msg("submit write")
			w.doom(c)
			continue
		}
		seg.SetTicket(uint64(t))
		seg.Park(segment.ParkAwaitIO)
		c.write = t
	}
	clear(w.flushq)
	w.flushq = w.flushq[:0]
}

func (w *Worker) writeDone(c *conn, o *gateway.Outcome) {
	if o.Status == gateway.StatusWouldBlock {
		w.retryWrite(c, o)
		return
	}
	if o.Status != gateway.StatusOK {
		w.log.Debug().Err(o.Err).Stringer("status", o.Status).Uint64("conn", c.id).Msg("write failed")
		w.doom(c)
		return
	}
	if err := w.store.Advance(o.Seg, segment.StageFlushed); err != nil {
		w.stale(c, err)
		return
	}
	if err := w.store.Recycle(o.Seg); err != nil {
		w.stale(c, err)
		return
	}
	c.remove(o.Seg)
	w.stats.Flushed.Add(1)
	w.stats.BytesOut.Add(uint64(o.N))
	w.queueFlush(c)
	w.closeIfDrained(c)
}

// retryWrite drops the bytes a write got out before it would block and
// queues the rest again.
func (w *Worker) retryWrite(c *conn, o *gateway.Outcome) {
	if o.N > 0 {
		seg, err := w.store.Get(o.Seg)
		if err != nil {
			w.stale(c, err)
			return
		}
		if err := w.store.SetRange(o.Seg, seg.Off()+o.N, seg.Len()-o.N); err != nil {
			w.stale(c, err)
			return
		}
		w.stats.BytesOut.Add(uint64(o.N))
	}
	w.queueFlush(c)
}

func (w *Worker) stale(c *conn, err error) {
	if errors.Is(err, segment.ErrStaleHandle) {
		w.stats.Stale.Add(1)
	}
	w.log.Error().Err(err).Uint64("conn", c.id).Msg("segment bookkeeping broke, dropping connection")
	w.doom(c)
}

// doom marks c for teardown at the end of the iteration.
func (w *Worker) doom(c *conn) {
	if !c.closing {
		c.closing = true
		w.doomed = append(w.doomed, c)
	}
}

func (w *Worker) reap() {
	for _, c := range w.doomed {
		w.teardown(c)
	}
	clear(w.doomed)
	w.doomed = w.doomed[:0]
}

// teardown cancels the connection's I/O, fails and recycles its segments
// and closes the descriptor.
func (w *Worker) teardown(c *conn) {
	if _, ok := w.conns[c.id]; !ok {
		return
	}
	for _, t := range []gateway.Ticket{c.read, c.write} {
		if t != 0 {
			w.gw.Cancel(t)
		}
	}
	c.read, c.write = 0, 0
	for _, h := range c.chain {
		seg, err := w.store.Get(h)
		if err != nil {
			continue
		}
		seg.SetTicket(0)
		_ = w.store.Fail(h, segment.ErrConnectionClosed)
		if err := w.store.Recycle(h); err != nil {
			w.log.Error().Err(err).Stringer("seg", h).Msg("recycle on teardown")
		}
	}
	c.chain = nil
	c.carry = nil
	c.closing = true

	if err := w.gw.Detach(c.id); err != nil {
		w.log.Debug().Err(err).Uint64("conn", c.id).Msg("detach")
	}
	delete(w.conns, c.id)
	w.stats.Closed.Add(1)
	w.stats.Conns.Add(-1)
	w.log.Debug().Uint64("conn", c.id).Msg("closed")
}
