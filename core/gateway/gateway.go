// Package gateway turns readiness into completions. A worker submits reads
// and writes against segment windows and later collects one Outcome per
// ticket; the syscalls happen inside Poll when the descriptor is ready.
//
// A Gateway belongs to one worker. Only Wake may be called from other
// goroutines.
package gateway

import (
	"errors"
	"fmt"

	"github.com/searchktools/segserver/core/iovec"
	"github.com/searchktools/segserver/core/poller"
	"github.com/searchktools/segserver/core/segment"
)

// MaxAcceptsPerPoll bounds how many connections one listener event accepts.
const MaxAcceptsPerPoll = 64

var (
	ErrUnknownToken = errors.New("gateway: unknown token")
	ErrDuplicate    = errors.New("gateway: token or fd already attached")
	ErrBusy         = errors.New("gateway: operation already pending")
	ErrEmpty        = errors.New("gateway: empty descriptor")
)

// Facility is the OS surface the gateway drives.
type Facility interface {
	poller.Poller
	Readv(fd int, bufs [][]byte) (int, error)
	Writev(fd int, bufs [][]byte) (int, error)
	Accept(fd int) (int, error)
	CloseFd(fd int) error
}

// Ticket identifies one submitted operation. The zero Ticket is never
// issued.
type Ticket uint64

type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpAccept
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	}
	return "unknown"
}

type Status uint8

const (
	StatusOK Status = iota + 1
	StatusWouldBlock
	StatusClosed
	StatusIOError
	StatusCanceled
	StatusAccepted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWouldBlock:
		return "would-block"
	case StatusClosed:
		return "closed"
	case StatusIOError:
		return "io-error"
	case StatusCanceled:
		return "canceled"
	case StatusAccepted:
		return "accepted"
	}
	return "unknown"
}

// Outcome resolves a ticket, or reports an accepted connection.
type Outcome struct {
	Ticket Ticket
	Token  uint64
	Op     Op
	Seg    segment.Handle
	Status Status

	// N is the number of bytes transferred.
	N   int
	Err error

	// Fd is the new descriptor of an accepted connection.
	Fd int
}

type op struct {
	ticket Ticket
	seg    segment.Handle
	win    []byte
	desc   iovec.Descriptor
	done   int
}

type conn struct {
	fd       int
	token    uint64
	read     *op
	write    *op
	interest poller.Events

	// hup is set once both directions hung up with nothing pending. The
	// descriptor is out of the poller and submissions are tried eagerly.
	// A half close from the peer does not set it.
	hup bool
}

// Gateway is one worker's completion layer over a Facility.
type Gateway struct {
	fac       Facility
	conns     map[uint64]*conn
	byFd      map[int]*conn
	listeners map[int]struct{}
	tickets   map[Ticket]*conn

	next   Ticket
	ready  []Outcome
	events []poller.Event
	bufs   [][]byte
}

// New wraps fac. maxEvents bounds the readiness batch of one Poll.
func New(fac Facility, maxEvents int) *Gateway {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &Gateway{
		fac:       fac,
		conns:     make(map[uint64]*conn),
		byFd:      make(map[int]*conn),
		listeners: make(map[int]struct{}),
		tickets:   make(map[Ticket]*conn),
		events:    make([]poller.Event, maxEvents),
		bufs:      make([][]byte, 0, 2),
	}
}

// Attach registers a connected descriptor under token.
func (g *Gateway) Attach(fd int, token uint64) error {
	if _, ok := g.conns[token]; ok {
		return fmt.Errorf("%w: token %d", ErrDuplicate, token)
	}
	if _, ok := g.byFd[fd]; ok {
		return fmt.Errorf("%w: fd %d", ErrDuplicate, fd)
	}
	if err := g.fac.Add(fd, 0); err != nil {
		return fmt.Errorf("gateway: attach fd %d: %w", fd, err)
	}
	c := &conn{fd: fd, token: token}
	g.conns[token] = c
	g.byFd[fd] = c
	return nil
}

// Listen registers a listening descriptor. Its readiness turns into
// Accepted outcomes.
func (g *Gateway) Listen(fd int) error {
	if err := g.fac.Add(fd, poller.EventRead); err != nil {
		return fmt.Errorf("gateway: listen fd %d: %w", fd, err)
	}
	g.listeners[fd] = struct{}{}
	return nil
}

// Detach cancels whatever is still pending on token without reporting it,
// removes the descriptor and closes it.
func (g *Gateway) Detach(token uint64) error {
	c, ok := g.conns[token]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, token)
	}
	for _, o := range []*op{c.read, c.write} {
		if o != nil {
			delete(g.tickets, o.ticket)
		}
	}
	c.read, c.write = nil, nil
	delete(g.conns, token)
	delete(g.byFd, c.fd)

	var err error
	if !c.hup {
		err = g.fac.Remove(c.fd)
	}
	return errors.Join(err, g.fac.CloseFd(c.fd))
}

// SubmitRead asks for bytes to be read into desc's parts of win.
func (g *Gateway) SubmitRead(token uint64, seg segment.Handle, win []byte, desc iovec.Descriptor) (Ticket, error) {
	return g.submit(OpRead, token, seg, win, desc)
}

// SubmitWrite asks for all of desc's bytes of win to be written. Partial
// writes are continued internally; the outcome reports the full count.
func (g *Gateway) SubmitWrite(token uint64, seg segment.Handle, win []byte, desc iovec.Descriptor) (Ticket, error) {
	return g.submit(OpWrite, token, seg, win, desc)
}

func (g *Gateway) submit(kind Op, token uint64, seg segment.Handle, win []byte, desc iovec.Descriptor) (Ticket, error) {
	c, ok := g.conns[token]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownToken, token)
	}
	if desc.Empty() {
		return 0, ErrEmpty
	}
	slot := &c.read
	if kind == OpWrite {
		slot = &c.write
	}
	if *slot != nil {
		return 0, fmt.Errorf("%w: %s on %d", ErrBusy, kind, token)
	}

	g.next++
	o := &op{ticket: g.next, seg: seg, win: win, desc: desc}
	*slot = o
	g.tickets[o.ticket] = c

	if c.hup {
		var out Outcome
		var done bool
		if kind == OpRead {
			out, done = g.tryRead(c)
		} else {
			out, done = g.tryWrite(c)
		}
		if done {
			g.ready = append(g.ready, out)
			return o.ticket, nil
		}
		// Not dead after all: wait for readiness like any other descriptor.
		if err := g.fac.Add(c.fd, 0); err != nil {
			*slot = nil
			delete(g.tickets, o.ticket)
			return 0, fmt.Errorf("gateway: re-add fd %d: %w", c.fd, err)
		}
		c.hup = false
		c.interest = 0
	}
	if err := g.rearm(c); err != nil {
		*slot = nil
		delete(g.tickets, o.ticket)
		return 0, err
	}
	return o.ticket, nil
}

func (c *conn) opFor(kind Op) *op {
	if kind == OpRead {
		return c.read
	}
	return c.write
}

func (g *Gateway) rearm(c *conn) error {
	if c.hup {
		return nil
	}
	var want poller.Events
	if c.read != nil {
		want |= poller.EventRead
	}
	if c.write != nil {
		want |= poller.EventWrite
	}
	if want == c.interest {
		return nil
	}
	if err := g.fac.Modify(c.fd, want); err != nil {
		return fmt.Errorf("gateway: arm fd %d: %w", c.fd, err)
	}
	c.interest = want
	return nil
}

// Cancel resolves ticket with StatusCanceled. It reports false for a
// ticket that is not pending.
func (g *Gateway) Cancel(t Ticket) (Outcome, bool) {
	c, ok := g.tickets[t]
	if !ok {
		return Outcome{}, false
	}
	kind := OpRead
	if c.write != nil && c.write.ticket == t {
		kind = OpWrite
	}
	out := g.finish(c, kind, StatusCanceled, c.opFor(kind).done, nil)
	_ = g.rearm(c)
	return out, true
}

// finish clears the pending op of kind and builds its outcome.
func (g *Gateway) finish(c *conn, kind Op, st Status, n int, err error) Outcome {
	o := c.opFor(kind)
	if kind == OpRead {
		c.read = nil
	} else {
		c.write = nil
	}
	delete(g.tickets, o.ticket)
	return Outcome{Ticket: o.ticket, Token: c.token, Op: kind, Seg: o.seg, Status: st, N: n, Err: err}
}

func (g *Gateway) tryRead(c *conn) (Outcome, bool) {
	o := c.read
	g.bufs = o.desc.Buffers(o.win, g.bufs[:0])
	n, err := g.fac.Readv(c.fd, g.bufs)
	switch {
	case poller.IsWouldBlock(err):
		return Outcome{}, false
	case poller.IsClosed(err):
		return g.finish(c, OpRead, StatusClosed, 0, err), true
	case err != nil:
		return g.finish(c, OpRead, StatusIOError, 0, err), true
	case n == 0:
		return g.finish(c, OpRead, StatusClosed, 0, nil), true
	}
	return g.finish(c, OpRead, StatusOK, n, nil), true
}

func (g *Gateway) tryWrite(c *conn) (Outcome, bool) {
	o := c.write
	for !o.desc.Empty() {
		g.bufs = o.desc.Buffers(o.win, g.bufs[:0])
		n, err := g.fac.Writev(c.fd, g.bufs)
		switch {
		case poller.IsWouldBlock(err):
			return Outcome{}, false
		case poller.IsClosed(err):
			return g.finish(c, OpWrite, StatusClosed, o.done, err), true
		case err != nil:
			return g.finish(c, OpWrite, StatusIOError, o.done, err), true
		}
		o.desc.Advance(n)
		o.done += n
	}
	return g.finish(c, OpWrite, StatusOK, o.done, nil), true
}

// Poll appends completed outcomes to out. Outcomes already resolved by
// eager submissions are returned first and make the wait non-blocking.
func (g *Gateway) Poll(out []Outcome, timeoutMs int) ([]Outcome, error) {
	if len(g.ready) > 0 {
		out = append(out, g.ready...)
		clear(g.ready)
		g.ready = g.ready[:0]
		timeoutMs = 0
	}

	n, err := g.fac.Wait(g.events, timeoutMs)
	if err != nil {
		return out, err
	}
	for _, ev := range g.events[:n] {
		if _, ok := g.listeners[ev.Fd]; ok {
			out = g.accept(out, ev.Fd)
			continue
		}
		c, ok := g.byFd[ev.Fd]
		if !ok {
			continue
		}
		hangup := ev.Events.Has(poller.EventHangup | poller.EventError)
		if c.read != nil && (hangup || ev.Events.Has(poller.EventRead|poller.EventReadHangup)) {
			if res, done := g.tryRead(c); done {
				out = append(out, res)
			}
		}
		if c.write != nil && (hangup || ev.Events.Has(poller.EventWrite)) {
			if res, done := g.tryWrite(c); done {
				out = append(out, res)
			}
		}
		if hangup && c.read == nil && c.write == nil && !c.hup {
			_ = g.fac.Remove(c.fd)
			c.hup = true
			c.interest = 0
			continue
		}
		if err := g.rearm(c); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (g *Gateway) accept(out []Outcome, lfd int) []Outcome {
	for i := 0; i < MaxAcceptsPerPoll; i++ {
		fd, err := g.fac.Accept(lfd)
		if poller.IsWouldBlock(err) {
			break
		}
		if err != nil {
			return append(out, Outcome{Op: OpAccept, Status: StatusIOError, Err: err, Fd: lfd})
		}
		out = append(out, Outcome{Op: OpAccept, Status: StatusAccepted, Fd: fd})
	}
	return out
}

// Wake interrupts a blocking Poll. It is safe from any goroutine.
func (g *Gateway) Wake() error { return g.fac.Wake() }

// Pending is the number of unresolved tickets.
func (g *Gateway) Pending() int { return len(g.tickets) }

// Close detaches every connection, stops listening and closes the
// facility. Listener descriptors are not closed; they belong to the
// caller.
func (g *Gateway) Close() error {
	var errs []error
	for token := range g.conns {
		errs = append(errs, g.Detach(token))
	}
	for fd := range g.listeners {
		errs = append(errs, g.fac.Remove(fd))
	}
	clear(g.listeners)
	errs = append(errs, g.fac.Close())
	return errors.Join(errs...)
}
