// Package segment owns one worker's ring of fixed-size segment slots.
//
// All slots live in a single anonymous, page-aligned mapping. Slot i owns
// the window mem[i*size:(i+1)*size]. A segment's occupied range is circular
// within its window: byte k of the range lives at window[(off+k) % size],
// so a range may wrap past the window end. Handles carry a generation;
// recycling a slot bumps it and invalidates every older handle.
//
// A Store is not safe for concurrent use. It belongs to exactly one worker.
package segment

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/searchktools/segserver/core/iovec"
)

const DefaultDepth = 256

var (
	ErrExhausted     = errors.New("segment: no free slot")
	ErrStaleHandle   = errors.New("segment: stale handle")
	ErrStageOrder    = errors.New("segment: stage may only advance")
	ErrOverflow      = errors.New("segment: occupied length plus headroom exceeds capacity")
	ErrNotTerminal   = errors.New("segment: recycle of non-terminal segment")
	ErrTicketPending = errors.New("segment: recycle with I/O ticket pending")
	ErrInvalidOpts   = errors.New("segment: invalid options")

	// Failure reasons recorded by Fail.
	ErrConnectionClosed = errors.New("connection closed")
	ErrRelocated        = errors.New("relocated to another slot")
)

// Handle names a slot at a particular generation. The zero Handle is never
// valid.
type Handle struct {
	Slot uint32
	Gen  uint32
}

func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.Slot, h.Gen) }

// Segment is the metadata of one slot.
type Segment struct {
	stage    Stage
	off      int
	length   int
	headroom int
	conn     uint64
	gen      uint32
	park     Park
	ticket   uint64
	reason   error

	prev, next int32
}

func (s *Segment) Stage() Stage { return s.stage }
func (s *Segment) Off() int { return s.off }
func (s *Segment) Len() int { return s.length }
func (s *Segment) Headroom() int { return s.headroom }
func (s *Segment) Conn() uint64 { return s.conn }
func (s *Segment) Gen() uint32 { return s.gen }
func (s *Segment) Reason() error { return s.reason }
func (s *Segment) Parked() Park { return s.park }
func (s *Segment) Ticket() uint64 { return s.ticket }
func (s *Segment) Park(p Park) { s.park = p }
func (s *Segment) SetTicket(t uint64) { s.ticket = t }

// Options sizes a Store. Zero values select defaults.
type Options struct {
	SegmentSize int
	Depth       int
}

// Store is the ring of slots plus its backing memory.
type Store struct {
	mem   []byte
	size  int
	slots []Segment

	// free is a FIFO of slot indexes.
	free     []int32
	freeHead int
	freeLen  int

	// live is a list of occupied slots in allocation order.
	head, tail int32
	live       int
}

// New maps depth*size bytes and returns a Store with every slot free.
func New(opts Options) (*Store, error) {
	if opts.SegmentSize == 0 {
		opts.SegmentSize = os.Getpagesize()
	}
	if opts.Depth == 0 {
		opts.Depth = DefaultDepth
	}
	if opts.SegmentSize < 64 || opts.Depth < 1 || opts.Depth > 1<<24 {
		return nil, fmt.Errorf("%w: segment size %d, depth %d", ErrInvalidOpts, opts.SegmentSize, opts.Depth)
	}

	page := os.Getpagesize()
	total := opts.SegmentSize * opts.Depth
	total = (total + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %d bytes: %w", total, err)
	}

	s := &Store{
		mem:   mem,
		size:  opts.SegmentSize,
		slots: make([]Segment, opts.Depth),
		free:  make([]int32, opts.Depth),
		head:  -1,
		tail:  -1,
	}
	for i := range s.slots {
		s.slots[i] = Segment{gen: 1, prev: -1, next: -1}
		s.free[i] = int32(i)
	}
	s.freeLen = opts.Depth
	return s, nil
}

// Close releases the backing memory. Windows obtained earlier must not be
// used afterwards.
func (s *Store) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Capacity is the size of every slot in bytes.
func (s *Store) Capacity() int { return s.size }

func (s *Store) Depth() int { return len(s.slots) }

// Live is the number of allocated slots.
func (s *Store) Live() int { return s.live }

// Available is the number of free slots.
func (s *Store) Available() int { return s.freeLen }

// Allocate takes the oldest free slot for conn and puts it in StageFilling
// with an empty range.
func (s *Store) Allocate(conn uint64) (Handle, error) {
	if s.freeLen == 0 {
		return Handle{}, ErrExhausted
	}
	idx := s.free[s.freeHead]
	s.freeHead = (s.freeHead + 1) % len(s.free)
	s.freeLen--

	seg := &s.slots[idx]
	seg.stage = StageFilling
	seg.off, seg.length, seg.headroom = 0, 0, 0
	seg.conn = conn
	seg.park = ParkNone
	seg.ticket = 0
	seg.reason = nil

	seg.prev, seg.next = s.tail, -1
	if s.tail >= 0 {
		s.slots[s.tail].next = idx
	} else {
		s.head = idx
	}
	s.tail = idx
	s.live++

	return Handle{Slot: uint32(idx), Gen: seg.gen}, nil
}

// Get resolves a handle. A handle from an older generation, or one naming a
// free slot, yields ErrStaleHandle.
func (s *Store) Get(h Handle) (*Segment, error) {
	if int(h.Slot) >= len(s.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	seg := &s.slots[h.Slot]
	if seg.gen != h.Gen || seg.stage == StageFree {
		return nil, fmt.Errorf("%w: %s (slot at gen %d)", ErrStaleHandle, h, seg.gen)
	}
	return seg, nil
}

// Window returns the slot's full byte window, capped at the slot end.
func (s *Store) Window(h Handle) ([]byte, error) {
	if _, err := s.Get(h); err != nil {
		return nil, err
	}
	return s.window(int(h.Slot)), nil
}

func (s *Store) window(idx int) []byte {
	lo := idx * s.size
	hi := lo + s.size
	return s.mem[lo:hi:hi]
}

// Advance moves the segment to a later stage.
func (s *Store) Advance(h Handle, to Stage) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	if seg.stage.Terminal() || to <= seg.stage || to == StageFailed {
		return fmt.Errorf("%w: %s -> %s", ErrStageOrder, seg.stage, to)
	}
	seg.stage = to
	return nil
}

// Fail moves a non-terminal segment to StageFailed. Failing an already
// failed segment keeps the first reason.
func (s *Store) Fail(h Handle, reason error) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	switch seg.stage {
	case StageFailed:
		return nil
	case StageFlushed:
		return fmt.Errorf("%w: flushed -> failed", ErrStageOrder)
	}
	seg.stage = StageFailed
	seg.reason = reason
	seg.headroom = 0
	seg.park = ParkNone
	return nil
}

// Reserve sets the headroom held back for in-place growth.
func (s *Store) Reserve(h Handle, headroom int) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	if headroom < 0 || seg.length+headroom > s.size {
		return fmt.Errorf("%w: len %d + headroom %d > %d", ErrOverflow, seg.length, headroom, s.size)
	}
	seg.headroom = headroom
	return nil
}

// SetRange replaces the occupied range, keeping the current headroom.
func (s *Store) SetRange(h Handle, off, n int) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	if off < 0 || n < 0 || n+seg.headroom > s.size {
		return fmt.Errorf("%w: off %d len %d headroom %d cap %d", ErrOverflow, off, n, seg.headroom, s.size)
	}
	seg.off = off % s.size
	seg.length = n
	return nil
}

// Commit replaces the occupied range and releases the headroom in one step,
// as at the end of a transform.
func (s *Store) Commit(h Handle, off, n int) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	if off < 0 || n < 0 || n > s.size {
		return fmt.Errorf("%w: off %d len %d cap %d", ErrOverflow, off, n, s.size)
	}
	seg.headroom = 0
	seg.off = off % s.size
	seg.length = n
	return nil
}

// Place writes data into the window starting at off and makes it the
// occupied range.
func (s *Store) Place(h Handle, off int, data []byte) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	if len(data)+seg.headroom > s.size {
		return fmt.Errorf("%w: place %d bytes with headroom %d into %d", ErrOverflow, len(data), seg.headroom, s.size)
	}
	off %= s.size
	WriteWrapped(s.window(int(h.Slot)), off, data)
	seg.off = off
	seg.length = len(data)
	return nil
}

// Logical appends the occupied bytes, in logical order, to dst.
func (s *Store) Logical(h Handle, dst []byte) ([]byte, error) {
	seg, err := s.Get(h)
	if err != nil {
		return dst, err
	}
	start := len(dst)
	dst = slices.Grow(dst, seg.length)[:start+seg.length]
	ReadWrapped(dst[start:], s.window(int(h.Slot)), seg.off)
	return dst, nil
}

// Peek copies up to len(dst) occupied bytes starting rel bytes into the
// range and returns how many were copied.
func (s *Store) Peek(h Handle, rel int, dst []byte) (int, error) {
	seg, err := s.Get(h)
	if err != nil {
		return 0, err
	}
	if rel < 0 || rel > seg.length {
		return 0, fmt.Errorf("%w: peek at %d of %d", ErrOverflow, rel, seg.length)
	}
	n := min(len(dst), seg.length-rel)
	ReadWrapped(dst[:n], s.window(int(h.Slot)), seg.off+rel)
	return n, nil
}

// Descriptor describes n occupied bytes starting rel bytes into the range.
func (s *Store) Descriptor(h Handle, rel, n int) (iovec.Descriptor, error) {
	seg, err := s.Get(h)
	if err != nil {
		return iovec.Descriptor{}, err
	}
	if rel < 0 || n < 0 || rel+n > seg.length {
		return iovec.Descriptor{}, fmt.Errorf("%w: [%d,+%d) of %d", ErrOverflow, rel, n, seg.length)
	}
	return iovec.Build(s.size, seg.off+rel, n)
}

// Tail describes the unoccupied space following the range, less any
// headroom, where inbound bytes can be read.
func (s *Store) Tail(h Handle) (iovec.Descriptor, error) {
	seg, err := s.Get(h)
	if err != nil {
		return iovec.Descriptor{}, err
	}
	room := s.size - seg.length - seg.headroom
	if room <= 0 {
		return iovec.Descriptor{}, fmt.Errorf("%w: no room after %d bytes", ErrOverflow, seg.length)
	}
	return iovec.Build(s.size, seg.off+seg.length, room)
}

// Recycle returns a terminal segment's slot to the free list. Its
// generation is bumped and its occupied bytes are zeroed.
func (s *Store) Recycle(h Handle) error {
	seg, err := s.Get(h)
	if err != nil {
		return err
	}
	if !seg.stage.Terminal() {
		return fmt.Errorf("%w: %s in %s", ErrNotTerminal, h, seg.stage)
	}
	if seg.ticket != 0 {
		return fmt.Errorf("%w: %s ticket %d", ErrTicketPending, h, seg.ticket)
	}

	idx := int32(h.Slot)
	win := s.window(int(idx))
	if seg.off+seg.length <= s.size {
		clear(win[seg.off : seg.off+seg.length])
	} else {
		clear(win[seg.off:])
		clear(win[:seg.off+seg.length-s.size])
	}

	if seg.prev >= 0 {
		s.slots[seg.prev].next = seg.next
	} else {
		s.head = seg.next
	}
	if seg.next >= 0 {
		s.slots[seg.next].prev = seg.prev
	} else {
		s.tail = seg.prev
	}
	s.live--

	gen := seg.gen + 1
	if gen == 0 {
		gen = 1
	}
	*seg = Segment{gen: gen, prev: -1, next: -1}

	s.free[(s.freeHead+s.freeLen)%len(s.free)] = idx
	s.freeLen++
	return nil
}

// Snapshot appends the handles of all live segments, oldest first.
func (s *Store) Snapshot(dst []Handle) []Handle {
	for i := s.head; i >= 0; i = s.slots[i].next {
		dst = append(dst, Handle{Slot: uint32(i), Gen: s.slots[i].gen})
	}
	return dst
}

// Check verifies the occupancy invariant on every slot.
func (s *Store) Check() error {
	for i := range s.slots {
		seg := &s.slots[i]
		if seg.length < 0 || seg.headroom < 0 || seg.length+seg.headroom > s.size {
			return fmt.Errorf("%w: slot %d len %d headroom %d", ErrOverflow, i, seg.length, seg.headroom)
		}
		if seg.off < 0 || seg.off >= s.size {
			return fmt.Errorf("%w: slot %d off %d", ErrOverflow, i, seg.off)
		}
	}
	return nil
}

// WriteWrapped copies src into window starting at off, wrapping at the end.
func WriteWrapped(window []byte, off int, src []byte) {
	off %= len(window)
	n := copy(window[off:], src)
	copy(window, src[n:])
}

// ReadWrapped fills dst from window starting at off, wrapping at the end.
func ReadWrapped(dst, window []byte, off int) {
	off %= len(window)
	n := copy(dst, window[off:])
	copy(dst[n:], window)
}
