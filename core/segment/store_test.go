package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, size, depth int) *Store {
	t.Helper()
	s, err := New(Options{SegmentSize: size, Depth: depth})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewDefaults(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Positive(t, s.Capacity())
	assert.Equal(t, DefaultDepth, s.Depth())
	assert.Equal(t, DefaultDepth, s.Available())
	assert.Equal(t, 0, s.Live())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{SegmentSize: 16, Depth: 4})
	assert.ErrorIs(t, err, ErrInvalidOpts)
	_, err = New(Options{SegmentSize: 4096, Depth: -1})
	assert.ErrorIs(t, err, ErrInvalidOpts)
}

func TestWindowsDoNotOverlap(t *testing.T) {
	s := newStore(t, 128, 4)
	var wins [][]byte
	for i := 0; i < 4; i++ {
		h, err := s.Allocate(uint64(i))
		require.NoError(t, err)
		w, err := s.Window(h)
		require.NoError(t, err)
		require.Len(t, w, 128)
		require.Equal(t, 128, cap(w))
		for j := range w {
			w[j] = byte(i + 1)
		}
		wins = append(wins, w)
	}
	for i, w := range wins {
		for _, b := range w {
			require.Equal(t, byte(i+1), b)
		}
	}
}

func TestBackpressureAllocateAfterRecycle(t *testing.T) {
	s := newStore(t, 256, 3)

	var hs []Handle
	for i := 0; i < 3; i++ {
		h, err := s.Allocate(1)
		require.NoError(t, err)
		hs = append(hs, h)
	}

	for i := 0; i < 5; i++ {
		_, err := s.Allocate(1)
		require.ErrorIs(t, err, ErrExhausted)
	}

	require.NoError(t, s.Fail(hs[1], ErrConnectionClosed))
	require.NoError(t, s.Recycle(hs[1]))

	h, err := s.Allocate(2)
	require.NoError(t, err)
	assert.Equal(t, hs[1].Slot, h.Slot)
	assert.NotEqual(t, hs[1].Gen, h.Gen)

	_, err = s.Allocate(2)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestStaleHandleAfterRecycle(t *testing.T) {
	s := newStore(t, 256, 2)
	h, err := s.Allocate(7)
	require.NoError(t, err)

	require.NoError(t, s.Advance(h, StageReceived))
	require.NoError(t, s.Fail(h, ErrConnectionClosed))
	require.NoError(t, s.Recycle(h))

	_, err = s.Get(h)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.ErrorIs(t, s.Advance(h, StageDecrypted), ErrStaleHandle)
	assert.ErrorIs(t, s.Recycle(h), ErrStaleHandle)

	_, err = s.Get(Handle{})
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, err = s.Get(Handle{Slot: 99, Gen: 1})
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	s := newStore(t, 256, 1)
	h, err := s.Allocate(1)
	require.NoError(t, err)

	seen := []Stage{StageFilling}
	for st := StageReceived; st <= StageFlushed; st++ {
		require.NoError(t, s.Advance(h, st))
		seg, err := s.Get(h)
		require.NoError(t, err)
		require.Greater(t, seg.Stage(), seen[len(seen)-1])
		seen = append(seen, seg.Stage())
	}

	assert.ErrorIs(t, s.Advance(h, StageEncrypted), ErrStageOrder)
	assert.ErrorIs(t, s.Fail(h, ErrConnectionClosed), ErrStageOrder)
}

func TestAdvanceRejectsBackwardAndFailed(t *testing.T) {
	s := newStore(t, 256, 1)
	h, err := s.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, s.Advance(h, StageDecoded))

	assert.ErrorIs(t, s.Advance(h, StageDecrypted), ErrStageOrder)
	assert.ErrorIs(t, s.Advance(h, StageDecoded), ErrStageOrder)
	assert.ErrorIs(t, s.Advance(h, StageFailed), ErrStageOrder)

	require.NoError(t, s.Fail(h, ErrConnectionClosed))
	assert.ErrorIs(t, s.Advance(h, StageFlushed), ErrStageOrder)

	require.NoError(t, s.Fail(h, ErrRelocated))
	seg, err := s.Get(h)
	require.NoError(t, err)
	assert.ErrorIs(t, seg.Reason(), ErrConnectionClosed)
}

func TestRecycleRequiresTerminalAndNoTicket(t *testing.T) {
	s := newStore(t, 256, 1)
	h, err := s.Allocate(1)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Recycle(h), ErrNotTerminal)

	seg, err := s.Get(h)
	require.NoError(t, err)
	seg.SetTicket(42)
	require.NoError(t, s.Fail(h, ErrConnectionClosed))
	assert.ErrorIs(t, s.Recycle(h), ErrTicketPending)

	seg.SetTicket(0)
	assert.NoError(t, s.Recycle(h))
}

func TestOverflowInvariant(t *testing.T) {
	s := newStore(t, 128, 1)
	h, err := s.Allocate(1)
	require.NoError(t, err)

	require.NoError(t, s.SetRange(h, 0, 100))
	assert.ErrorIs(t, s.Reserve(h, 29), ErrOverflow)
	require.NoError(t, s.Reserve(h, 28))
	assert.ErrorIs(t, s.SetRange(h, 0, 101), ErrOverflow)
	assert.ErrorIs(t, s.Place(h, 0, make([]byte, 101)), ErrOverflow)
	require.NoError(t, s.Check())

	require.NoError(t, s.Commit(h, 10, 128))
	seg, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, 0, seg.Headroom())
	assert.Equal(t, 128, seg.Len())
	assert.ErrorIs(t, s.Commit(h, 0, 129), ErrOverflow)
	require.NoError(t, s.Check())
}

func TestWrappedRange(t *testing.T) {
	s := newStore(t, 64, 1)
	h, err := s.Allocate(1)
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	require.NoError(t, s.Place(h, 56, data))

	win, err := s.Window(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("01234567"), win[56:])
	assert.Equal(t, []byte("89abcdef"), win[:8])

	got, err := s.Logical(h, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	var peek [6]byte
	n, err := s.Peek(h, 5, peek[:])
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("56789a"), peek[:])

	d, err := s.Descriptor(h, 0, len(data))
	require.NoError(t, err)
	assert.True(t, d.Wrapped())
	assert.Equal(t, len(data), d.Len())

	tail, err := s.Tail(h)
	require.NoError(t, err)
	assert.Equal(t, 64-len(data), tail.Len())
	assert.Equal(t, 8, tail.Parts()[0].Off)

	require.NoError(t, s.Fail(h, ErrConnectionClosed))
	require.NoError(t, s.Recycle(h))
	for _, b := range win {
		require.Zero(t, b)
	}
}

func TestSnapshotOrderAndUnlink(t *testing.T) {
	s := newStore(t, 64, 4)
	a, _ := s.Allocate(1)
	b, _ := s.Allocate(1)
	c, _ := s.Allocate(2)

	assert.Equal(t, []Handle{a, b, c}, s.Snapshot(nil))

	require.NoError(t, s.Fail(b, ErrConnectionClosed))
	require.NoError(t, s.Recycle(b))
	d, err := s.Allocate(3)
	require.NoError(t, err)

	assert.Equal(t, []Handle{a, c, d}, s.Snapshot(nil))
	assert.Equal(t, 3, s.Live())
	assert.Equal(t, 1, s.Available())
}

func TestReadWriteWrapped(t *testing.T) {
	win := make([]byte, 8)
	WriteWrapped(win, 6, []byte("abcd"))
	assert.Equal(t, []byte("cd\x00\x00\x00\x00ab"), win)

	dst := make([]byte, 4)
	ReadWrapped(dst, win, 6)
	assert.Equal(t, []byte("abcd"), dst)
}
