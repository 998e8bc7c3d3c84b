package poller

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSystem(t *testing.T) *System {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadReadiness(t *testing.T) {
	s := newSystem(t)
	a, b := socketpair(t)
	require.NoError(t, s.Add(a, EventRead))

	events := make([]Event, 8)
	n, err := s.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	n, err = s.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, a, events[0].Fd)
	assert.True(t, events[0].Events.Has(EventRead))

	// Level-triggered: still ready until drained.
	n, err = s.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buf := make([]byte, 2)
	got, err := s.Readv(a, [][]byte{buf[:1], buf[1:]})
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, "pi", string(buf))
}

func TestWriteInterestAndModify(t *testing.T) {
	s := newSystem(t)
	a, _ := socketpair(t)
	require.NoError(t, s.Add(a, 0))

	events := make([]Event, 8)
	n, err := s.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Modify(a, EventWrite))
	n, err = s.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Events.Has(EventWrite))

	require.NoError(t, s.Remove(a))
	n, err = s.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHangup(t *testing.T) {
	s := newSystem(t)
	a, b := socketpair(t)
	require.NoError(t, s.Add(a, EventRead))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))

	events := make([]Event, 8)
	n, err := s.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Events.Has(EventReadHangup))
	assert.False(t, events[0].Events.Has(EventHangup), "half close leaves the write side open")

	got, err := s.Readv(a, [][]byte{make([]byte, 8)})
	require.NoError(t, err)
	assert.Zero(t, got, "EOF")

	got, err = s.Writev(a, [][]byte{[]byte("still open")})
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestReadWouldBlock(t *testing.T) {
	s := newSystem(t)
	a, _ := socketpair(t)
	_, err := s.Readv(a, [][]byte{make([]byte, 8)})
	assert.True(t, IsWouldBlock(err))
}

func TestWritevAndClosedPeer(t *testing.T) {
	s := newSystem(t)
	a, b := socketpair(t)

	n, err := s.Writev(a, [][]byte{[]byte("ab"), []byte("cd")})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	_, err = unix.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf))

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))
	defer unix.Close(fds[0])
	_, err = s.Writev(fds[0], [][]byte{[]byte("x")})
	assert.True(t, IsClosed(err), "got %v", err)
}

func TestWakeInterruptsWait(t *testing.T) {
	s := newSystem(t)

	done := make(chan error, 1)
	go func() {
		n, err := s.Wait(make([]Event, 4), -1)
		if err == nil && n != 0 {
			t.Errorf("wakeup surfaced %d events", n)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Wake())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait not interrupted by Wake")
	}

	// Repeated wakes coalesce and are drained.
	require.NoError(t, s.Wake())
	require.NoError(t, s.Wake())
	n, err := s.Wait(make([]Event, 4), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAccept(t *testing.T) {
	s := newSystem(t)
	path := filepath.Join(t.TempDir(), "l.sock")

	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(lfd)
	require.NoError(t, unix.SetNonblock(lfd, true))
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrUnix{Name: path}))
	require.NoError(t, unix.Listen(lfd, 16))

	_, err = s.Accept(lfd)
	assert.True(t, IsWouldBlock(err))

	cfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(cfd)
	require.NoError(t, unix.Connect(cfd, &unix.SockaddrUnix{Name: path}))

	nfd, err := s.Accept(lfd)
	require.NoError(t, err)
	defer s.CloseFd(nfd)

	_, err = s.Readv(nfd, [][]byte{make([]byte, 1)})
	assert.True(t, IsWouldBlock(err), "accepted fd is non-blocking")
}

func TestClosed(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Wait(make([]Event, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Wake(), ErrClosed)
}
