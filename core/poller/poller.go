// Package poller is the worker's OS facility: a level-triggered readiness
// poller (epoll on linux, kqueue on darwin) with a wakeup channel, plus
// the non-blocking syscalls the gateway issues when a descriptor is ready.
package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Events is a set of readiness conditions.
type Events uint8

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError

	// EventReadHangup means the peer shut down its sending side. Writes may
	// still succeed.
	EventReadHangup

	// EventHangup means both directions are gone.
	EventHangup
)

func (e Events) Has(f Events) bool { return e&f != 0 }

// Event is one ready descriptor.
type Event struct {
	Fd     int
	Events Events
}

var ErrClosed = errors.New("poller: closed")

// Poller multiplexes readiness. Wake may be called from any goroutine;
// every other method belongs to the owning worker.
type Poller interface {
	// Add registers fd for the read and write bits of interest.
	Add(fd int, interest Events) error
	Modify(fd int, interest Events) error
	Remove(fd int) error

	// Wait fills events and returns how many are ready. A negative
	// timeout blocks until an event or a Wake. Interrupted waits and
	// wakeups return 0 events and no error.
	Wait(events []Event, timeoutMs int) (int, error)
	Wake() error
	Close() error
}

// System is a Poller plus the syscalls issued on ready descriptors.
type System struct {
	Poller
}

// New opens the platform poller.
func New() (*System, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &System{Poller: p}, nil
}

// Readv reads into bufs. It returns 0, unix.EAGAIN when nothing is
// available.
func (*System) Readv(fd int, bufs [][]byte) (int, error) {
	return retry(func() (int, error) { return unix.Readv(fd, bufs) })
}

// Writev writes bufs and reports how many bytes the kernel took.
func (*System) Writev(fd int, bufs [][]byte) (int, error) {
	return retry(func() (int, error) { return unix.Writev(fd, bufs) })
}

// Accept takes one pending connection, already non-blocking and
// close-on-exec.
func (*System) Accept(fd int) (int, error) {
	for {
		nfd, err := accept(fd)
		switch err {
		case unix.EINTR, unix.ECONNABORTED:
			continue
		}
		return nfd, err
	}
}

func (*System) CloseFd(fd int) error {
	return unix.Close(fd)
}

func retry(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// IsWouldBlock reports whether err means the operation should wait for
// readiness.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ENOTCONN)
}
