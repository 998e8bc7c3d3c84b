//go:build linux

package poller

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EpollPoller is level-triggered epoll with an eventfd for wakeups.
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	closed atomic.Bool
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 256),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, EventRead); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *EpollPoller) ctl(op, fd int, interest Events) error {
	// EPOLLHUP and EPOLLERR are always reported. A half close only
	// matters while a read is wanted.
	ev := unix.EpollEvent{Fd: int32(fd)}
	if interest.Has(EventRead) {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.Has(EventWrite) {
		ev.Events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

func (p *EpollPoller) Add(fd int, interest Events) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, interest)
}

func (p *EpollPoller) Modify(fd int, interest Events) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, interest)
}

func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *EpollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(p.epfd, p.events[:len(events)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for _, ev := range p.events[:n] {
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drain()
			continue
		}
		events[out] = Event{Fd: fd, Events: fromEpoll(ev.Events)}
		out++
	}
	return out, nil
}

func fromEpoll(e uint32) Events {
	var out Events
	if e&unix.EPOLLIN != 0 {
		out |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		out |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if e&unix.EPOLLRDHUP != 0 {
		out |= EventReadHangup
	}
	if e&unix.EPOLLHUP != 0 {
		out |= EventHangup
	}
	return out
}

func (p *EpollPoller) drain() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

// Wake interrupts a Wait in progress, or the next one.
func (p *EpollPoller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// The counter is saturated, a wakeup is already pending.
		return nil
	}
	return err
}

func (p *EpollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

func accept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}
