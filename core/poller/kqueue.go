//go:build darwin

package poller

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// KqueuePoller is level-triggered kqueue with a self-pipe for wakeups.
type KqueuePoller struct {
	kqfd     int
	wakeR    int
	wakeW    int
	events   []unix.Kevent_t
	interest map[int]Events
	closed   atomic.Bool
}

func newPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			unix.Close(kqfd)
			return nil, err
		}
	}

	p := &KqueuePoller{
		kqfd:     kqfd,
		wakeR:    fds[0],
		wakeW:    fds[1],
		events:   make([]unix.Kevent_t, 256),
		interest: make(map[int]Events),
	}
	if err := p.Add(p.wakeR, EventRead); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *KqueuePoller) apply(fd int, from, to Events) error {
	var changes [2]unix.Kevent_t
	n := 0
	for _, f := range []struct {
		bit    Events
		filter int16
	}{{EventRead, unix.EVFILT_READ}, {EventWrite, unix.EVFILT_WRITE}} {
		switch {
		case to.Has(f.bit) && !from.Has(f.bit):
			unix.SetKevent(&changes[n], fd, int(f.filter), unix.EV_ADD|unix.EV_ENABLE)
			n++
		case !to.Has(f.bit) && from.Has(f.bit):
			unix.SetKevent(&changes[n], fd, int(f.filter), unix.EV_DELETE)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes[:n], nil, nil)
	return err
}

func (p *KqueuePoller) Add(fd int, interest Events) error {
	if err := p.apply(fd, 0, interest); err != nil {
		return err
	}
	p.interest[fd] = interest
	return nil
}

func (p *KqueuePoller) Modify(fd int, interest Events) error {
	if err := p.apply(fd, p.interest[fd], interest); err != nil {
		return err
	}
	p.interest[fd] = interest
	return nil
}

func (p *KqueuePoller) Remove(fd int) error {
	err := p.apply(fd, p.interest[fd], 0)
	delete(p.interest, fd)
	return err
}

func (p *KqueuePoller) Wait(events []Event, timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.Kevent_t, len(events))
	}
	n, err := unix.Kevent(p.kqfd, nil, p.events[:len(events)], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	out := 0
	for _, ev := range p.events[:n] {
		fd := int(ev.Ident)
		if fd == p.wakeR {
			p.drain()
			continue
		}
		var e Events
		eof := ev.Flags&unix.EV_EOF != 0
		switch ev.Filter {
		case unix.EVFILT_READ:
			e = EventRead
			if eof {
				e |= EventReadHangup
			}
		case unix.EVFILT_WRITE:
			// EOF on the write filter: the peer stopped reading too.
			e = EventWrite
			if eof {
				e |= EventHangup
			}
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e |= EventError
		}
		events[out] = Event{Fd: fd, Events: e}
		out++
	}
	return out, nil
}

func (p *KqueuePoller) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (p *KqueuePoller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// The pipe is full, a wakeup is already pending.
		return nil
	}
	return err
}

func (p *KqueuePoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kqfd)
}

func accept(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
