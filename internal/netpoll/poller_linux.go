//go:build linux

// Package netpoll is a minimal epoll-based readiness poller: direct
// fd-keyed registration, inline callback dispatch, no internal locking.
// A poller is only ever driven by the single goroutine that owns it.
package netpoll

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IOEvents is a bitmask of readiness conditions.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

var (
	ErrFDAlreadyRegistered = errors.New("netpoll: fd already registered")
	ErrFDNotRegistered     = errors.New("netpoll: fd not registered")
	ErrPollerClosed        = errors.New("netpoll: poller closed")
)

// Callback receives the readiness bits observed for the fd it was
// registered against.
type Callback func(IOEvents)

type fdInfo struct {
	callback Callback
	active   bool
}

// Poller wraps a single epoll instance. It is not safe for concurrent use;
// exactly one goroutine (the readiness loop that owns it) may call its
// methods.
type Poller struct {
	epfd     int
	fds      map[int32]fdInfo
	eventBuf []unix.EpollEvent
	closed   bool
}

// New creates and initializes an epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:     epfd,
		fds:      make(map[int32]fdInfo),
		eventBuf: make([]unix.EpollEvent, 256),
	}, nil
}

// Close releases the epoll fd. Subsequent calls are no-ops.
func (p *Poller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

// Register adds fd to the set being watched.
func (p *Poller) Register(fd int, events IOEvents, cb Callback) error {
	if p.closed {
		return ErrPollerClosed
	}
	key := int32(fd)
	if _, ok := p.fds[key]; ok {
		return ErrFDAlreadyRegistered
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: key}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	p.fds[key] = fdInfo{callback: cb, active: true}
	return nil
}

// Modify changes the interest mask for an already-registered fd. This is
// how the server toggles READ interest for backpressure.
func (p *Poller) Modify(fd int, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	key := int32(fd)
	if _, ok := p.fds[key]; !ok {
		return ErrFDNotRegistered
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: key}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Unregister stops watching fd. Safe to call even if epoll_ctl fails
// (e.g. the fd is already closed): the in-memory entry is removed either
// way, since the caller is already tearing the connection down when this
// is invoked.
func (p *Poller) Unregister(fd int) error {
	key := int32(fd)
	if _, ok := p.fds[key]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, key)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeoutMs (-1 for indefinitely) and dispatches
// callbacks for every fd reported ready. Returns the number of events
// processed.
func (p *Poller) Wait(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		info, ok := p.fds[p.eventBuf[i].Fd]
		if !ok || !info.active || info.callback == nil {
			continue
		}
		info.callback(epollToEvents(p.eventBuf[i].Events))
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
