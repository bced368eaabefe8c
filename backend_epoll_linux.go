//go:build linux

package tpcengine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// epollBackend is the edge-triggered notifier: epoll with a one-shot rearm
// policy. Each registered fd is armed EPOLLET|EPOLLONESHOT and rearmed by
// the dispatch after its callback returns, so a slow handler can never be
// re-entered by a second readiness burst.
type epollBackend struct {
	epfd     int
	handlers map[int]*fdHandler
	eventBuf [256]unix.EpollEvent

	wakeFd  int
	wakeBuf [8]byte

	closed bool
}

func newEpollBackend() (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, _, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{
		epfd:     epfd,
		handlers: make(map[int]*fdHandler),
		wakeFd:   wakeFd,
	}
	// The wake fd is drained on dispatch, so it stays level-triggered and
	// needs no rearm.
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}
	return b, nil
}

func (b *epollBackend) Register(fd int, events IOEvents, cb IOCallback) error {
	if b.closed {
		return ErrBackendClosed
	}
	if _, ok := b.handlers[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	ev := &unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	b.handlers[fd] = &fdHandler{callback: cb, events: events, active: true}
	return nil
}

func (b *epollBackend) Modify(fd int, events IOEvents) error {
	h, ok := b.handlers[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	ev := &unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return err
	}
	h.events = events
	return nil
}

func (b *epollBackend) Unregister(fd int) error {
	if _, ok := b.handlers[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(b.handlers, fd)
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Poll(timeoutNanos int64) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], timeoutToMillis(timeoutNanos))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Fd)
		if fd == b.wakeFd {
			b.drainWakeFd()
			continue
		}
		h, ok := b.handlers[fd]
		if !ok || !h.active {
			continue
		}
		h.callback(ioEventsFromEpoll(b.eventBuf[i].Events))
		// Rearm: the one-shot disarmed the fd when it fired.
		if _, still := b.handlers[fd]; still {
			ev := &unix.EpollEvent{Events: epollEvents(h.events), Fd: int32(fd)}
			_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
		}
	}
	return n, nil
}

func (b *epollBackend) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(b.wakeFd, buf[:])
	return err
}

func (b *epollBackend) drainWakeFd() {
	for {
		if _, err := unix.Read(b.wakeFd, b.wakeBuf[:]); err != nil {
			return
		}
	}
}

func (b *epollBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	_ = unix.Close(b.wakeFd)
	return unix.Close(b.epfd)
}

func epollEvents(events IOEvents) uint32 {
	e := uint32(unix.EPOLLET | unix.EPOLLONESHOT)
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func ioEventsFromEpoll(e uint32) IOEvents {
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
