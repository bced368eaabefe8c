//go:build linux || darwin

package tpcengine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// pollBackend is the portable readiness-based selector, built on poll(2).
//
// The pollfd array is rebuilt only when the registration set changes and
// reused across Poll calls, so steady-state polling allocates nothing.
type pollBackend struct {
	handlers map[int]*fdHandler
	pollFds  []unix.PollFd
	dirty    bool

	wakeReadFd  int
	wakeWriteFd int
	wakeBuf     [8]byte

	closed bool
}

func newPollBackend() (*pollBackend, error) {
	readFd, writeFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	b := &pollBackend{
		handlers:    make(map[int]*fdHandler),
		wakeReadFd:  readFd,
		wakeWriteFd: writeFd,
	}
	if err := b.Register(readFd, EventRead, func(IOEvents) { b.drainWakeFd() }); err != nil {
		b.closeWakeFds()
		return nil, err
	}
	return b, nil
}

func (b *pollBackend) Register(fd int, events IOEvents, cb IOCallback) error {
	if b.closed {
		return ErrBackendClosed
	}
	if _, ok := b.handlers[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	b.handlers[fd] = &fdHandler{callback: cb, events: events, active: true}
	b.dirty = true
	return nil
}

func (b *pollBackend) Modify(fd int, events IOEvents) error {
	h, ok := b.handlers[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	h.events = events
	b.dirty = true
	return nil
}

func (b *pollBackend) Unregister(fd int) error {
	if _, ok := b.handlers[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(b.handlers, fd)
	b.dirty = true
	return nil
}

func (b *pollBackend) rebuildPollFds() {
	b.pollFds = b.pollFds[:0]
	for fd, h := range b.handlers {
		var events int16
		if h.events&EventRead != 0 {
			events |= unix.POLLIN
		}
		if h.events&EventWrite != 0 {
			events |= unix.POLLOUT
		}
		b.pollFds = append(b.pollFds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	b.dirty = false
}

func (b *pollBackend) Poll(timeoutNanos int64) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}
	if b.dirty {
		b.rebuildPollFds()
	}

	n, err := unix.Poll(b.pollFds, timeoutToMillis(timeoutNanos))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	for i := range b.pollFds {
		revents := b.pollFds[i].Revents
		if revents == 0 {
			continue
		}
		b.pollFds[i].Revents = 0

		var events IOEvents
		if revents&unix.POLLIN != 0 {
			events |= EventRead
		}
		if revents&unix.POLLOUT != 0 {
			events |= EventWrite
		}
		if revents&unix.POLLERR != 0 {
			events |= EventError
		}
		if revents&unix.POLLHUP != 0 {
			events |= EventHangup
		}

		if h, ok := b.handlers[int(b.pollFds[i].Fd)]; ok && h.active {
			h.callback(events)
		}
		dispatched++
		if dispatched == n {
			break
		}
	}
	return dispatched, nil
}

func (b *pollBackend) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(b.wakeWriteFd, buf[:])
	return err
}

func (b *pollBackend) drainWakeFd() {
	for {
		if _, err := unix.Read(b.wakeReadFd, b.wakeBuf[:]); err != nil {
			return
		}
	}
}

func (b *pollBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.closeWakeFds()
	return nil
}

func (b *pollBackend) closeWakeFds() {
	_ = unix.Close(b.wakeReadFd)
	if b.wakeWriteFd != b.wakeReadFd {
		_ = unix.Close(b.wakeWriteFd)
	}
}
