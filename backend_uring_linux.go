//go:build linux

package tpcengine

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring ABI constants not exported by x/sys/unix.
const (
	ioringOffSqRing = 0x0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioringEnterGetevents = 1 << 0

	ioringOpNop        = 0
	ioringOpPollAdd    = 6
	ioringOpPollRemove = 7
	ioringOpTimeout    = 11

	uringEntries = 256
)

// Reserved completion tags; real fds are small non-negative integers so
// the top of the user-data space is free.
const (
	uringWakeUserData    = ^uint64(0)
	uringTimeoutUserData = ^uint64(1)
)

type ioSqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type ioCqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioSqringOffsets
	cqOff        ioCqringOffsets
}

type ioUringSqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	pad         [2]uint64
}

type ioUringCqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// uringBackend drives the eventloop with an io_uring submission/completion
// ring. Readiness interests are expressed as one-shot POLL_ADD submissions
// that are rearmed after their completion is dispatched; timed parks use an
// OP_TIMEOUT entry. Submissions accumulate in the SQ and are flushed in a
// single io_uring_enter at the next Poll.
type uringBackend struct {
	fd int

	sqRing  []byte
	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray []uint32
	sqes    []ioUringSqe

	cqRing []byte
	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []ioUringCqe

	toSubmit uint32

	// parkTs backs the OP_TIMEOUT sqe; it must outlive the enter call.
	parkTs unix.Timespec

	handlers map[int]*fdHandler

	wakeFd  int
	wakeBuf [8]byte

	closed bool
}

func newUringBackend() (*uringBackend, error) {
	var params ioUringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(uringEntries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("tpcengine: io_uring_setup: %w", errno)
	}

	b := &uringBackend{
		fd:       int(fd),
		handlers: make(map[int]*fdHandler),
	}
	if err := b.mmapRings(&params); err != nil {
		_ = unix.Close(b.fd)
		return nil, err
	}

	wakeFd, _, err := createWakeFd()
	if err != nil {
		b.munmapRings()
		_ = unix.Close(b.fd)
		return nil, err
	}
	b.wakeFd = wakeFd
	b.prepPollAdd(wakeFd, unix.POLLIN, uringWakeUserData)

	return b, nil
}

func (b *uringBackend) mmapRings(params *ioUringParams) error {
	sqRingSize := int(params.sqOff.array + params.sqEntries*4)
	cqRingSize := int(params.cqOff.cqes) + int(params.cqEntries)*int(unsafe.Sizeof(ioUringCqe{}))

	sqRing, err := unix.Mmap(b.fd, ioringOffSqRing, sqRingSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("tpcengine: mmap sq ring: %w", err)
	}
	cqRing, err := unix.Mmap(b.fd, ioringOffCqRing, cqRingSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(sqRing)
		return fmt.Errorf("tpcengine: mmap cq ring: %w", err)
	}
	sqesSize := int(params.sqEntries) * int(unsafe.Sizeof(ioUringSqe{}))
	sqesMem, err := unix.Mmap(b.fd, ioringOffSqes, sqesSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(sqRing)
		_ = unix.Munmap(cqRing)
		return fmt.Errorf("tpcengine: mmap sqes: %w", err)
	}

	b.sqRing = sqRing
	b.sqHead = (*uint32)(unsafe.Pointer(&sqRing[params.sqOff.head]))
	b.sqTail = (*uint32)(unsafe.Pointer(&sqRing[params.sqOff.tail]))
	b.sqMask = *(*uint32)(unsafe.Pointer(&sqRing[params.sqOff.ringMask]))
	b.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqRing[params.sqOff.array])), params.sqEntries)
	b.sqes = unsafe.Slice((*ioUringSqe)(unsafe.Pointer(&sqesMem[0])), params.sqEntries)

	b.cqRing = cqRing
	b.cqHead = (*uint32)(unsafe.Pointer(&cqRing[params.cqOff.head]))
	b.cqTail = (*uint32)(unsafe.Pointer(&cqRing[params.cqOff.tail]))
	b.cqMask = *(*uint32)(unsafe.Pointer(&cqRing[params.cqOff.ringMask]))
	b.cqes = unsafe.Slice((*ioUringCqe)(unsafe.Pointer(&cqRing[params.cqOff.cqes])), params.cqEntries)

	return nil
}

func (b *uringBackend) munmapRings() {
	sqesMem := unsafe.Slice((*byte)(unsafe.Pointer(&b.sqes[0])), len(b.sqes)*int(unsafe.Sizeof(ioUringSqe{})))
	_ = unix.Munmap(sqesMem)
	_ = unix.Munmap(b.sqRing)
	_ = unix.Munmap(b.cqRing)
}

// nextSqe claims the next submission slot. Returns nil when the SQ is
// full; callers treat that as a dropped rearm and retry on the next tick.
func (b *uringBackend) nextSqe() *ioUringSqe {
	head := atomic.LoadUint32(b.sqHead)
	tail := *b.sqTail
	if tail-head >= uint32(len(b.sqes)) {
		return nil
	}
	idx := tail & b.sqMask
	sqe := &b.sqes[idx]
	*sqe = ioUringSqe{}
	b.sqArray[idx] = idx
	return sqe
}

// commitSqe publishes the sqe claimed by nextSqe.
func (b *uringBackend) commitSqe() {
	atomic.StoreUint32(b.sqTail, *b.sqTail+1)
	b.toSubmit++
}

func (b *uringBackend) prepPollAdd(fd int, pollMask uint32, userData uint64) bool {
	sqe := b.nextSqe()
	if sqe == nil {
		return false
	}
	sqe.opcode = ioringOpPollAdd
	sqe.fd = int32(fd)
	sqe.opcodeFlags = pollMask
	sqe.userData = userData
	b.commitSqe()
	return true
}

func (b *uringBackend) prepTimeout(timeoutNanos int64) bool {
	sqe := b.nextSqe()
	if sqe == nil {
		return false
	}
	b.parkTs = unix.NsecToTimespec(timeoutNanos)
	sqe.opcode = ioringOpTimeout
	sqe.fd = -1
	sqe.addr = uint64(uintptr(unsafe.Pointer(&b.parkTs)))
	sqe.len = 1
	sqe.off = 1 // fire after one completion or the timeout, whichever first
	sqe.userData = uringTimeoutUserData
	b.commitSqe()
	return true
}

func pollMaskFor(events IOEvents) uint32 {
	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.POLLOUT
	}
	return mask
}

func (b *uringBackend) Register(fd int, events IOEvents, cb IOCallback) error {
	if b.closed {
		return ErrBackendClosed
	}
	if _, ok := b.handlers[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	b.handlers[fd] = &fdHandler{callback: cb, events: events, active: true}
	b.prepPollAdd(fd, pollMaskFor(events), uint64(fd))
	return nil
}

func (b *uringBackend) Modify(fd int, events IOEvents) error {
	h, ok := b.handlers[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	h.events = events
	// The in-flight one-shot poll keeps its old mask; the new interest
	// takes effect at the next rearm.
	return nil
}

func (b *uringBackend) Unregister(fd int) error {
	if _, ok := b.handlers[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(b.handlers, fd)
	if sqe := b.nextSqe(); sqe != nil {
		sqe.opcode = ioringOpPollRemove
		sqe.fd = -1
		sqe.addr = uint64(fd)
		b.commitSqe()
	}
	return nil
}

func (b *uringBackend) Poll(timeoutNanos int64) (int, error) {
	if b.closed {
		return 0, ErrBackendClosed
	}

	var minComplete, flags uintptr
	if timeoutNanos != 0 {
		if timeoutNanos > 0 {
			b.prepTimeout(timeoutNanos)
		}
		minComplete = 1
		flags = ioringEnterGetevents
	}

	// Completions may already be pending; never block on a non-empty CQ.
	if minComplete == 1 && atomic.LoadUint32(b.cqTail) != *b.cqHead {
		minComplete = 0
		flags = 0
	}

	toSubmit := b.toSubmit
	b.toSubmit = 0
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(b.fd), uintptr(toSubmit), minComplete, flags, 0, 0)
	if errno != 0 && errno != unix.EINTR && errno != unix.EBUSY {
		return 0, fmt.Errorf("tpcengine: io_uring_enter: %w", errno)
	}

	return b.reapCompletions(), nil
}

func (b *uringBackend) reapCompletions() int {
	dispatched := 0
	head := *b.cqHead
	for {
		tail := atomic.LoadUint32(b.cqTail)
		if head == tail {
			break
		}
		cqe := b.cqes[head&b.cqMask]
		head++
		atomic.StoreUint32(b.cqHead, head)

		switch cqe.userData {
		case uringTimeoutUserData:
			// Park timeout elapsed or was cut short; nothing to dispatch.
		case uringWakeUserData:
			b.drainWakeFd()
			b.prepPollAdd(b.wakeFd, unix.POLLIN, uringWakeUserData)
		default:
			fd := int(cqe.userData)
			h, ok := b.handlers[fd]
			if !ok || !h.active || cqe.res < 0 {
				continue
			}
			h.callback(ioEventsFromPollMask(uint32(cqe.res)))
			dispatched++
			// One-shot semantics: rearm for the (possibly updated)
			// interest set.
			if _, still := b.handlers[fd]; still {
				b.prepPollAdd(fd, pollMaskFor(h.events), uint64(fd))
			}
		}
	}
	return dispatched
}

func ioEventsFromPollMask(mask uint32) IOEvents {
	var events IOEvents
	if mask&unix.POLLIN != 0 {
		events |= EventRead
	}
	if mask&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if mask&unix.POLLERR != 0 {
		events |= EventError
	}
	if mask&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

func (b *uringBackend) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(b.wakeFd, buf[:])
	return err
}

func (b *uringBackend) drainWakeFd() {
	for {
		if _, err := unix.Read(b.wakeFd, b.wakeBuf[:]); err != nil {
			return
		}
	}
}

func (b *uringBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.munmapRings()
	_ = unix.Close(b.wakeFd)
	return unix.Close(b.fd)
}
