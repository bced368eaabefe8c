package iobuf

import "github.com/joeycumines/go-tpcengine/internal/mpmc"

// ConcurrentAllocator is an MPMC-safe frame pool for frames constructed
// on one thread and freed on another, e.g. responses written by a loop
// and released by the caller that awaited them.
//
// The pool is bounded: a free that finds it full drops the frame's
// backing and lets the GC take it.
type ConcurrentAllocator struct {
	minSize int
	pool    *mpmc.Queue[*Frame]
}

// NewConcurrentAllocator creates a concurrent pool holding at most
// capacity frames of the given minimum capacity.
func NewConcurrentAllocator(minSize, capacity int) *ConcurrentAllocator {
	return &ConcurrentAllocator{
		minSize: minSize,
		pool:    mpmc.New[*Frame](capacity),
	}
}

// Allocate implements Allocator.
func (a *ConcurrentAllocator) Allocate() *Frame {
	frame, ok := a.pool.Poll()
	if !ok {
		frame = &Frame{
			buf:        make([]byte, a.minSize),
			allocator:  a,
			concurrent: true,
		}
	}
	frame.refs.Store(1)
	return frame
}

// AllocateWithCapacity implements Allocator.
func (a *ConcurrentAllocator) AllocateWithCapacity(minSize int) *Frame {
	frame := a.Allocate()
	frame.EnsureRemaining(minSize)
	return frame
}

// Free implements Allocator.
func (a *ConcurrentAllocator) Free(frame *Frame) {
	frame.reset()
	// Offer failure means the pool is full; the frame is dropped.
	_ = a.pool.Offer(frame)
}

// Pooled returns how many frames currently sit in the pool.
func (a *ConcurrentAllocator) Pooled() int { return a.pool.Size() }
