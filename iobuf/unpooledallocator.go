package iobuf

// UnpooledAllocator constructs a fresh frame per allocate and discards on
// free. Useful as a baseline and wherever pooling is not worth the
// bookkeeping.
type UnpooledAllocator struct {
	minSize int
}

// NewUnpooledAllocator creates an unpooled allocator producing frames of
// the given minimum capacity.
func NewUnpooledAllocator(minSize int) *UnpooledAllocator {
	return &UnpooledAllocator{minSize: minSize}
}

// Allocate implements Allocator.
func (a *UnpooledAllocator) Allocate() *Frame {
	f := &Frame{
		buf:       make([]byte, a.minSize),
		allocator: a,
	}
	f.refs.Store(1)
	return f
}

// AllocateWithCapacity implements Allocator.
func (a *UnpooledAllocator) AllocateWithCapacity(minSize int) *Frame {
	f := a.Allocate()
	f.EnsureRemaining(minSize)
	return f
}

// Free implements Allocator.
func (a *UnpooledAllocator) Free(frame *Frame) {
	frame.reset()
}
