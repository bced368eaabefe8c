package tpcengine

import "errors"

// Standard errors.
var (
	// ErrInvalidState is returned when an operation is attempted in a
	// lifecycle state that does not permit it, e.g. starting an engine
	// twice or building a task queue from the wrong thread.
	ErrInvalidState = errors.New("tpcengine: invalid state")

	// ErrEventloopTerminated is returned when operations are attempted on
	// an eventloop that has been terminated.
	ErrEventloopTerminated = errors.New("tpcengine: eventloop has been terminated")

	// ErrBackendClosed is returned when the I/O backend is used after Close.
	ErrBackendClosed = errors.New("tpcengine: backend closed")

	// ErrFDNotRegistered is returned when modifying or unregistering a file
	// descriptor that was never registered.
	ErrFDNotRegistered = errors.New("tpcengine: fd not registered")

	// ErrFDAlreadyRegistered is returned when registering a file descriptor
	// that is already registered.
	ErrFDAlreadyRegistered = errors.New("tpcengine: fd already registered")

	// ErrBackendUnavailable is returned when the configured eventloop type
	// is not supported on this platform.
	ErrBackendUnavailable = errors.New("tpcengine: backend unavailable on this platform")

	// ErrRejected completes a promise whose deadline task was refused by a
	// bounded queue.
	ErrRejected = errors.New("tpcengine: task rejected")
)
