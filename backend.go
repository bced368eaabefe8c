package tpcengine

// IOEvents is the set of I/O readiness events to monitor or dispatch.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback is invoked by the backend when a registered file descriptor
// becomes ready. Callbacks run on the eventloop thread, directly from the
// dispatch.
type IOCallback func(events IOEvents)

// parkForever makes Poll block until Wake.
const parkForever = int64(-1)

// ioBackend abstracts the transport driving an eventloop: a readiness
// selector, an edge-triggered notifier, or a submission/completion ring.
//
// Poll and the registration calls are eventloop-thread only; Wake is safe
// from any thread.
type ioBackend interface {
	// Poll drains ready events, dispatching per-event callbacks, and
	// returns the event count. timeoutNanos: 0 polls without blocking,
	// > 0 blocks up to the timeout, parkForever blocks until Wake.
	Poll(timeoutNanos int64) (int, error)

	// Wake makes a blocked Poll return as soon as possible. Idempotent.
	Wake() error

	// Register adds fd with the given interest set.
	Register(fd int, events IOEvents, cb IOCallback) error

	// Modify replaces fd's interest set.
	Modify(fd int, events IOEvents) error

	// Unregister removes fd.
	Unregister(fd int) error

	// Close releases the backend's resources.
	Close() error
}

// fdHandler stores the per-FD attachment invoked from the dispatch.
type fdHandler struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// timeoutToMillis converts a park timeout in nanos to the milliseconds
// expected by poll/epoll, rounding sub-millisecond timeouts up so a short
// wait never turns into a busy spin.
func timeoutToMillis(timeoutNanos int64) int {
	if timeoutNanos == parkForever {
		return -1
	}
	if timeoutNanos == 0 {
		return 0
	}
	ms := timeoutNanos / 1e6
	if ms == 0 {
		return 1
	}
	const maxWaitMillis = 10_000
	if ms > maxWaitMillis {
		return maxWaitMillis
	}
	return int(ms)
}
