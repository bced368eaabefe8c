package tpcengine

// StallHandler receives a notification whenever a single task's observed
// runtime exceeds the configured stall threshold. Implementations must not
// panic and must not block; they run on the eventloop thread.
type StallHandler interface {
	OnStall(loop *Eventloop, queue *TaskQueue, task any, startNanos, execNanos int64)
}

// StallHandlerFunc adapts a function to the StallHandler interface.
type StallHandlerFunc func(loop *Eventloop, queue *TaskQueue, task any, startNanos, execNanos int64)

// OnStall implements StallHandler.
func (f StallHandlerFunc) OnStall(loop *Eventloop, queue *TaskQueue, task any, startNanos, execNanos int64) {
	f(loop, queue, task, startNanos, execNanos)
}

// loggingStallHandler is the default: log and continue.
type loggingStallHandler struct{}

func (loggingStallHandler) OnStall(loop *Eventloop, queue *TaskQueue, _ any, startNanos, execNanos int64) {
	loop.logger.Warning().
		Int("loop", loop.idx).
		Str("queue", queue.Name()).
		Int64("startNanos", startNanos).
		Int64("execNanos", execNanos).
		Log("task stalled the eventloop")
}
