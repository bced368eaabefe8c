package tpcengine

import "math"

// deadlineTask is a task tagged with a monotonic firing time, optionally
// periodic. At most one live instance exists per scheduled command;
// periodic re-scheduling reuses the same task.
type deadlineTask struct {
	deadlineNanos int64
	// periodNanos > 0 makes the task fixed-rate: the next deadline is the
	// previous deadline plus the period.
	periodNanos int64
	// delayNanos > 0 makes the task fixed-delay: the next deadline is the
	// firing time plus the delay.
	delayNanos int64

	// Exactly one of cmd and promise is set.
	cmd     func()
	promise *Promise

	taskQueue *TaskQueue
	cancelled bool
}

// cancel marks the task; the scheduler discards it on pop.
func (t *deadlineTask) cancel() { t.cancelled = true }

// deadlineScheduler is an earliest-deadline-first store of one-shot,
// fixed-delay, and fixed-rate tasks. Owned by the eventloop thread.
type deadlineScheduler struct {
	queue  *boundPriorityQueue
	logger *Logger
}

func newDeadlineScheduler(capacity int, logger *Logger) *deadlineScheduler {
	return &deadlineScheduler{
		queue:  newBoundPriorityQueue(capacity),
		logger: logger,
	}
}

// offer inserts a task, returning false when the heap is at capacity.
func (s *deadlineScheduler) offer(task *deadlineTask) bool {
	return s.queue.offer(task)
}

// earliestDeadlineNanos returns the deadline of the heap root, or -1 when
// the heap is empty.
func (s *deadlineScheduler) earliestDeadlineNanos() int64 {
	if root := s.queue.peek(); root != nil {
		return root.deadlineNanos
	}
	return -1
}

// tick pops every task whose deadline has passed, dispatches it into its
// task queue (or completes its promise), and re-offers periodic tasks.
// Stops at the first task with a deadline in the future.
func (s *deadlineScheduler) tick(nowNanos int64) {
	for {
		root := s.queue.peek()
		if root == nil || root.deadlineNanos > nowNanos {
			return
		}
		task := s.queue.poll()

		if task.cancelled {
			continue
		}

		if task.promise != nil {
			task.promise.Complete(nil, nil)
			continue
		}

		// A dispatch that fails because the target queue is full is
		// dropped; the producer side already got its backpressure signal
		// when the queue filled up.
		if !task.taskQueue.offerLocal(task.cmd) {
			s.logger.Warning().
				Str("queue", task.taskQueue.name).
				Log("deadline task dropped, task queue full")
			continue
		}

		switch {
		case task.periodNanos > 0:
			task.deadlineNanos = addClamped(task.deadlineNanos, task.periodNanos)
		case task.delayNanos > 0:
			task.deadlineNanos = addClamped(nowNanos, task.delayNanos)
		default:
			continue
		}
		// No catch-up coalescing: a fixed-rate task that fell behind is
		// re-offered once with its accumulated lag.
		if !s.queue.offer(task) {
			s.logger.Warning().
				Str("queue", task.taskQueue.name).
				Log("periodic deadline task dropped, deadline run queue full")
		}
	}
}

// cancelAll discards all pending tasks, completing pending promises with
// err. Called on loop destruction.
func (s *deadlineScheduler) cancelAll(err error) {
	for {
		task := s.queue.poll()
		if task == nil {
			return
		}
		if task.promise != nil && !task.cancelled {
			task.promise.Complete(nil, err)
		}
	}
}

// addClamped adds two non-negative nanosecond values, clamping at the
// maximum signed 64-bit value on overflow.
func addClamped(a, b int64) int64 {
	sum := a + b
	if sum < 0 {
		return math.MaxInt64
	}
	return sum
}
