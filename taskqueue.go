package tpcengine

import (
	"fmt"

	"github.com/joeycumines/go-tpcengine/internal/mpmc"
)

// Run states of a TaskQueue.
const (
	runStateBlocked = iota
	runStateRunning
)

// TaskQueue is the unit of scheduling on an eventloop: a named FIFO of
// tasks with a fairness weight. Tasks produced on the eventloop thread go
// through the local queue; when the queue is created with a concurrent
// queue, any thread may produce into it.
//
// All fields except global are owned by the eventloop thread.
type TaskQueue struct {
	name   string
	shares int

	runState int
	local    *circularQueue[any]
	global   *mpmc.Queue[any]

	// Accounting, maintained by the task-queue scheduler and the loop.
	vruntimeNanos      int64
	actualRuntimeNanos int64
	blockedCount       int64
	insertionSeq       uint64

	clockSampleInterval int

	// Intrusive links for the loop's blocked-with-concurrent-producers
	// list.
	prev, next *TaskQueue

	// The task pulled by pull, consumed by run.
	task any

	// processor handles tasks that are not plain func()s, e.g. frames
	// routed in by a request layer.
	processor func(any)

	eventloop *Eventloop
}

// TaskQueueConfig describes a task queue to be created on an eventloop.
type TaskQueueConfig struct {
	// Name identifies the queue in logs and metrics.
	Name string
	// Shares is the positive fairness weight used by the CFS scheduler.
	Shares int
	// Concurrent adds a multi-producer queue so any thread can offer.
	Concurrent bool
	// LocalCapacity bounds the local FIFO; 0 uses the engine default.
	LocalCapacity int
	// ConcurrentCapacity bounds the concurrent queue; 0 uses the engine
	// default.
	ConcurrentCapacity int
	// ClockSampleInterval is how many tasks to run between clock samples
	// inside this queue's slice; 0 uses the engine default.
	ClockSampleInterval int
	// Processor handles tasks that are not func()s. Optional.
	Processor func(task any)
}

func (c *TaskQueueConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("tpcengine: task queue name must not be empty")
	}
	if c.Shares <= 0 {
		return fmt.Errorf("tpcengine: task queue %q shares must be positive, got %d", c.Name, c.Shares)
	}
	return nil
}

// TaskQueueHandle is the stable reference to a TaskQueue, safe to share
// across threads. The queue itself is owned by its eventloop.
type TaskQueueHandle struct {
	queue *TaskQueue
}

// Name returns the queue's name.
func (q *TaskQueue) Name() string { return q.name }

// Shares returns the queue's fairness weight.
func (q *TaskQueue) Shares() int { return q.shares }

// ActualRuntimeNanos returns the CPU time consumed by this queue's tasks.
// Loop-thread only.
func (q *TaskQueue) ActualRuntimeNanos() int64 { return q.actualRuntimeNanos }

// BlockedCount returns how often the queue transitioned to blocked.
// Loop-thread only.
func (q *TaskQueue) BlockedCount() int64 { return q.blockedCount }

// offerLocal enqueues a task produced on the eventloop thread. If the
// queue was blocked it becomes runnable.
func (q *TaskQueue) offerLocal(task any) bool {
	if !q.local.offer(task) {
		return false
	}
	if q.runState == runStateBlocked {
		q.eventloop.makeRunnable(q)
	}
	return true
}

// offerGlobal enqueues a task from any thread. The caller must wake the
// eventloop afterwards.
func (q *TaskQueue) offerGlobal(task any) bool {
	return q.global.Offer(task)
}

// pull takes the next task, preferring local over global. Returns false
// when both are empty.
func (q *TaskQueue) pull() bool {
	if task, ok := q.local.poll(); ok {
		q.task = task
		return true
	}
	if q.global != nil {
		if task, ok := q.global.Poll(); ok {
			q.task = task
			return true
		}
	}
	return false
}

// run executes the pulled task.
func (q *TaskQueue) run() {
	task := q.task
	q.task = nil
	switch t := task.(type) {
	case nil:
	case func():
		t()
	default:
		if q.processor != nil {
			q.processor(task)
		} else {
			q.eventloop.logger.Err().
				Str("queue", q.name).
				Str("type", fmt.Sprintf("%T", task)).
				Log("dropping task of unhandled type")
		}
	}
}

// isEmpty reports whether both the local and the global queue are empty.
func (q *TaskQueue) isEmpty() bool {
	if !q.local.isEmpty() {
		return false
	}
	if q.global != nil && !q.global.IsEmpty() {
		return false
	}
	return true
}
