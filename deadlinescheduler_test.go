package tpcengine

import (
	"math"
	"testing"
	"time"
)

func newTestDeadlineScheduler(capacity int) *deadlineScheduler {
	return newDeadlineScheduler(capacity, nil)
}

func deadlineTestQueue() *TaskQueue {
	q := newTestTaskQueue("deadline-test", 1)
	// A scheduler enqueue on unblock is irrelevant here; mark running so
	// offerLocal never reaches the eventloop.
	q.runState = runStateRunning
	return q
}

func TestDeadlineScheduler_FiresInDeadlineOrder(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()

	var order []string
	schedule := func(name string, deadline int64) {
		ok := s.offer(&deadlineTask{
			deadlineNanos: deadline,
			cmd:           func() { order = append(order, name) },
			taskQueue:     q,
		})
		if !ok {
			t.Fatalf("offer %s failed", name)
		}
	}
	// Offsets +10ms, +5ms, +20ms at t=0; expected firing order 5, 10, 20.
	schedule("+10ms", int64(10*time.Millisecond))
	schedule("+5ms", int64(5*time.Millisecond))
	schedule("+20ms", int64(20*time.Millisecond))

	s.tick(int64(30 * time.Millisecond))
	for q.pull() {
		q.task.(func())()
	}

	want := []string{"+5ms", "+10ms", "+20ms"}
	if len(order) != len(want) {
		t.Fatalf("fired %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestDeadlineScheduler_DoesNotFireEarly(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()

	fired := false
	s.offer(&deadlineTask{
		deadlineNanos: 100,
		cmd:           func() { fired = true },
		taskQueue:     q,
	})

	s.tick(99)
	if q.pull() {
		t.Fatal("task dispatched before its deadline")
	}
	s.tick(100)
	if !q.pull() {
		t.Fatal("task not dispatched at its deadline")
	}
	q.task.(func())()
	if !fired {
		t.Fatal("command did not run")
	}
}

func TestDeadlineScheduler_EarliestDeadlineNanos(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	if got := s.earliestDeadlineNanos(); got != -1 {
		t.Fatalf("empty scheduler earliest = %d, want -1", got)
	}
	q := deadlineTestQueue()
	s.offer(&deadlineTask{deadlineNanos: 500, taskQueue: q, cmd: func() {}})
	s.offer(&deadlineTask{deadlineNanos: 200, taskQueue: q, cmd: func() {}})
	if got := s.earliestDeadlineNanos(); got != 200 {
		t.Fatalf("earliest = %d, want 200", got)
	}
}

func TestDeadlineScheduler_FixedRateCatchesUpWithoutCoalescing(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()

	count := 0
	s.offer(&deadlineTask{
		deadlineNanos: 10,
		periodNanos:   10,
		cmd:           func() { count++ },
		taskQueue:     q,
	})

	// A single tick far past the deadline burst-fires the accumulated
	// periods: re-offers are popped again within the same tick until the
	// schedule has caught up with now.
	s.tick(100)
	for q.pull() {
		q.task.(func())()
	}
	if count != 10 {
		t.Fatalf("fired %d times, want 10 (deadlines 10..100)", count)
	}
	if got := s.earliestDeadlineNanos(); got != 110 {
		t.Fatalf("next deadline = %d, want 110", got)
	}
}

func TestDeadlineScheduler_FixedRateFiringCount(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()

	count := 0
	period := int64(10 * time.Millisecond)
	s.offer(&deadlineTask{
		deadlineNanos: period,
		periodNanos:   period,
		cmd:           func() { count++ },
		taskQueue:     q,
	})

	// Simulate a loop ticking every millisecond across a 1s window: the
	// task fires exactly window/period times.
	window := int64(time.Second)
	for now := int64(0); now <= window; now += int64(time.Millisecond) {
		s.tick(now)
		for q.pull() {
			q.task.(func())()
		}
	}
	if want := int(window / period); count != want {
		t.Fatalf("fired %d times in window, want %d", count, want)
	}
}

func TestDeadlineScheduler_FixedDelayComputesFromNow(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()

	s.offer(&deadlineTask{
		deadlineNanos: 10,
		delayNanos:    50,
		cmd:           func() {},
		taskQueue:     q,
	})

	s.tick(300)
	for q.pull() {
	}
	// Fixed delay: next deadline is now+delay, not deadline+delay.
	if got := s.earliestDeadlineNanos(); got != 350 {
		t.Fatalf("next deadline = %d, want 350", got)
	}
}

func TestDeadlineScheduler_CancelledTaskDiscardedOnPop(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()

	task := &deadlineTask{
		deadlineNanos: 10,
		cmd:           func() { t.Fatal("cancelled task ran") },
		taskQueue:     q,
	}
	s.offer(task)
	task.cancel()

	s.tick(100)
	if q.pull() {
		t.Fatal("cancelled task was dispatched")
	}
}

func TestDeadlineScheduler_PromiseCompletedOnFire(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	promise := NewPromise()
	s.offer(&deadlineTask{
		deadlineNanos: 10,
		promise:       promise,
		taskQueue:     deadlineTestQueue(),
	})

	s.tick(5)
	if promise.IsDone() {
		t.Fatal("promise completed before deadline")
	}
	s.tick(10)
	if !promise.IsDone() {
		t.Fatal("promise not completed at deadline")
	}
	if _, err := promise.Value(); err != nil {
		t.Fatalf("promise completed with error: %v", err)
	}
}

func TestDeadlineScheduler_DispatchToFullQueueDropsTask(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	q := deadlineTestQueue()
	q.local = newCircularQueue[any](1)
	q.local.offer(func() {})

	s.offer(&deadlineTask{
		deadlineNanos: 10,
		periodNanos:   10,
		cmd:           func() {},
		taskQueue:     q,
	})
	s.tick(100)

	// The dispatch failed; the periodic task must not have been
	// re-offered either.
	if !s.queue.isEmpty() {
		t.Fatal("dropped deadline task still in the heap")
	}
}

func TestDeadlineScheduler_CancelAllFailsPromises(t *testing.T) {
	s := newTestDeadlineScheduler(16)
	promise := NewPromise()
	s.offer(&deadlineTask{deadlineNanos: 1000, promise: promise, taskQueue: deadlineTestQueue()})

	s.cancelAll(ErrEventloopTerminated)
	if !promise.IsDone() {
		t.Fatal("promise not completed by cancelAll")
	}
	if _, err := promise.Value(); err != ErrEventloopTerminated {
		t.Fatalf("err = %v, want ErrEventloopTerminated", err)
	}
	if !s.queue.isEmpty() {
		t.Fatal("heap not drained")
	}
}

func TestAddClamped_OverflowSaturates(t *testing.T) {
	if got := addClamped(math.MaxInt64-5, 10); got != math.MaxInt64 {
		t.Fatalf("addClamped overflow = %d, want MaxInt64", got)
	}
	if got := addClamped(5, 10); got != 15 {
		t.Fatalf("addClamped = %d, want 15", got)
	}
}
