package tpcengine

import (
	"testing"
	"time"
)

// simulateCfs runs the scheduler loop with synthetic runtimes: every pick
// runs for exactly its granted slice. Returns after the accumulated
// window elapses.
func simulateCfs(s *cfsTaskQueueScheduler, windowNanos int64) {
	var elapsed int64
	for elapsed < windowNanos {
		q := s.pickNext()
		if q == nil {
			return
		}
		slice := s.timeSliceNanosActive()
		s.updateActive(slice)
		s.yieldActive()
		elapsed += slice
	}
}

func TestCfsScheduler_WeightedFairness(t *testing.T) {
	// Two always-runnable queues A (shares=1) and B (shares=3): over a
	// window much longer than a slice, B's CPU approaches 3x A's.
	s := newCfsTaskQueueScheduler(8, int64(time.Millisecond), int64(50*time.Microsecond))
	a := newTestTaskQueue("a", 1)
	b := newTestTaskQueue("b", 3)
	s.enqueue(a)
	s.enqueue(b)

	simulateCfs(s, int64(2*time.Second))

	ratio := float64(b.actualRuntimeNanos) / float64(a.actualRuntimeNanos)
	if ratio < 2.85 || ratio > 3.15 {
		t.Fatalf("cpu(B)/cpu(A) = %.3f, want within [2.85, 3.15]", ratio)
	}
}

func TestCfsScheduler_EqualSharesConverge(t *testing.T) {
	s := newCfsTaskQueueScheduler(8, int64(time.Millisecond), int64(50*time.Microsecond))
	a := newTestTaskQueue("a", 1)
	b := newTestTaskQueue("b", 1)
	s.enqueue(a)
	s.enqueue(b)

	simulateCfs(s, int64(time.Second))

	ratio := float64(b.actualRuntimeNanos) / float64(a.actualRuntimeNanos)
	if ratio < 0.95 || ratio > 1.05 {
		t.Fatalf("cpu(B)/cpu(A) = %.3f, want ~1", ratio)
	}
}

func TestCfsScheduler_TimeSliceProportionalToShares(t *testing.T) {
	targetLatency := int64(time.Millisecond)
	s := newCfsTaskQueueScheduler(8, targetLatency, int64(time.Microsecond))
	a := newTestTaskQueue("a", 1)
	b := newTestTaskQueue("b", 3)
	s.enqueue(a)
	s.enqueue(b)

	// a enqueued first, both at vruntime zero, so a is picked first.
	if got := s.pickNext(); got != a {
		t.Fatalf("picked %s, want a", got.name)
	}
	if got, want := s.timeSliceNanosActive(), targetLatency*1/4; got != want {
		t.Fatalf("a slice = %d, want %d", got, want)
	}
	s.updateActive(1000)
	s.yieldActive()

	if got := s.pickNext(); got != b {
		t.Fatalf("picked %s, want b", got.name)
	}
	if got, want := s.timeSliceNanosActive(), targetLatency*3/4; got != want {
		t.Fatalf("b slice = %d, want %d", got, want)
	}
	s.yieldActive()
}

func TestCfsScheduler_TimeSliceFloorsAtMinGranularity(t *testing.T) {
	minGranularity := int64(100 * time.Microsecond)
	s := newCfsTaskQueueScheduler(64, int64(time.Millisecond), minGranularity)
	low := newTestTaskQueue("low", 1)
	s.enqueue(low)
	for i := 0; i < 63; i++ {
		s.enqueue(newTestTaskQueue("peer", 1000))
	}
	// Force the low-share queue active regardless of pick order.
	for s.pickNext() != low {
		s.yieldActive()
	}
	if got := s.timeSliceNanosActive(); got != minGranularity {
		t.Fatalf("slice = %d, want min granularity %d", got, minGranularity)
	}
	s.yieldActive()
}

func TestCfsScheduler_ActiveNeverInHeap(t *testing.T) {
	s := newCfsTaskQueueScheduler(8, int64(time.Millisecond), int64(time.Microsecond))
	a := newTestTaskQueue("a", 1)
	b := newTestTaskQueue("b", 1)
	s.enqueue(a)
	s.enqueue(b)

	active := s.pickNext()
	for _, q := range s.heap {
		if q == active {
			t.Fatal("active queue still present in the ordered set")
		}
	}
	s.yieldActive()
}

func TestCfsScheduler_ReturningQueueVruntimeFloored(t *testing.T) {
	targetLatency := int64(time.Millisecond)
	s := newCfsTaskQueueScheduler(8, targetLatency, int64(time.Microsecond))
	busy := newTestTaskQueue("busy", 1)
	s.enqueue(busy)

	// Let the busy queue accumulate a large vruntime.
	for i := 0; i < 1000; i++ {
		s.pickNext()
		s.updateActive(int64(time.Millisecond))
		s.yieldActive()
	}

	idle := newTestTaskQueue("idle", 1)
	s.enqueue(idle)
	floor := s.minVruntimeNanos - targetLatency
	if idle.vruntimeNanos < floor {
		t.Fatalf("idle vruntime %d below floor %d", idle.vruntimeNanos, floor)
	}
	// The returning queue gets at most one target latency of credit, so
	// the busy queue is not starved for longer than that.
	if diff := s.minVruntimeNanos - idle.vruntimeNanos; diff > targetLatency {
		t.Fatalf("idle queue credit %d exceeds target latency %d", diff, targetLatency)
	}
}

func TestCfsScheduler_DequeueRemovesShares(t *testing.T) {
	s := newCfsTaskQueueScheduler(8, int64(time.Millisecond), int64(time.Microsecond))
	a := newTestTaskQueue("a", 1)
	b := newTestTaskQueue("b", 3)
	s.enqueue(a)
	s.enqueue(b)
	if s.totalShares != 4 {
		t.Fatalf("totalShares = %d, want 4", s.totalShares)
	}

	s.pickNext()
	s.dequeueActive()
	if s.nrRunning() != 1 {
		t.Fatalf("nrRunning = %d, want 1", s.nrRunning())
	}
	s.pickNext()
	s.dequeueActive()
	if s.totalShares != 0 {
		t.Fatalf("totalShares = %d, want 0", s.totalShares)
	}
	if s.pickNext() != nil {
		t.Fatal("pickNext on empty scheduler should return nil")
	}
}
