package tpcengine

// referenceShares is the weight of a "nice zero" task queue: a queue with
// these shares accumulates vruntime at wall rate.
const referenceShares = 1024

// cfsTaskQueueScheduler is a weighted-fair taskQueueScheduler modelled on
// the kernel's completely-fair scheduler. Runnable queues live in a
// min-heap keyed by (vruntime, insertion order); pickNext pops the
// minimum, so the active queue is never present in the heap.
//
// When a queue runs for δ nanos its vruntime advances by
// δ·referenceShares/shares, so high-share queues age slower and get picked
// more often. A queue returning from a long block is floored at
// minVruntime − targetLatency: enough leeway for a small latency bonus,
// not enough to starve the queues that kept running.
type cfsTaskQueueScheduler struct {
	heap                []*TaskQueue
	capacity            int
	targetLatencyNanos  int64
	minGranularityNanos int64
	totalShares         int64
	running             int
	active              *TaskQueue
	seq                 uint64
	minVruntimeNanos    int64
}

func newCfsTaskQueueScheduler(runQueueCapacity int, targetLatencyNanos, minGranularityNanos int64) *cfsTaskQueueScheduler {
	return &cfsTaskQueueScheduler{
		heap:                make([]*TaskQueue, 0, runQueueCapacity),
		capacity:            runQueueCapacity,
		targetLatencyNanos:  targetLatencyNanos,
		minGranularityNanos: minGranularityNanos,
	}
}

func (s *cfsTaskQueueScheduler) timeSliceNanosActive() int64 {
	timeslice := s.targetLatencyNanos * int64(s.active.shares) / s.totalShares
	if timeslice < s.minGranularityNanos {
		return s.minGranularityNanos
	}
	return timeslice
}

func (s *cfsTaskQueueScheduler) pickNext() *TaskQueue {
	if len(s.heap) == 0 {
		return nil
	}
	q := s.pop()
	if q.vruntimeNanos > s.minVruntimeNanos {
		s.minVruntimeNanos = q.vruntimeNanos
	}
	s.active = q
	return q
}

func (s *cfsTaskQueueScheduler) updateActive(cpuTimeNanos int64) {
	q := s.active
	q.actualRuntimeNanos += cpuTimeNanos
	q.vruntimeNanos += cpuTimeNanos * referenceShares / int64(q.shares)
}

func (s *cfsTaskQueueScheduler) dequeueActive() {
	s.totalShares -= int64(s.active.shares)
	s.running--
	s.active = nil
}

func (s *cfsTaskQueueScheduler) yieldActive() {
	s.push(s.active)
	s.active = nil
}

func (s *cfsTaskQueueScheduler) enqueue(q *TaskQueue) {
	// Floor the vruntime of a returning queue so it neither starves nor
	// carries unbounded credit from its idle period.
	if floor := s.minVruntimeNanos - s.targetLatencyNanos; q.vruntimeNanos < floor {
		q.vruntimeNanos = floor
	}
	q.runState = runStateRunning
	s.totalShares += int64(q.shares)
	s.running++
	s.push(q)
}

func (s *cfsTaskQueueScheduler) nrRunning() int { return s.running }

// heap ordered by (vruntimeNanos, insertionSeq).

func (s *cfsTaskQueueScheduler) less(a, b *TaskQueue) bool {
	if a.vruntimeNanos != b.vruntimeNanos {
		return a.vruntimeNanos < b.vruntimeNanos
	}
	return a.insertionSeq < b.insertionSeq
}

func (s *cfsTaskQueueScheduler) push(q *TaskQueue) {
	s.seq++
	q.insertionSeq = s.seq
	s.heap = append(s.heap, q)
	i := len(s.heap) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !s.less(s.heap[i], s.heap[parent]) {
			break
		}
		s.heap[i], s.heap[parent] = s.heap[parent], s.heap[i]
		i = parent
	}
}

func (s *cfsTaskQueueScheduler) pop() *TaskQueue {
	n := len(s.heap)
	root := s.heap[0]
	s.heap[0] = s.heap[n-1]
	s.heap[n-1] = nil
	s.heap = s.heap[:n-1]
	n--
	i := 0
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && s.less(s.heap[right], s.heap[left]) {
			smallest = right
		}
		if !s.less(s.heap[smallest], s.heap[i]) {
			break
		}
		s.heap[i], s.heap[smallest] = s.heap[smallest], s.heap[i]
		i = smallest
	}
	return root
}
