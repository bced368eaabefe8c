package tpcengine

// fcfsTaskQueueScheduler is a first-come-first-serve taskQueueScheduler.
// Queues are appended to a circular run queue; pickNext peeks the head and
// yieldActive rotates it to the tail. The time slice is the target latency
// divided by the number of runnable queues, floored at the minimum
// granularity.
type fcfsTaskQueueScheduler struct {
	runQueue            *circularQueue[*TaskQueue]
	capacity            int
	targetLatencyNanos  int64
	minGranularityNanos int64
	running             int
	active              *TaskQueue
}

func newFcfsTaskQueueScheduler(runQueueCapacity int, targetLatencyNanos, minGranularityNanos int64) *fcfsTaskQueueScheduler {
	return &fcfsTaskQueueScheduler{
		runQueue:            newCircularQueue[*TaskQueue](runQueueCapacity),
		capacity:            runQueueCapacity,
		targetLatencyNanos:  targetLatencyNanos,
		minGranularityNanos: minGranularityNanos,
	}
}

func (s *fcfsTaskQueueScheduler) timeSliceNanosActive() int64 {
	timeslice := s.targetLatencyNanos / int64(s.running)
	if timeslice < s.minGranularityNanos {
		return s.minGranularityNanos
	}
	return timeslice
}

func (s *fcfsTaskQueueScheduler) pickNext() *TaskQueue {
	q, _ := s.runQueue.peek()
	s.active = q
	return q
}

func (s *fcfsTaskQueueScheduler) updateActive(cpuTimeNanos int64) {
	s.active.actualRuntimeNanos += cpuTimeNanos
}

func (s *fcfsTaskQueueScheduler) dequeueActive() {
	s.runQueue.poll()
	s.running--
	s.active = nil
}

func (s *fcfsTaskQueueScheduler) yieldActive() {
	// With a single runnable queue there is no need to rotate.
	if s.running > 1 {
		s.runQueue.poll()
		s.runQueue.offer(s.active)
	}
	s.active = nil
}

func (s *fcfsTaskQueueScheduler) enqueue(q *TaskQueue) {
	s.running++
	q.runState = runStateRunning
	s.runQueue.offer(q)
}

func (s *fcfsTaskQueueScheduler) nrRunning() int { return s.running }
