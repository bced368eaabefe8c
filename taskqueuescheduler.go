package tpcengine

// taskQueueScheduler picks the next TaskQueue to run and accounts its CPU
// time. There is at most one active queue between pickNext and
// dequeueActive/yieldActive. Owned by the eventloop thread.
//
// Two implementations exist: fcfsTaskQueueScheduler (trivially correct
// baseline and benchmark comparator) and cfsTaskQueueScheduler (weighted
// fair). The variant is fixed at engine construction.
type taskQueueScheduler interface {
	// timeSliceNanosActive returns the time budget for the active queue.
	timeSliceNanosActive() int64

	// pickNext selects the next queue to run, making it active. Returns
	// nil when nothing is runnable.
	pickNext() *TaskQueue

	// updateActive accounts cpuTimeNanos against the active queue.
	updateActive(cpuTimeNanos int64)

	// dequeueActive removes the active queue from the runnable set.
	dequeueActive()

	// yieldActive keeps the active queue runnable and returns it to the
	// runnable set: FCFS moves it behind its peers, CFS reinserts it by its
	// updated vruntime.
	yieldActive()

	// enqueue makes a blocked queue runnable.
	enqueue(q *TaskQueue)

	// nrRunning returns the number of runnable queues, including the
	// active one.
	nrRunning() int
}
