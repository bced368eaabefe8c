package tpcengine

import "time"

// nanoClock is a monotonic nanosecond time source.
//
// time.Since on a fixed anchor reads the runtime's monotonic clock, so the
// returned values are immune to wall-clock adjustment. All deadlines inside
// an eventloop are expressed on its own clock.
//
// NanoTime costs roughly a vDSO clock_gettime call. The eventloop caches a
// sample per tick and re-samples every clockSampleInterval tasks so the
// clock does not dominate small-task workloads.
type nanoClock struct {
	anchor time.Time
}

func newNanoClock() *nanoClock {
	return &nanoClock{anchor: time.Now()}
}

// NanoTime returns nanoseconds elapsed since the clock was created.
func (c *nanoClock) NanoTime() int64 {
	return int64(time.Since(c.anchor))
}
