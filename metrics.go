package tpcengine

import "sync/atomic"

// Metrics tracks per-eventloop counters. Written only by the loop thread;
// readable from any goroutine.
type Metrics struct {
	tasksProcessed  atomic.Int64
	taskCPUNanos    atomic.Int64
	contextSwitches atomic.Int64
	parks           atomic.Int64
	stalls          atomic.Int64
	ioTicks         atomic.Int64
}

// TasksProcessed returns the number of tasks run by the loop.
func (m *Metrics) TasksProcessed() int64 { return m.tasksProcessed.Load() }

// TaskCPUNanos returns the accumulated CPU time spent running tasks.
func (m *Metrics) TaskCPUNanos() int64 { return m.taskCPUNanos.Load() }

// ContextSwitches returns the number of task-queue scheduling passes.
func (m *Metrics) ContextSwitches() int64 { return m.contextSwitches.Load() }

// Parks returns the number of times the loop blocked in the I/O backend.
func (m *Metrics) Parks() int64 { return m.parks.Load() }

// Stalls returns the number of stall notifications raised.
func (m *Metrics) Stalls() int64 { return m.stalls.Load() }

// IOTicks returns the number of non-blocking backend ticks.
func (m *Metrics) IOTicks() int64 { return m.ioTicks.Load() }

func (m *Metrics) incTasksProcessed(n int64)  { m.tasksProcessed.Add(n) }
func (m *Metrics) incTaskCPUNanos(n int64)    { m.taskCPUNanos.Add(n) }
func (m *Metrics) incContextSwitches()        { m.contextSwitches.Add(1) }
func (m *Metrics) incParks()                  { m.parks.Add(1) }
func (m *Metrics) incStalls()                 { m.stalls.Add(1) }
func (m *Metrics) incIOTicks()                { m.ioTicks.Add(1) }
