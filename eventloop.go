package tpcengine

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-tpcengine/internal/mpmc"
)

// defaultTaskQueueName is the name of the task queue every eventloop
// creates at construction; Offer without a handle targets it.
const defaultTaskQueueName = "main"

// Eventloop is a single-threaded run cycle owning one CPU: it schedules
// application tasks grouped into fairness-controlled task queues, drives
// an I/O backend, and services deadline tasks.
//
// An Eventloop is created in StateNew, started with Start (which spawns
// the loop goroutine, locked to an OS thread), and stopped with Shutdown.
// All internal state is owned by the loop thread; the only cross-thread
// surfaces are each task queue's concurrent queue, the wakeup flag, and
// the lifecycle state.
type Eventloop struct {
	idx    int
	engine *Engine

	state        stateMachine
	wakeupNeeded atomic.Bool
	goroutineID  atomic.Uint64
	terminated   chan struct{}

	clock             *nanoClock
	scheduler         taskQueueScheduler
	deadlineScheduler *deadlineScheduler
	backend           ioBackend

	spin                bool
	targetLatencyNanos  int64
	minGranularityNanos int64
	stallThresholdNanos int64
	ioIntervalNanos     int64

	localTaskQueueCapacity      int
	concurrentTaskQueueCapacity int
	clockSampleInterval         int
	runQueueCapacity            int

	affinity []int

	// Loop-thread state.
	stop              bool
	taskStartNanos    int64
	taskDeadlineNanos int64
	taskQueues        []*TaskQueue
	sharedFirst       *TaskQueue
	sharedLast        *TaskQueue

	defaultHandle TaskQueueHandle

	metrics      Metrics
	logger       *Logger
	stallHandler StallHandler
}

// NewEventloop creates a standalone eventloop from the configuration.
// Engines create their loops internally; direct construction is mainly
// useful for single-loop deployments and tests.
func NewEventloop(idx int, cfg *Configuration) (*Eventloop, error) {
	return newEventloop(idx, cfg, nil)
}

func newEventloop(idx int, cfg *Configuration, engine *Engine) (*Eventloop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg.EventloopType)
	if err != nil {
		return nil, err
	}

	el := &Eventloop{
		idx:                         idx,
		engine:                      engine,
		terminated:                  make(chan struct{}),
		clock:                       newNanoClock(),
		backend:                     backend,
		spin:                        cfg.Spin,
		targetLatencyNanos:          cfg.TargetLatencyNanos,
		minGranularityNanos:         cfg.MinGranularityNanos,
		stallThresholdNanos:         cfg.StallThresholdNanos,
		ioIntervalNanos:             cfg.IOIntervalNanos,
		localTaskQueueCapacity:      cfg.LocalTaskQueueCapacity,
		concurrentTaskQueueCapacity: cfg.ConcurrentTaskQueueCapacity,
		clockSampleInterval:         cfg.ClockSampleInterval,
		runQueueCapacity:            cfg.RunQueueCapacity,
		logger:                      cfg.Logger,
		stallHandler:                cfg.StallHandler,
	}
	if len(cfg.ThreadAffinity) > idx {
		el.affinity = cfg.ThreadAffinity[idx]
	}
	if el.stallHandler == nil {
		el.stallHandler = loggingStallHandler{}
	}

	if cfg.CFS {
		el.scheduler = newCfsTaskQueueScheduler(cfg.RunQueueCapacity, cfg.TargetLatencyNanos, cfg.MinGranularityNanos)
	} else {
		el.scheduler = newFcfsTaskQueueScheduler(cfg.RunQueueCapacity, cfg.TargetLatencyNanos, cfg.MinGranularityNanos)
	}
	el.deadlineScheduler = newDeadlineScheduler(cfg.DeadlineRunQueueCapacity, el.logger)

	el.defaultHandle, err = el.NewTaskQueue(TaskQueueConfig{
		Name:       defaultTaskQueueName,
		Shares:     1,
		Concurrent: true,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return el, nil
}

// Idx returns the loop's index within its engine.
func (el *Eventloop) Idx() int { return el.idx }

// State returns the loop's lifecycle state. Thread-safe.
func (el *Eventloop) State() State { return el.state.load() }

// Metrics returns the loop's counters. Thread-safe.
func (el *Eventloop) Metrics() *Metrics { return &el.metrics }

// DefaultTaskQueue returns the handle of the loop's default task queue.
func (el *Eventloop) DefaultTaskQueue() TaskQueueHandle { return el.defaultHandle }

// NewTaskQueue creates a task queue on this loop. Callable before Start
// from any thread, and from the loop thread afterwards.
func (el *Eventloop) NewTaskQueue(cfg TaskQueueConfig) (TaskQueueHandle, error) {
	if err := cfg.validate(); err != nil {
		return TaskQueueHandle{}, err
	}
	if state := el.state.load(); state != StateNew && !el.onEventloopThread() {
		return TaskQueueHandle{}, fmt.Errorf("%w: task queues must be created before start or from the eventloop thread", ErrInvalidState)
	}
	if len(el.taskQueues) >= el.runQueueCapacity {
		return TaskQueueHandle{}, fmt.Errorf("tpcengine: run queue capacity %d exhausted", el.runQueueCapacity)
	}

	localCapacity := cfg.LocalCapacity
	if localCapacity <= 0 {
		localCapacity = el.localTaskQueueCapacity
	}
	sampleInterval := cfg.ClockSampleInterval
	if sampleInterval <= 0 {
		sampleInterval = el.clockSampleInterval
	}

	q := &TaskQueue{
		name:                cfg.Name,
		shares:              cfg.Shares,
		runState:            runStateBlocked,
		local:               newCircularQueue[any](localCapacity),
		clockSampleInterval: sampleInterval,
		processor:           cfg.Processor,
		eventloop:           el,
	}
	if cfg.Concurrent {
		concurrentCapacity := cfg.ConcurrentCapacity
		if concurrentCapacity <= 0 {
			concurrentCapacity = el.concurrentTaskQueueCapacity
		}
		q.global = mpmc.New[any](concurrentCapacity)
		// A blocked queue with concurrent producers must be visible to
		// the reaping pass from the moment it exists.
		el.addBlockedGlobal(q)
	}
	el.taskQueues = append(el.taskQueues, q)
	return TaskQueueHandle{queue: q}, nil
}

// Start spawns the eventloop goroutine.
func (el *Eventloop) Start() error {
	if !el.state.tryTransition(StateNew, StateRunning) {
		return fmt.Errorf("%w: cannot start eventloop in state %v", ErrInvalidState, el.state.load())
	}
	go el.run()
	return nil
}

// Shutdown requests termination. Safe from any thread, in any state.
func (el *Eventloop) Shutdown() {
	for {
		switch state := el.state.load(); state {
		case StateNew:
			if el.state.tryTransition(StateNew, StateTerminated) {
				_ = el.backend.Close()
				close(el.terminated)
				if el.engine != nil {
					el.engine.notifyEventloopTerminated()
				}
				return
			}
		case StateRunning:
			if el.state.tryTransition(StateRunning, StateShutdown) {
				el.wakeup()
				return
			}
		default:
			return
		}
	}
}

// AwaitTermination blocks until the loop terminates or the timeout
// elapses. Returns true if the loop terminated.
func (el *Eventloop) AwaitTermination(timeout time.Duration) bool {
	select {
	case <-el.terminated:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Offer submits a task to the loop's default task queue. Returns false
// when the queue is full or the loop no longer accepts work.
func (el *Eventloop) Offer(task any) bool {
	return el.OfferTo(task, el.defaultHandle)
}

// OfferTo submits a task to a specific task queue. Callable from any
// thread; tasks from the loop thread take the local queue, others the
// concurrent queue (which must exist).
func (el *Eventloop) OfferTo(task any, handle TaskQueueHandle) bool {
	switch el.state.load() {
	case StateNew, StateRunning:
	default:
		return false
	}
	q := handle.queue
	if el.onEventloopThread() {
		return q.offerLocal(task)
	}
	if q.global == nil {
		return false
	}
	if !q.offerGlobal(task) {
		return false
	}
	el.wakeup()
	return true
}

// Schedule runs cmd once after delay, on the default task queue. Returns
// false if the task was rejected.
func (el *Eventloop) Schedule(cmd func(), delay time.Duration) bool {
	return el.ScheduleTo(cmd, delay, el.defaultHandle)
}

// ScheduleTo runs cmd once after delay, on the given task queue.
func (el *Eventloop) ScheduleTo(cmd func(), delay time.Duration, handle TaskQueueHandle) bool {
	task := &deadlineTask{
		deadlineNanos: el.toDeadlineNanos(delay),
		cmd:           cmd,
		taskQueue:     handle.queue,
	}
	return el.offerDeadlineTask(task)
}

// ScheduleWithFixedDelay runs cmd periodically with a fixed delay: each
// next deadline is the time the previous firing was dispatched into its
// task queue plus delay (not the time the command finished running).
func (el *Eventloop) ScheduleWithFixedDelay(cmd func(), initialDelay, delay time.Duration, handle TaskQueueHandle) bool {
	task := &deadlineTask{
		deadlineNanos: el.toDeadlineNanos(initialDelay),
		delayNanos:    int64(delay),
		cmd:           cmd,
		taskQueue:     handle.queue,
	}
	return el.offerDeadlineTask(task)
}

// ScheduleAtFixedRate runs cmd periodically at a fixed rate. A firing
// that falls behind is not coalesced; the schedule catches up one period
// at a time.
func (el *Eventloop) ScheduleAtFixedRate(cmd func(), initialDelay, period time.Duration, handle TaskQueueHandle) bool {
	task := &deadlineTask{
		deadlineNanos: el.toDeadlineNanos(initialDelay),
		periodNanos:   int64(period),
		cmd:           cmd,
		taskQueue:     handle.queue,
	}
	return el.offerDeadlineTask(task)
}

// Sleep returns a promise completed once delay has elapsed on the loop.
func (el *Eventloop) Sleep(delay time.Duration) *Promise {
	promise := NewPromise()
	task := &deadlineTask{
		deadlineNanos: el.toDeadlineNanos(delay),
		promise:       promise,
		taskQueue:     el.defaultHandle.queue,
	}
	if !el.offerDeadlineTask(task) {
		promise.Complete(nil, ErrRejected)
	}
	return promise
}

// ShouldYield reports whether the running task has exceeded its
// cooperative horizon and should return so the loop can reschedule it.
// Loop-thread only; pretty expensive (one clock read), so long-running
// tasks should poll it at a coarse stride.
func (el *Eventloop) ShouldYield() bool {
	return el.clock.NanoTime() > el.taskDeadlineNanos
}

func (el *Eventloop) toDeadlineNanos(delay time.Duration) int64 {
	return addClamped(el.clock.NanoTime(), int64(delay))
}

// offerDeadlineTask inserts into the deadline heap. The heap is owned by
// the loop thread, so off-thread schedules route the insertion through
// the default concurrent queue; the deadline itself was already fixed by
// the caller.
func (el *Eventloop) offerDeadlineTask(task *deadlineTask) bool {
	switch el.state.load() {
	case StateNew, StateRunning:
	default:
		return false
	}
	if el.state.load() == StateNew || el.onEventloopThread() {
		return el.deadlineScheduler.offer(task)
	}
	return el.OfferTo(func() {
		if !el.deadlineScheduler.offer(task) {
			el.logger.Warning().
				Int("loop", el.idx).
				Log("deadline task rejected, deadline run queue full")
			if task.promise != nil {
				task.promise.Complete(nil, ErrRejected)
			}
		}
	}, el.defaultHandle)
}

// makeRunnable moves a blocked queue into the scheduler's runnable set,
// unlinking it from the blocked-concurrent list if present.
func (el *Eventloop) makeRunnable(q *TaskQueue) {
	if q.global != nil && (q.prev != nil || q.next != nil || el.sharedFirst == q) {
		el.removeBlockedGlobal(q)
	}
	el.scheduler.enqueue(q)
}

// wakeup signals the loop if it is (about to be) parked. Producers flip
// wakeupNeeded false before touching the backend so that concurrent
// offers cause at most one wake syscall.
func (el *Eventloop) wakeup() {
	if el.wakeupNeeded.Load() && el.wakeupNeeded.CompareAndSwap(true, false) {
		_ = el.backend.Wake()
	}
}

// run is the eventloop goroutine.
func (el *Eventloop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	el.goroutineID.Store(goroutineID())
	defer el.goroutineID.Store(0)

	el.configureAffinity()
	el.logger.Info().Int("loop", el.idx).Log("eventloop started")

	err := el.eventLoop()

	el.destroy()
	el.state.store(StateTerminated)
	close(el.terminated)
	if el.engine != nil {
		el.engine.notifyEventloopTerminated()
	}

	if err != nil {
		el.logger.Err().Int("loop", el.idx).Err(err).Log("eventloop terminated abnormally")
	} else {
		el.logger.Info().Int("loop", el.idx).Log("eventloop terminated")
	}
}

func (el *Eventloop) configureAffinity() {
	if len(el.affinity) == 0 {
		return
	}
	applied, err := applyAffinity(el.affinity)
	if err != nil {
		el.logger.Warning().Int("loop", el.idx).Err(err).Log("thread affinity could not be applied")
		return
	}
	if !equalInts(applied, el.affinity) {
		el.logger.Warning().
			Int("loop", el.idx).
			Str("requested", fmt.Sprint(el.affinity)).
			Str("actual", fmt.Sprint(applied)).
			Log("thread affinity differs from requested set")
	}
}

// eventLoop repeats the run cycle until stop: deadline tick, reap
// concurrent producers, pick a queue, run its slice, account.
func (el *Eventloop) eventLoop() error {
	nowNanos := el.clock.NanoTime()
	ioDeadlineNanos := nowNanos + el.ioIntervalNanos

	for !el.stop {
		// A requested shutdown takes effect once every task queue has
		// drained; work already accepted still runs.
		if el.state.load() == StateShutdown && el.allTaskQueuesDrained() {
			el.stop = true
			break
		}

		el.deadlineScheduler.tick(nowNanos)

		el.scheduleBlockedGlobal()

		taskQueue := el.scheduler.pickNext()
		if taskQueue == nil {
			// No CPU work. Park until I/O, a wakeup, or the earliest
			// deadline.
			timeoutNanos := parkForever
			if earliest := el.deadlineScheduler.earliestDeadlineNanos(); earliest >= 0 {
				timeoutNanos = max(0, earliest-nowNanos)
			}
			if err := el.park(timeoutNanos); err != nil {
				return err
			}
			nowNanos = el.clock.NanoTime()
			ioDeadlineNanos = nowNanos + el.ioIntervalNanos
			continue
		}

		queueDeadlineNanos := nowNanos + el.scheduler.timeSliceNanosActive()
		var sliceExecNanos int64
		var taskCount int64
		taskQueueEmpty := false
		// Forces a time measurement after the first task.
		clockSampleRound := 1

		for nowNanos <= queueDeadlineNanos {
			if !taskQueue.pull() {
				taskQueueEmpty = true
				break
			}
			task := taskQueue.task

			el.taskStartNanos = nowNanos
			el.taskDeadlineNanos = nowNanos + el.minGranularityNanos

			el.runTask(taskQueue)
			taskCount++

			if clockSampleRound == 1 {
				nowNanos = el.clock.NanoTime()
				clockSampleRound = taskQueue.clockSampleInterval
			} else {
				clockSampleRound--
			}

			// A task always progresses time.
			taskExecNanos := max(nowNanos-el.taskStartNanos, 1)
			sliceExecNanos += taskExecNanos

			if taskExecNanos > el.stallThresholdNanos {
				el.metrics.incStalls()
				el.stallHandler.OnStall(el, taskQueue, task, el.taskStartNanos, taskExecNanos)
			}

			if nowNanos >= ioDeadlineNanos {
				if err := el.ioTick(); err != nil {
					return err
				}
				nowNanos = el.clock.NanoTime()
				ioDeadlineNanos = nowNanos + el.ioIntervalNanos
			}
		}

		el.scheduler.updateActive(sliceExecNanos)
		el.metrics.incTasksProcessed(taskCount)
		el.metrics.incTaskCPUNanos(sliceExecNanos)
		el.metrics.incContextSwitches()

		if taskQueueEmpty || taskQueue.isEmpty() {
			// Fully drained.
			el.scheduler.dequeueActive()
			taskQueue.runState = runStateBlocked
			taskQueue.blockedCount++
			if taskQueue.global != nil {
				el.addBlockedGlobal(taskQueue)
			}
		} else {
			el.scheduler.yieldActive()
		}
	}
	return nil
}

// runTask executes the pulled task with panic recovery: a task failure
// never leaks out of the loop.
func (el *Eventloop) runTask(q *TaskQueue) {
	defer func() {
		if r := recover(); r != nil {
			el.logger.Err().
				Int("loop", el.idx).
				Str("queue", q.name).
				Str("panic", fmt.Sprint(r)).
				Log("task panicked")
		}
	}()
	q.run()
}

// ioTick runs the backend without blocking.
func (el *Eventloop) ioTick() error {
	el.metrics.incIOTicks()
	_, err := el.backend.Poll(0)
	return err
}

// park blocks in the I/O backend for up to timeoutNanos (parkForever
// blocks until woken). In spin mode and for zero timeouts it degrades to
// a non-blocking poll.
func (el *Eventloop) park(timeoutNanos int64) error {
	if el.spin || timeoutNanos == 0 {
		_, err := el.backend.Poll(0)
		return err
	}

	el.wakeupNeeded.Store(true)
	// Producers (and Shutdown) that acted before seeing the flag won't
	// wake us; check once more before committing to the blocking poll.
	if el.hasConcurrentWork() || el.state.load() == StateShutdown {
		el.wakeupNeeded.Store(false)
		_, err := el.backend.Poll(0)
		return err
	}

	el.metrics.incParks()
	_, err := el.backend.Poll(timeoutNanos)
	el.wakeupNeeded.Store(false)
	return err
}

// hasConcurrentWork reports whether any blocked queue's concurrent queue
// has pending tasks.
func (el *Eventloop) hasConcurrentWork() bool {
	for q := el.sharedFirst; q != nil; q = q.next {
		if !q.global.IsEmpty() {
			return true
		}
	}
	return false
}

// scheduleBlockedGlobal walks the blocked-concurrent list and makes every
// queue with pending concurrent tasks runnable. Runs every cycle, so
// reaping cannot be starved.
func (el *Eventloop) scheduleBlockedGlobal() bool {
	scheduled := false
	q := el.sharedFirst
	for q != nil {
		next := q.next
		if !q.global.IsEmpty() {
			el.removeBlockedGlobal(q)
			el.scheduler.enqueue(q)
			scheduled = true
		}
		q = next
	}
	return scheduled
}

func (el *Eventloop) addBlockedGlobal(q *TaskQueue) {
	last := el.sharedLast
	q.prev = last
	el.sharedLast = q
	if last == nil {
		el.sharedFirst = q
	} else {
		last.next = q
	}
}

func (el *Eventloop) removeBlockedGlobal(q *TaskQueue) {
	next := q.next
	prev := q.prev

	if prev == nil {
		el.sharedFirst = next
	} else {
		prev.next = next
		q.prev = nil
	}
	if next == nil {
		el.sharedLast = prev
	} else {
		next.prev = prev
		q.next = nil
	}
}

func (el *Eventloop) allTaskQueuesDrained() bool {
	for _, q := range el.taskQueues {
		if !q.isEmpty() {
			return false
		}
	}
	return true
}

// destroy releases loop resources after the cycle exits. Tasks that raced
// in between the drained check and the state flip are executed here so an
// accepted offer is never silently lost.
func (el *Eventloop) destroy() {
	for _, q := range el.taskQueues {
		for q.pull() {
			el.runTask(q)
		}
	}
	el.deadlineScheduler.cancelAll(ErrEventloopTerminated)
	if err := el.backend.Close(); err != nil {
		el.logger.Warning().Int("loop", el.idx).Err(err).Log("backend close failed")
	}
}

func (el *Eventloop) onEventloopThread() bool {
	id := el.goroutineID.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
