package tpcengine

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// EventloopType selects the I/O backend driving each eventloop.
type EventloopType string

const (
	// EventloopTypeReadiness is the portable readiness-based selector,
	// built on poll(2). Available on Linux and macOS.
	EventloopTypeReadiness EventloopType = "readiness"
	// EventloopTypeEdgeTriggered is the edge-triggered notifier, built on
	// epoll with a one-shot rearm policy. Linux only.
	EventloopTypeEdgeTriggered EventloopType = "edge-triggered"
	// EventloopTypeRing is the submission-queue/completion-queue ring,
	// built on io_uring. Linux only.
	EventloopTypeRing EventloopType = "ring"
)

// Default configuration values.
const (
	DefaultTargetLatencyNanos      = int64(time.Millisecond)
	DefaultMinGranularityNanos     = int64(100 * time.Microsecond)
	DefaultStallThresholdNanos     = int64(500 * time.Microsecond)
	DefaultIOIntervalNanos         = int64(10 * time.Microsecond)
	DefaultRunQueueCapacity        = 1024
	DefaultDeadlineRunQueueCapacity = 4096
	DefaultLocalTaskQueueCapacity  = 65536
	DefaultConcurrentTaskQueueCapacity = 65536
	DefaultClockSampleInterval     = 1
)

// Configuration carries the recognised engine options. The zero value is
// not usable; obtain defaults with NewConfiguration and override fields
// before passing it to NewEngine.
type Configuration struct {
	// EventloopCount is the number of eventloops (one per pinned CPU).
	EventloopCount int `json:"eventloopCount"`
	// EventloopType selects the I/O backend.
	EventloopType EventloopType `json:"eventloopType"`
	// Spin makes loops busy-poll instead of parking.
	Spin bool `json:"spin"`
	// CFS selects the weighted fair scheduler; otherwise FCFS.
	CFS bool `json:"cfs"`
	// TargetLatencyNanos is the latency divided among runnable task queues
	// to compute time slices.
	TargetLatencyNanos int64 `json:"targetLatencyNanos"`
	// MinGranularityNanos is the minimum slice and the per-task
	// cooperative yield horizon.
	MinGranularityNanos int64 `json:"minGranularityNanos"`
	// RunQueueCapacity bounds the task-queue scheduler's runnable set.
	RunQueueCapacity int `json:"runQueueCapacity"`
	// DeadlineRunQueueCapacity bounds the deadline heap.
	DeadlineRunQueueCapacity int `json:"deadlineRunQueueCapacity"`
	// StallThresholdNanos is the single-task runtime above which the stall
	// handler fires.
	StallThresholdNanos int64 `json:"stallThresholdNanos"`
	// IOIntervalNanos is the maximum interval between intra-slice I/O
	// ticks.
	IOIntervalNanos int64 `json:"ioIntervalNanos"`
	// ThreadAffinity optionally pins each loop to a CPU set; entry i is
	// the CPU list for loop i (e.g. []int{3}). Empty disables pinning.
	ThreadAffinity [][]int `json:"threadAffinity"`
	// LocalTaskQueueCapacity bounds each task queue's local FIFO.
	LocalTaskQueueCapacity int `json:"localTaskQueueCapacity"`
	// ConcurrentTaskQueueCapacity bounds each task queue's concurrent
	// (multi-producer) queue.
	ConcurrentTaskQueueCapacity int `json:"concurrentTaskQueueCapacity"`
	// ClockSampleInterval is how many tasks a queue runs between clock
	// samples; 1 samples after every task.
	ClockSampleInterval int `json:"clockSampleInterval"`
	// StallHandler receives stall notifications. Defaults to a logging
	// handler.
	StallHandler StallHandler `json:"-"`
	// Logger receives structured engine events. Nil disables logging.
	Logger *Logger `json:"-"`
}

// NewConfiguration returns a Configuration populated with defaults:
// readiness backend, FCFS scheduling, one loop per CPU.
func NewConfiguration() *Configuration {
	return &Configuration{
		EventloopCount:              runtime.NumCPU(),
		EventloopType:               EventloopTypeReadiness,
		TargetLatencyNanos:          DefaultTargetLatencyNanos,
		MinGranularityNanos:         DefaultMinGranularityNanos,
		RunQueueCapacity:            DefaultRunQueueCapacity,
		DeadlineRunQueueCapacity:    DefaultDeadlineRunQueueCapacity,
		StallThresholdNanos:         DefaultStallThresholdNanos,
		IOIntervalNanos:             DefaultIOIntervalNanos,
		LocalTaskQueueCapacity:      DefaultLocalTaskQueueCapacity,
		ConcurrentTaskQueueCapacity: DefaultConcurrentTaskQueueCapacity,
		ClockSampleInterval:         DefaultClockSampleInterval,
	}
}

// LoadConfiguration reads a JSON configuration file and overlays it on the
// defaults.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tpcengine: read configuration: %w", err)
	}
	cfg := NewConfiguration()
	if err := sonnet.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("tpcengine: parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Configuration) validate() error {
	switch {
	case c.EventloopCount <= 0:
		return fmt.Errorf("tpcengine: eventloopCount must be positive, got %d", c.EventloopCount)
	case c.TargetLatencyNanos <= 0:
		return fmt.Errorf("tpcengine: targetLatencyNanos must be positive, got %d", c.TargetLatencyNanos)
	case c.MinGranularityNanos <= 0:
		return fmt.Errorf("tpcengine: minGranularityNanos must be positive, got %d", c.MinGranularityNanos)
	case c.RunQueueCapacity <= 0:
		return fmt.Errorf("tpcengine: runQueueCapacity must be positive, got %d", c.RunQueueCapacity)
	case c.DeadlineRunQueueCapacity <= 0:
		return fmt.Errorf("tpcengine: deadlineRunQueueCapacity must be positive, got %d", c.DeadlineRunQueueCapacity)
	case c.StallThresholdNanos <= 0:
		return fmt.Errorf("tpcengine: stallThresholdNanos must be positive, got %d", c.StallThresholdNanos)
	case c.IOIntervalNanos <= 0:
		return fmt.Errorf("tpcengine: ioIntervalNanos must be positive, got %d", c.IOIntervalNanos)
	case c.LocalTaskQueueCapacity <= 0:
		return fmt.Errorf("tpcengine: localTaskQueueCapacity must be positive, got %d", c.LocalTaskQueueCapacity)
	case c.ConcurrentTaskQueueCapacity <= 0:
		return fmt.Errorf("tpcengine: concurrentTaskQueueCapacity must be positive, got %d", c.ConcurrentTaskQueueCapacity)
	case c.ClockSampleInterval < 1:
		return fmt.Errorf("tpcengine: clockSampleInterval must be >= 1, got %d", c.ClockSampleInterval)
	}
	switch c.EventloopType {
	case EventloopTypeReadiness, EventloopTypeEdgeTriggered, EventloopTypeRing:
	default:
		return fmt.Errorf("tpcengine: unrecognised eventloopType %q", c.EventloopType)
	}
	return nil
}
