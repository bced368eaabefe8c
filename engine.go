package tpcengine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Engine owns a fixed array of eventloops, one per pinned CPU, and the
// machinery to start them, shut them down, and route hashed keys (e.g.
// partition ids) onto loops.
type Engine struct {
	eventloops []*Eventloop
	state      stateMachine
	terminated chan struct{}
	remaining  atomic.Int32
	logger     *Logger
}

// NewEngine creates an engine from the configuration. The engine starts
// in StateNew; no threads run until Start.
func NewEngine(cfg *Configuration) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		eventloops: make([]*Eventloop, cfg.EventloopCount),
		terminated: make(chan struct{}),
		logger:     cfg.Logger,
	}
	e.remaining.Store(int32(cfg.EventloopCount))
	for i := range e.eventloops {
		loop, err := newEventloop(i, cfg, e)
		if err != nil {
			for _, created := range e.eventloops[:i] {
				_ = created.backend.Close()
			}
			return nil, fmt.Errorf("tpcengine: create eventloop %d: %w", i, err)
		}
		e.eventloops[i] = loop
	}
	return e, nil
}

// State returns the engine's lifecycle state. Thread-safe.
func (e *Engine) State() State { return e.state.load() }

// EventloopCount returns the number of eventloops.
func (e *Engine) EventloopCount() int { return len(e.eventloops) }

// Eventloop returns the loop at the given index.
func (e *Engine) Eventloop(idx int) *Eventloop { return e.eventloops[idx] }

// EventloopForHash maps an integer key (e.g. a partition id) onto a loop
// using the engine's immutable hash-mod function.
func (e *Engine) EventloopForHash(hash int) *Eventloop {
	return e.eventloops[hashToIndex(hash, len(e.eventloops))]
}

// Start starts every eventloop. Fails with ErrInvalidState unless the
// engine is in StateNew.
func (e *Engine) Start() error {
	if !e.state.tryTransition(StateNew, StateRunning) {
		return fmt.Errorf("%w: cannot start engine in state %v", ErrInvalidState, e.state.load())
	}
	e.logger.Info().Int("eventloops", len(e.eventloops)).Log("engine starting")
	for _, loop := range e.eventloops {
		if err := loop.Start(); err != nil {
			// Loops that did start are torn down; the engine ends up
			// terminated.
			e.state.store(StateShutdown)
			for _, l := range e.eventloops {
				l.Shutdown()
			}
			return err
		}
	}
	return nil
}

// Shutdown requests termination of every eventloop. Safe from any thread,
// in any state; repeated calls are no-ops.
func (e *Engine) Shutdown() {
	for {
		switch state := e.state.load(); state {
		case StateNew, StateRunning:
			if e.state.tryTransition(state, StateShutdown) {
				e.logger.Info().Log("engine shutting down")
				for _, loop := range e.eventloops {
					loop.Shutdown()
				}
				return
			}
		default:
			return
		}
	}
}

// AwaitTermination blocks until every eventloop has confirmed termination
// or the timeout elapses. Returns true if the engine terminated.
func (e *Engine) AwaitTermination(timeout time.Duration) bool {
	select {
	case <-e.terminated:
		return true
	case <-time.After(timeout):
		return false
	}
}

// notifyEventloopTerminated is called by each loop as it dies, normally
// or not. The last one flips the engine to StateTerminated and releases
// the termination latch.
func (e *Engine) notifyEventloopTerminated() {
	if e.remaining.Add(-1) == 0 {
		e.state.store(StateTerminated)
		close(e.terminated)
		e.logger.Info().Log("engine terminated")
	}
}

// hashToIndex maps a hash onto [0, length) with a non-negative mod.
func hashToIndex(hash, length int) int {
	if hash == math.MinInt {
		hash = 0
	}
	if hash < 0 {
		hash = -hash
	}
	return hash % length
}
