// Package requestservice shards partitioned request frames onto the
// engine's eventloops and correlates responses by call id.
//
// Transport is deliberately absent: socket bindings live outside the
// core. Requests for locally-owned partitions are routed straight into
// the loop that owns the partition; the loop runs the registered op
// handler and completes the request's promise with the response frame.
package requestservice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	tpcengine "github.com/joeycumines/go-tpcengine"
	"github.com/joeycumines/go-tpcengine/iobuf"
)

// Standard errors.
var (
	ErrShuttingDown  = errors.New("requestservice: shutting down")
	ErrRejected      = errors.New("requestservice: request rejected, loop queue full")
	ErrUnknownOpcode = errors.New("requestservice: unknown opcode")
)

// Handler executes one request frame on the owning eventloop and returns
// the response frame. The request frame is released by the service after
// the handler returns; the handler owns the response frame's reference,
// which passes to the caller.
type Handler func(request *iobuf.Frame) *iobuf.Frame

// Config configures a RequestService.
type Config struct {
	// PartitionCount is the number of partitions sharded over the loops.
	PartitionCount int
	// ResponseFrameSize is the minimum capacity of pooled response
	// frames.
	ResponseFrameSize int
	// Logger receives structured events. Nil disables logging.
	Logger *tpcengine.Logger
}

// RequestService routes request frames to eventloops by partition and
// tracks in-flight calls.
type RequestService struct {
	engine *tpcengine.Engine
	logger *tpcengine.Logger

	partitionCount    int
	partitionToLoop   []int
	requestQueues     []tpcengine.TaskQueueHandle
	responseAllocator *iobuf.ConcurrentAllocator
	shuttingDown      atomic.Bool
	callID            atomic.Int64

	mu       sync.Mutex
	inflight map[int64]*iobuf.Frame
	handlers map[int32]Handler
}

// requestQueueShares weights the per-loop request queue against the
// loop's default queue under the CFS scheduler.
const requestQueueShares = 100

// New creates a request service on top of a started engine. It installs a
// "requests" task queue on every loop, so the engine must be running.
func New(engine *tpcengine.Engine, cfg Config) (*RequestService, error) {
	if cfg.PartitionCount <= 0 {
		return nil, fmt.Errorf("requestservice: partitionCount must be positive, got %d", cfg.PartitionCount)
	}
	if engine.State() != tpcengine.StateRunning {
		return nil, fmt.Errorf("requestservice: engine must be running, in state %v", engine.State())
	}
	frameSize := cfg.ResponseFrameSize
	if frameSize <= 0 {
		frameSize = 256
	}
	s := &RequestService{
		engine:            engine,
		logger:            cfg.Logger,
		partitionCount:    cfg.PartitionCount,
		partitionToLoop:   make([]int, cfg.PartitionCount),
		requestQueues:     make([]tpcengine.TaskQueueHandle, engine.EventloopCount()),
		responseAllocator: iobuf.NewConcurrentAllocator(frameSize, 4096),
		inflight:          make(map[int64]*iobuf.Frame),
		handlers:          make(map[int32]Handler),
	}
	// Partition to loop is a simple mod, fixed for the engine's lifetime.
	for p := 0; p < cfg.PartitionCount; p++ {
		s.partitionToLoop[p] = engine.EventloopForHash(p).Idx()
	}

	// Task queues are loop-thread property, so each loop creates its own.
	var wg sync.WaitGroup
	errs := make([]error, engine.EventloopCount())
	for i := 0; i < engine.EventloopCount(); i++ {
		loop := engine.Eventloop(i)
		wg.Add(1)
		accepted := loop.Offer(func() {
			defer wg.Done()
			s.requestQueues[loop.Idx()], errs[loop.Idx()] = loop.NewTaskQueue(tpcengine.TaskQueueConfig{
				Name:       "requests",
				Shares:     requestQueueShares,
				Concurrent: true,
				Processor:  s.Process,
			})
		})
		if !accepted {
			wg.Done()
			return nil, ErrRejected
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RegisterOp binds a handler to an opcode (the frame's flags field).
// Not safe to call once requests are flowing.
func (s *RequestService) RegisterOp(opcode int32, handler Handler) {
	s.handlers[opcode] = handler
}

// ResponseAllocator returns the pool handlers should allocate response
// frames from; responses are built on a loop and freed by the caller.
func (s *RequestService) ResponseAllocator() iobuf.Allocator {
	return s.responseAllocator
}

// PartitionToLoop returns the index of the loop owning the partition.
func (s *RequestService) PartitionToLoop(partitionID int) int {
	return s.partitionToLoop[partitionID]
}

// InvokeOnPartition routes the request frame to the loop owning the
// partition and returns a promise completed with the response frame. The
// request must carry its partition id at iobuf.OffsetPartitionID; the
// service stamps the call id at iobuf.OffsetReqCallID.
func (s *RequestService) InvokeOnPartition(request *iobuf.Frame, partitionID int) (*tpcengine.Promise, error) {
	if s.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if partitionID < 0 || partitionID >= s.partitionCount {
		return nil, fmt.Errorf("requestservice: partition id %d out of range", partitionID)
	}

	promise := tpcengine.NewPromise()
	request.Completion = promise

	callID := s.callID.Add(1)
	request.PutInt64(iobuf.OffsetReqCallID, callID)

	// Keep the frame pinned for the response path.
	request.Acquire()
	s.mu.Lock()
	s.inflight[callID] = request
	s.mu.Unlock()

	loopIdx := s.partitionToLoop[partitionID]
	loop := s.engine.Eventloop(loopIdx)
	if !loop.OfferTo(request, s.requestQueues[loopIdx]) {
		s.mu.Lock()
		delete(s.inflight, callID)
		s.mu.Unlock()
		request.Release()
		return nil, ErrRejected
	}
	return promise, nil
}

// Process executes a request frame on the loop thread. It is the task
// queue processor the service installs when wiring itself to an engine's
// loops; exported for setups that route frames through custom queues.
func (s *RequestService) Process(task any) {
	request, ok := task.(*iobuf.Frame)
	if !ok {
		s.logger.Err().
			Str("type", fmt.Sprintf("%T", task)).
			Log("unexpected task type routed to request service")
		return
	}

	opcode := request.Int32(iobuf.OffsetFlags)
	handler, ok := s.handlers[opcode]

	var response *iobuf.Frame
	if ok {
		response = handler(request)
	} else {
		s.logger.Warning().
			Int("opcode", int(opcode)).
			Log("request with unknown opcode dropped")
	}

	callID := request.Int64(iobuf.OffsetReqCallID)
	if response != nil {
		response.PutInt64(iobuf.OffsetResCallID, callID)
	}
	s.handleResponse(callID, response)
	request.Release()
}

// handleResponse completes the in-flight call. A nil response completes
// the promise with an error.
func (s *RequestService) handleResponse(callID int64, response *iobuf.Frame) {
	s.mu.Lock()
	request, ok := s.inflight[callID]
	delete(s.inflight, callID)
	s.mu.Unlock()
	if !ok {
		// Response for a call already failed by Shutdown or never
		// registered.
		if response != nil {
			response.Release()
		}
		return
	}

	promise, _ := request.Completion.(*tpcengine.Promise)
	request.Release()
	if promise == nil {
		if response != nil {
			response.Release()
		}
		return
	}
	if response == nil {
		promise.Complete(nil, ErrUnknownOpcode)
		return
	}
	promise.Complete(response, nil)
}

// Shutdown stops accepting requests and fails the in-flight ones.
func (s *RequestService) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	inflight := s.inflight
	s.inflight = make(map[int64]*iobuf.Frame)
	s.mu.Unlock()
	for _, request := range inflight {
		if promise, ok := request.Completion.(*tpcengine.Promise); ok {
			promise.Complete(nil, ErrShuttingDown)
		}
		request.Release()
	}
}
