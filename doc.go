// Package tpcengine implements a thread-per-core event-loop engine for
// high-throughput, low-latency request/response services.
//
// Each CPU gets one dedicated eventloop goroutine (locked to an OS thread,
// optionally pinned). A loop schedules application tasks grouped into
// fairness-controlled task queues, drives one of three I/O backends, and
// services deadline tasks:
//
//   - readiness: a portable poll(2)-based selector
//   - edge-triggered: epoll with a one-shot rearm policy (Linux)
//   - ring: an io_uring submission/completion ring (Linux)
//
// Task queues are scheduled either first-come-first-serve or by a
// CFS-style weighted fair scheduler; the variant is fixed at engine
// construction.
//
// # Usage
//
//	cfg := tpcengine.NewConfiguration()
//	cfg.EventloopCount = 4
//	cfg.CFS = true
//
//	engine, err := tpcengine.NewEngine(cfg)
//	if err != nil {
//		// ...
//	}
//	if err := engine.Start(); err != nil {
//		// ...
//	}
//	defer engine.Shutdown()
//
//	engine.EventloopForHash(partitionID).Offer(func() {
//		// runs on the loop owning the partition
//	})
//
// # Threading
//
// Within a loop, tasks are cooperatively scheduled and run to completion;
// long-running tasks should poll Eventloop.ShouldYield. Everything a loop
// owns is single-threaded; cross-thread interaction is limited to the
// concurrent task queues, the wakeup flag, and the lifecycle state.
package tpcengine
