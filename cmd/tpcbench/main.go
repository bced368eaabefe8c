// Command tpcbench drives a tpcengine with a synthetic echo workload and
// reports throughput and latency percentiles.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"go.uber.org/automaxprocs/maxprocs"

	tpcengine "github.com/joeycumines/go-tpcengine"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON configuration file")
		loops      = flag.Int("loops", 0, "eventloop count (overrides config)")
		cfs        = flag.Bool("cfs", false, "use the CFS scheduler")
		spin       = flag.Bool("spin", false, "busy-poll instead of parking")
		producers  = flag.Int("producers", 4, "concurrent producer goroutines")
		duration   = flag.Duration("duration", 5*time.Second, "benchmark duration")
		verbose    = flag.Bool("v", false, "verbose engine logging")
	)
	flag.Parse()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("maxprocs: %v", err)
	}

	cfg := tpcengine.NewConfiguration()
	if *configPath != "" {
		loaded, err := tpcengine.LoadConfiguration(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	if *loops > 0 {
		cfg.EventloopCount = *loops
	}
	if *cfs {
		cfg.CFS = true
	}
	if *spin {
		cfg.Spin = true
	}
	if *verbose {
		cfg.Logger = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
			stumpy.L.WithLevel(logiface.LevelInformational),
		).Logger()
	}

	engine, err := tpcengine.NewEngine(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := engine.Start(); err != nil {
		log.Fatal(err)
	}
	defer func() {
		engine.Shutdown()
		if !engine.AwaitTermination(10 * time.Second) {
			log.Fatal("engine did not terminate")
		}
	}()

	fmt.Printf("tpcbench: loops=%d type=%s cfs=%v spin=%v producers=%d duration=%s\n",
		cfg.EventloopCount, cfg.EventloopType, cfg.CFS, cfg.Spin, *producers, *duration)

	var (
		completed atomic.Int64
		wg        sync.WaitGroup
		stopCh    = make(chan struct{})
		latencyMu sync.Mutex
		latencies []time.Duration
	)

	for p := 0; p < *producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			var local []time.Duration
			done := make(chan struct{}, 1)
			for i := 0; ; i++ {
				select {
				case <-stopCh:
					latencyMu.Lock()
					latencies = append(latencies, local...)
					latencyMu.Unlock()
					return
				default:
				}

				start := time.Now()
				loop := engine.EventloopForHash(producer*1_000_003 + i)
				if !loop.Offer(func() {
					select {
					case done <- struct{}{}:
					default:
					}
				}) {
					continue
				}
				<-done
				local = append(local, time.Since(start))
				completed.Add(1)
			}
		}(p)
	}

	time.Sleep(*duration)
	close(stopCh)
	wg.Wait()

	total := completed.Load()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("completed: %d ops (%.0f ops/s)\n", total, float64(total)/duration.Seconds())
	if len(latencies) > 0 {
		fmt.Printf("latency: p50=%s p99=%s max=%s\n",
			latencies[len(latencies)/2],
			latencies[len(latencies)*99/100],
			latencies[len(latencies)-1])
	}

	for i := 0; i < engine.EventloopCount(); i++ {
		m := engine.Eventloop(i).Metrics()
		fmt.Printf("loop %d: tasks=%d cpu=%s switches=%d parks=%d stalls=%d\n",
			i, m.TasksProcessed(), time.Duration(m.TaskCPUNanos()),
			m.ContextSwitches(), m.Parks(), m.Stalls())
	}
}
