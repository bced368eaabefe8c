package tpcengine

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testEngineConfig(loops int) *Configuration {
	cfg := testConfig()
	cfg.EventloopCount = loops
	return cfg
}

func TestEngine_New(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(5))
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Shutdown()

	if engine.EventloopCount() != 5 {
		t.Fatalf("eventloop count = %d, want 5", engine.EventloopCount())
	}
	if engine.State() != StateNew {
		t.Fatalf("state = %v, want New", engine.State())
	}
	for i := 0; i < 5; i++ {
		if engine.Eventloop(i) == nil {
			t.Fatalf("eventloop %d is nil", i)
		}
		if engine.Eventloop(i).Idx() != i {
			t.Fatalf("eventloop %d reports idx %d", i, engine.Eventloop(i).Idx())
		}
	}
}

func TestEngine_StartTransitionsToRunning(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		engine.Shutdown()
		engine.AwaitTermination(5 * time.Second)
	}()

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	if engine.State() != StateRunning {
		t.Fatalf("state = %v, want Running", engine.State())
	}
}

func TestEngine_StartTwiceFails(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		engine.Shutdown()
		engine.AwaitTermination(5 * time.Second)
	}()

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start = %v, want ErrInvalidState", err)
	}
}

func TestEngine_ShutdownFromNewReachesTerminated(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	engine.Shutdown()
	if !engine.AwaitTermination(5 * time.Second) {
		t.Fatal("engine did not terminate")
	}
	if engine.State() != StateTerminated {
		t.Fatalf("state = %v, want Terminated", engine.State())
	}
}

func TestEngine_ShutdownFromRunningReachesTerminated(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}

	// Give the loops some work so shutdown actually drains.
	var ran atomic.Int32
	for i := 0; i < 30; i++ {
		engine.EventloopForHash(i).Offer(func() { ran.Add(1) })
	}

	engine.Shutdown()
	if !engine.AwaitTermination(5 * time.Second) {
		t.Fatal("engine did not terminate")
	}
	if engine.State() != StateTerminated {
		t.Fatalf("state = %v, want Terminated", engine.State())
	}
	if ran.Load() != 30 {
		t.Fatalf("ran %d accepted tasks, want 30 (accepted work must not be lost)", ran.Load())
	}
	for i := 0; i < engine.EventloopCount(); i++ {
		if state := engine.Eventloop(i).State(); state != StateTerminated {
			t.Fatalf("eventloop %d state = %v, want Terminated", i, state)
		}
	}
}

func TestEngine_ShutdownTwiceIsIdempotent(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	engine.Shutdown()
	engine.Shutdown()
	if !engine.AwaitTermination(5 * time.Second) {
		t.Fatal("engine did not terminate")
	}
}

func TestEngine_AwaitTerminationTimesOutWhileRunning(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		engine.Shutdown()
		engine.AwaitTermination(5 * time.Second)
	}()

	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	if engine.AwaitTermination(50 * time.Millisecond) {
		t.Fatal("AwaitTermination returned true on a running engine")
	}
}

func TestEngine_EventloopForHash(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(4))
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Shutdown()

	for hash := -100; hash < 100; hash++ {
		loop := engine.EventloopForHash(hash)
		if loop == nil {
			t.Fatalf("hash %d mapped to nil loop", hash)
		}
		// The mapping is a pure function of the hash.
		if engine.EventloopForHash(hash) != loop {
			t.Fatalf("hash %d mapping not stable", hash)
		}
	}
	if engine.EventloopForHash(5) != engine.Eventloop(1) {
		t.Fatal("hash 5 should map to loop 1 (5 mod 4)")
	}
	if engine.EventloopForHash(-5) != engine.Eventloop(1) {
		t.Fatal("hash -5 should map to loop 1 (abs mod)")
	}
}

func TestEngine_WorkRoutedToEveryLoop(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(3))
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		engine.Shutdown()
		engine.AwaitTermination(5 * time.Second)
	}()

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		idx := i
		if !engine.Eventloop(i).Offer(func() { done <- idx }) {
			t.Fatalf("offer to loop %d rejected", i)
		}
	}
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		select {
		case idx := <-done:
			seen[idx] = true
		case <-time.After(2 * time.Second):
			t.Fatal("not all loops ran their task")
		}
	}
	if len(seen) != 3 {
		t.Fatalf("saw %d loops, want 3", len(seen))
	}
}

func TestHashToIndex(t *testing.T) {
	cases := []struct {
		hash, length, want int
	}{
		{0, 4, 0},
		{5, 4, 1},
		{-5, 4, 1},
		{7, 7, 0},
		{-1, 3, 1},
	}
	for _, c := range cases {
		if got := hashToIndex(c.hash, c.length); got != c.want {
			t.Fatalf("hashToIndex(%d, %d) = %d, want %d", c.hash, c.length, got, c.want)
		}
	}
}
