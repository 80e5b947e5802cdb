package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto-paper-trader/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error"})
}

func TestSingleFlightGuard(t *testing.T) {
	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	job := func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			prev := maxSeen.Load()
			if n <= prev || maxSeen.CompareAndSwap(prev, n) {
				break
			}
		}
		<-release
		return nil
	}

	s := New("test", time.Hour, 0, job, testLogger())

	var wg sync.WaitGroup
	started := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- s.TriggerNow(context.Background())
		}()
	}

	// Let the racing triggers settle, then release the one running job.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	ran := 0
	for i := 0; i < 5; i++ {
		if <-started {
			ran++
		}
	}
	if ran != 1 {
		t.Errorf("%d triggers ran, want exactly 1", ran)
	}
	if maxSeen.Load() != 1 {
		t.Errorf("max concurrency = %d, want 1", maxSeen.Load())
	}
	if s.Stats().Skipped != 4 {
		t.Errorf("skipped = %d, want 4", s.Stats().Skipped)
	}
}

func TestDeadlinePropagates(t *testing.T) {
	sawDeadline := make(chan bool, 1)
	job := func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		sawDeadline <- ok && time.Until(deadline) <= 100*time.Millisecond
		return nil
	}

	s := New("test", time.Hour, 100*time.Millisecond, job, testLogger())
	if !s.TriggerNow(context.Background()) {
		t.Fatal("trigger did not run")
	}
	if !<-sawDeadline {
		t.Error("job context missing the cycle deadline")
	}
}

func TestFailureCounting(t *testing.T) {
	calls := 0
	job := func(ctx context.Context) error {
		calls++
		if calls%2 == 0 {
			return errors.New("boom")
		}
		return nil
	}

	s := New("test", time.Hour, 0, job, testLogger())
	for i := 0; i < 4; i++ {
		s.TriggerNow(context.Background())
	}

	stats := s.Stats()
	if stats.Runs != 4 || stats.Failures != 2 {
		t.Errorf("stats = %+v, want 4 runs and 2 failures", stats)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	s := New("test", 20*time.Millisecond, 0, job, testLogger())
	s.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	// Immediate run plus at least two ticks.
	got := runs.Load()
	if got < 3 {
		t.Errorf("runs = %d, want >= 3", got)
	}

	// No runs after Stop.
	final := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != final {
		t.Error("job ran after Stop")
	}
}
