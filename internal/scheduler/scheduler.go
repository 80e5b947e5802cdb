package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"crypto-paper-trader/internal/logging"
)

// Job is one recurring unit of work. The context carries the cycle deadline;
// work not finished by then is abandoned for this cycle, never interrupted
// mid-write by anything stronger than context cancellation.
type Job func(ctx context.Context) error

// Scheduler drives a named job on a fixed interval with a single-flight
// guard: a tick that arrives while the previous run is still in progress is
// counted and skipped, never queued. Overlap is structurally impossible.
type Scheduler struct {
	name     string
	interval time.Duration
	deadline time.Duration
	job      Job
	logger   *logging.Logger

	running  atomic.Bool
	skipped  atomic.Int64
	runs     atomic.Int64
	failures atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler for a job. deadline bounds each run; zero means
// the run is bounded only by the interval.
func New(name string, interval, deadline time.Duration, job Job, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		deadline: deadline,
		job:      job,
		logger:   logger.WithComponent("scheduler").WithField("job", name),
		stopChan: make(chan struct{}),
	}
}

// Start launches the ticker loop and fires one run immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler started", "interval", s.interval.String())
}

// Stop shuts the loop down and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped",
		"runs", s.runs.Load(), "failures", s.failures.Load(), "skipped", s.skipped.Load())
}

// TriggerNow runs the job out of band, subject to the same single-flight
// guard. Returns false if a run was already in progress.
func (s *Scheduler) TriggerNow(ctx context.Context) bool {
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.logger.Warn("previous run still in progress, tick skipped", "skipped_total", n)
		return false
	}
	defer s.running.Store(false)

	runCtx := ctx
	if s.deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	started := time.Now()
	s.runs.Add(1)
	if err := s.job(runCtx); err != nil {
		s.failures.Add(1)
		s.logger.Error("run failed", "elapsed", time.Since(started).String(), "error", err.Error())
		return true
	}
	s.logger.Info("run completed", "elapsed", time.Since(started).String())
	return true
}

// Stats is a point-in-time view of the scheduler's counters.
type Stats struct {
	Name     string `json:"name"`
	Runs     int64  `json:"runs"`
	Failures int64  `json:"failures"`
	Skipped  int64  `json:"skipped"`
	Running  bool   `json:"running"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Name:     s.name,
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
		Skipped:  s.skipped.Load(),
		Running:  s.running.Load(),
	}
}
