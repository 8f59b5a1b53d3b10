// Package scheduler runs the settlement workers on independent timers.
//
// Each job gets its own ticker with random jitter added to every wait. Passes
// run through a bounded pool shared by all jobs, and a job never runs twice
// at once: a tick that finds the previous pass still running is dropped and
// counted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mbd888/xmrescrow/internal/logging"
	"github.com/mbd888/xmrescrow/internal/metrics"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrBusy       = errors.New("scheduler: job already running")
	ErrDuplicate  = errors.New("scheduler: job already registered")
)

// Func is one pass of a job.
type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       Func

	busy atomic.Bool // a pass is executing
	live atomic.Bool // the timer loop is running
}

// Scheduler owns one timer per registered job.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*job
	order  []*job
	sem    *semaphore.Weighted
	jitter time.Duration
	logger *slog.Logger

	inflight sync.WaitGroup
}

// New creates a scheduler whose passes share a pool of poolSize slots.
func New(poolSize int, jitter time.Duration, logger *slog.Logger) *Scheduler {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Scheduler{
		jobs:   make(map[string]*job),
		sem:    semaphore.NewWeighted(int64(poolSize)),
		jitter: jitter,
		logger: logger,
	}
}

// Add registers a job. It must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	j := &job{name: name, interval: interval, fn: fn}
	s.jobs[name] = j
	s.order = append(s.order, j)
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	for i, j := range s.order {
		names[i] = j.name
	}
	return names
}

// Running reports whether the named job's timer loop is alive.
func (s *Scheduler) Running(name string) bool {
	j, ok := s.job(name)
	return ok && j.live.Load()
}

// Busy reports whether a pass of the named job is executing.
func (s *Scheduler) Busy(name string) bool {
	j, ok := s.job(name)
	return ok && j.busy.Load()
}

// Run starts every job loop and blocks until ctx is cancelled and all
// in-flight passes have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	jobs := append([]*job(nil), s.order...)
	s.mu.RUnlock()

	s.logger.Info("scheduler starting", "jobs", len(jobs), "jitter", s.jitter)

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			s.loop(gctx, j)
			return nil
		})
	}
	err := g.Wait()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// RunOnce runs a pass of the named job now and waits for it.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	j, ok := s.job(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.busy.CompareAndSwap(false, true) {
		metrics.JobOverlapSkipsTotal.WithLabelValues(name).Inc()
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) job(name string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	j.live.Store(true)
	defer j.live.Store(false)

	timer := time.NewTimer(s.wait(j))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.dispatch(ctx, j)
			timer.Reset(s.wait(j))
		}
	}
}

// dispatch starts a pass without blocking the timer loop.
func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	if !j.busy.CompareAndSwap(false, true) {
		metrics.JobOverlapSkipsTotal.WithLabelValues(j.name).Inc()
		s.logger.Warn("previous pass still running, tick skipped", "job", j.name)
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		// A pass that has started may be mid-transfer; let it finish.
		_ = s.execute(context.WithoutCancel(ctx), j)
	}()
}

// execute runs one pass. The caller must have set j.busy.
func (s *Scheduler) execute(ctx context.Context, j *job) (err error) {
	defer j.busy.Store(false)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	metrics.JobRunning.WithLabelValues(j.name).Set(1)
	defer metrics.JobRunning.WithLabelValues(j.name).Set(0)

	defer func() {
		if r := recover(); r != nil {
			metrics.JobRunsTotal.WithLabelValues(j.name, "panic").Inc()
			s.logger.Error("panic in scheduled job", "job", j.name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduler: job %s panicked: %v", j.name, r)
		}
	}()

	ctx = logging.WithWorker(ctx, j.name)
	if err = j.fn(ctx); err != nil {
		metrics.JobRunsTotal.WithLabelValues(j.name, "error").Inc()
		s.logger.Warn("scheduled job failed", "job", j.name, "error", err)
		return err
	}
	metrics.JobRunsTotal.WithLabelValues(j.name, "ok").Inc()
	return nil
}

func (s *Scheduler) wait(j *job) time.Duration {
	if s.jitter <= 0 {
		return j.interval
	}
	return j.interval + rand.N(s.jitter)
}
