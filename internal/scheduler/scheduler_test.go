package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/xmrescrow/internal/logging"
	"github.com/mbd888/xmrescrow/internal/metrics"
)

func newTestScheduler(pool int) *Scheduler {
	return New(pool, 0, slog.New(slog.DiscardHandler))
}

func TestRun_TicksEachJob(t *testing.T) {
	s := newTestScheduler(2)
	var a, b atomic.Int32
	require.NoError(t, s.Add("a", 5*time.Millisecond, func(context.Context) error { a.Add(1); return nil }))
	require.NoError(t, s.Add("b", 5*time.Millisecond, func(context.Context) error { b.Add(1); return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Load() >= 2 && b.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, s.Running("a"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.Running("a"))
}

func TestRun_PassSeesWorkerName(t *testing.T) {
	s := newTestScheduler(1)
	got := make(chan string, 1)
	require.NoError(t, s.Add("payout_engine", time.Hour, func(ctx context.Context) error {
		got <- logging.Worker(ctx)
		return nil
	}))

	require.NoError(t, s.RunOnce(context.Background(), "payout_engine"))
	assert.Equal(t, "payout_engine", <-got)
}

func TestAdd_Rejects(t *testing.T) {
	s := newTestScheduler(1)
	require.NoError(t, s.Add("a", time.Minute, func(context.Context) error { return nil }))

	err := s.Add("a", time.Minute, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicate)

	err = s.Add("b", 0, func(context.Context) error { return nil })
	assert.Error(t, err)

	assert.Equal(t, []string{"a"}, s.Jobs())
}

func TestRunOnce_UnknownJob(t *testing.T) {
	s := newTestScheduler(1)
	err := s.RunOnce(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunOnce_ReturnsJobError(t *testing.T) {
	s := newTestScheduler(1)
	boom := errors.New("boom")
	require.NoError(t, s.Add("a", time.Hour, func(context.Context) error { return boom }))

	assert.ErrorIs(t, s.RunOnce(context.Background(), "a"), boom)
	assert.False(t, s.Busy("a"))
}

func TestRunOnce_NoOverlap(t *testing.T) {
	s := newTestScheduler(2)
	release := make(chan struct{})
	require.NoError(t, s.Add("slow_overlap", time.Hour, func(context.Context) error {
		<-release
		return nil
	}))

	first := make(chan error, 1)
	go func() { first <- s.RunOnce(context.Background(), "slow_overlap") }()
	require.Eventually(t, func() bool { return s.Busy("slow_overlap") }, time.Second, time.Millisecond)

	err := s.RunOnce(context.Background(), "slow_overlap")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1.0, overlapSkips(t, "slow_overlap"))

	close(release)
	assert.NoError(t, <-first)
	assert.False(t, s.Busy("slow_overlap"))
}

func TestRun_SkipsTickWhileBusy(t *testing.T) {
	s := newTestScheduler(1)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add("slow_tick", 2*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return overlapSkips(t, "slow_tick") >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	cancel()
	close(release)
	require.NoError(t, <-done)
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	s := newTestScheduler(1)
	require.NoError(t, s.Add("panicky", time.Hour, func(context.Context) error { panic("wallet exploded") }))

	err := s.RunOnce(context.Background(), "panicky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, s.Busy("panicky"))

	var m dto.Metric
	require.NoError(t, metrics.JobRunsTotal.WithLabelValues("panicky", "panic").Write(&m))
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
}

func TestPoolBoundsConcurrentPasses(t *testing.T) {
	s := newTestScheduler(1)
	release := make(chan struct{})
	require.NoError(t, s.Add("holder", time.Hour, func(context.Context) error {
		<-release
		return nil
	}))
	require.NoError(t, s.Add("waiter", time.Hour, func(context.Context) error { return nil }))

	go func() { _ = s.RunOnce(context.Background(), "holder") }()
	require.Eventually(t, func() bool { return s.Busy("holder") }, time.Second, time.Millisecond)
	// Busy is set before the pool slot is taken; give the holder time to acquire it.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunOnce(ctx, "waiter")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return !s.Busy("holder") }, time.Second, time.Millisecond)
	assert.NoError(t, s.RunOnce(context.Background(), "waiter"))
}

func TestWait_AddsJitter(t *testing.T) {
	s := New(1, 50*time.Millisecond, slog.New(slog.DiscardHandler))
	j := &job{name: "a", interval: time.Second}
	for range 20 {
		d := s.wait(j)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+50*time.Millisecond)
	}
}

func overlapSkips(t *testing.T, job string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.JobOverlapSkipsTotal.WithLabelValues(job).Write(&m))
	return m.GetCounter().GetValue()
}
