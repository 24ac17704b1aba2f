package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(now *time.Time) *Scheduler {
	s := New(nil, WithTickInterval(5*time.Millisecond))
	if now != nil {
		s.now = func() time.Time { return *now }
	}
	return s
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(nil)
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@every 1m", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	sched := newTestScheduler(nil)
	assert.Error(t, sched.Register("x", "not a spec", func(context.Context) error { return nil }))
	assert.Error(t, sched.Register("", "@every 1m", func(context.Context) error { return nil }))
	assert.Empty(t, sched.Jobs())
}

func TestTickRunsOnlyDueJobs(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 30, 0, time.UTC)
	sched := newTestScheduler(&now)
	var runs atomic.Int32
	require.NoError(t, sched.Register("sweep", "@every 1m", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	sched.tick(context.Background())
	assert.Equal(t, int32(0), runs.Load())

	now = now.Add(time.Minute)
	sched.tick(context.Background())
	assert.Equal(t, int32(1), runs.Load())

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusSuccess, jobs[0].LastStatus)
	assert.Equal(t, now, jobs[0].LastRunAt)
	assert.Equal(t, now.Add(time.Minute), jobs[0].NextRunAt)
	assert.Equal(t, 1, jobs[0].Runs)
}

func TestDisabledJobsSkipped(t *testing.T) {
	now := time.Now()
	sched := newTestScheduler(&now)
	var runs atomic.Int32
	require.NoError(t, sched.Register("sweep", "@every 1m", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, sched.SetEnabled("sweep", false))
	now = now.Add(2 * time.Minute)
	sched.tick(context.Background())
	assert.Equal(t, int32(0), runs.Load())
	assert.Error(t, sched.SetEnabled("missing", true))
}

func TestFailedRunRecorded(t *testing.T) {
	sched := newTestScheduler(nil)
	require.NoError(t, sched.Register("purge", "@every 1h", func(context.Context) error {
		return errors.New("store down")
	}))
	err := sched.RunNow(context.Background(), "purge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	jobs := sched.Jobs()
	assert.Equal(t, StatusError, jobs[0].LastStatus)
	assert.Equal(t, "store down", jobs[0].LastError)
	assert.Error(t, sched.RunNow(context.Background(), "missing"))
}

func TestNoOverlap(t *testing.T) {
	sched := newTestScheduler(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, sched.Register("slow", "@every 1h", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	go func() { _ = sched.RunNow(context.Background(), "slow") }()
	<-started
	err := sched.RunNow(context.Background(), "slow")
	assert.ErrorContains(t, err, "already running")
	close(release)
}

func TestStartStop(t *testing.T) {
	sched := New(nil, WithTickInterval(5*time.Millisecond))
	var runs atomic.Int32
	require.NoError(t, sched.Register("fast", "@every 10ms", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())

	sched.Unregister("fast")
	assert.Empty(t, sched.Jobs())
}
