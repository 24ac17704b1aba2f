package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/logging"
)

func TestWorkerPool_RunsDriveWithExecutionContext(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	got := make(chan string, 1)
	require.NoError(t, pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error {
		got <- logging.ExecutionID(ctx)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, "exec-1", <-got)
	m := pool.Metrics()
	assert.Equal(t, 2, m.Size)
	assert.EqualValues(t, 1, m.Completed)
	assert.EqualValues(t, 0, m.Active)
	assert.EqualValues(t, 0, m.Queued)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size, nil)
	defer pool.Shutdown()

	var running, peak atomic.Int64
	for i := range 10 {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("exec-%d", i), func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.EqualValues(t, 10, pool.Metrics().Completed)
}

func TestWorkerPool_CoalescesQueuedExecution(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "busy", func(context.Context) error {
		<-release
		return nil
	}))

	var runs atomic.Int64
	drive := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	// The first submission for exec-2 waits for the busy slot.
	queued := make(chan error, 1)
	go func() { queued <- pool.Submit(context.Background(), "exec-2", drive) }()
	require.Eventually(t, func() bool { return pool.Metrics().Queued == 1 }, time.Second, 5*time.Millisecond)

	// A second one while it waits is dropped.
	require.NoError(t, pool.Submit(context.Background(), "exec-2", drive))
	assert.EqualValues(t, 1, pool.Metrics().Coalesced)

	close(release)
	require.NoError(t, <-queued)
	pool.Wait()
	assert.EqualValues(t, 1, runs.Load())

	// Once started, the execution can be queued again.
	require.NoError(t, pool.Submit(context.Background(), "exec-2", drive))
	pool.Wait()
	assert.EqualValues(t, 2, runs.Load())
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "exec-1", func(context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "exec-1", func(context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not run work after a panic")
	}
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, pool.Submit(context.Background(), "busy", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "exec-2", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return pool.Metrics().Queued == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.EqualValues(t, 0, pool.Metrics().Queued)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var finished atomic.Int64
	for i := range 4 {
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("exec-%d", i), func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		}))
	}
	pool.Shutdown()
	assert.EqualValues(t, 4, finished.Load())

	err := pool.Submit(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	pool.Shutdown()
}

func TestWorkerPool_FailureMetrics(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		fail := i%2 == 0
		require.NoError(t, pool.Submit(context.Background(), fmt.Sprintf("exec-%d", i), func(context.Context) error {
			defer wg.Done()
			if fail {
				return errors.New("step failed")
			}
			return nil
		}))
	}
	wg.Wait()
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 2, m.Completed)
	assert.EqualValues(t, 3, m.Failed)
	assert.EqualValues(t, 0, m.Panics)
}
