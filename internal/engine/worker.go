package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowcore/internal/logging"
)

// PoolMetrics is a snapshot of the drive pool, reported by Health.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Coalesced int64 `json:"coalesced"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task drives one execution forward.
type Task func(ctx context.Context) error

// WorkerPool runs execution drives on at most size goroutines. While an
// execution is queued for a slot, further submissions for it are dropped:
// the queued drive reads the latest persisted state anyway.
type WorkerPool struct {
	size   int
	sem    chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending map[string]struct{}

	queued, active, completed, failed, coalesced, panics atomic.Int64
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		sem:     make(chan struct{}, size),
		done:    make(chan struct{}),
		logger:  logging.OrDiscard(logger),
		pending: make(map[string]struct{}),
	}
}

// Submit queues task for executionID. It blocks while every slot is busy
// and returns early on ctx cancellation or shutdown. A submission for an
// execution that is already queued returns nil without running task.
func (p *WorkerPool) Submit(ctx context.Context, executionID string, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, ok := p.pending[executionID]; ok {
		p.mu.Unlock()
		p.coalesced.Add(1)
		return nil
	}
	p.pending[executionID] = struct{}{}
	p.mu.Unlock()
	p.queued.Add(1)

	acquired := false
	defer func() {
		p.queued.Add(-1)
		if !acquired {
			p.unqueue(executionID)
		}
	}()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add happens under the lock so Shutdown cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	delete(p.pending, executionID)
	p.wg.Add(1)
	p.mu.Unlock()
	acquired = true

	p.active.Add(1)
	go p.run(ctx, executionID, task)
	return nil
}

func (p *WorkerPool) unqueue(executionID string) {
	p.mu.Lock()
	delete(p.pending, executionID)
	p.mu.Unlock()
}

func (p *WorkerPool) run(ctx context.Context, executionID string, task Task) {
	log := p.logger.With(slog.String("execution_id", executionID))
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			log.Error("execution drive panicked", slog.String("panic", fmt.Sprint(r)))
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := task(logging.WithExecutionID(ctx, executionID)); err != nil {
		p.failed.Add(1)
		log.Warn("execution drive failed", slog.String("error", err.Error()))
		return
	}
	p.completed.Add(1)
}

// Wait blocks until all started drives return.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for running drives.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Queued:    p.queued.Load(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Coalesced: p.coalesced.Load(),
		Panics:    p.panics.Load(),
	}
}
