// Package pool provides the fixed goroutine pool that runs replication
// flows.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pool: closed")

// WorkerPool runs submitted tasks on a fixed set of goroutines.
type WorkerPool struct {
	numWorkers int
	workCh     chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	submitMu   sync.RWMutex

	running   atomic.Int64
	completed atomic.Int64
}

// New creates a worker pool with numWorkers goroutines.
// If numWorkers <= 0, runtime.GOMAXPROCS(0) is used.
func New(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	wp := &WorkerPool{
		numWorkers: numWorkers,
		workCh:     make(chan func(), numWorkers*2),
		stopCh:     make(chan struct{}),
	}

	wp.wg.Add(numWorkers)
	for range numWorkers {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopCh:
			// Drain remaining work before exiting
			for {
				select {
				case task, ok := <-wp.workCh:
					if !ok {
						return
					}
					wp.run(task)
				default:
					return
				}
			}
		case task, ok := <-wp.workCh:
			if !ok {
				return
			}
			wp.run(task)
		}
	}
}

func (wp *WorkerPool) run(task func()) {
	wp.running.Add(1)
	defer func() {
		wp.running.Add(-1)
		wp.completed.Add(1)
	}()
	task()
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int { return wp.numWorkers }

// Running returns the number of tasks currently executing.
func (wp *WorkerPool) Running() int64 { return wp.running.Load() }

// Completed returns the number of tasks that have finished.
func (wp *WorkerPool) Completed() int64 { return wp.completed.Load() }

// Submit enqueues task. It blocks while the queue is full and returns
// ErrClosed after Close or ctx.Err() if ctx ends first.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return ErrClosed
	}

	select {
	case wp.workCh <- task:
		return nil
	case <-wp.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs what is queued and waits for the
// workers to exit. It is idempotent.
func (wp *WorkerPool) Close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	wp.submitMu.Lock()
	close(wp.stopCh)
	close(wp.workCh)
	wp.submitMu.Unlock()

	wp.wg.Wait()
}
