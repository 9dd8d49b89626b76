// Package workerpool runs commands resumed after a topology wait on a fixed set of
// goroutines, so the goroutine installing a topology only enqueues them.
package workerpool

import (
	"sync"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// JobFunc is a function that can be enqueued in a worker pool.
type JobFunc func() error

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithQueueSize sets the job buffer size (default: 64 per worker).
func WithQueueSize(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithErrorHandler receives errors returned by jobs.
func WithErrorHandler(fn func(error)) Option {
	return func(p *WorkerPool) { p.onError = fn }
}

// WorkerPool is a pool of workers that can execute jobs concurrently.
type WorkerPool struct {
	workers   int
	queueSize int
	jobs      chan JobFunc
	wg        sync.WaitGroup
	quit      chan struct{}
	onError   func(error)

	mu     sync.RWMutex
	closed bool
}

const queuePerWorker = 64

// New creates a new worker pool with the given number of workers.
func New(workers int, opts ...Option) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}

	pool := &WorkerPool{workers: workers, queueSize: workers * queuePerWorker}
	for _, o := range opts {
		o(pool)
	}

	pool.jobs = make(chan JobFunc, pool.queueSize)
	// buffer quit to allow multiple resize signals without blocking immediately
	pool.quit = make(chan struct{}, workers)
	pool.start()

	return pool
}

// Enqueue adds a job to the worker pool. It blocks while the queue is full and fails
// with ErrNodeStopped once the pool is shut down.
func (pool *WorkerPool) Enqueue(job JobFunc) error {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	if pool.closed {
		return sentinel.ErrNodeStopped
	}

	pool.wg.Add(1)

	pool.jobs <- job

	return nil
}

// Shutdown drains queued jobs and stops the workers.
func (pool *WorkerPool) Shutdown() {
	pool.mu.Lock()

	if pool.closed {
		pool.mu.Unlock()

		return
	}

	pool.closed = true
	pool.mu.Unlock()

	pool.wg.Wait()
	close(pool.jobs)
}

// Size returns the current number of workers.
func (pool *WorkerPool) Size() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	return pool.workers
}

// Resize resizes the worker pool.
func (pool *WorkerPool) Resize(newSize int) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if newSize <= 0 || pool.closed {
		return
	}

	diff := newSize - pool.workers
	if diff == 0 {
		return
	}

	pool.workers = newSize

	if diff > 0 {
		for range diff {
			go pool.worker()
		}

		return
	}

	for range -diff {
		pool.quit <- struct{}{}
	}
}

// start starts the worker pool.
func (pool *WorkerPool) start() {
	for range pool.workers {
		go pool.worker()
	}
}

// worker is the main loop executed by each worker goroutine.
func (pool *WorkerPool) worker() {
	for {
		select {
		case job, ok := <-pool.jobs:
			if !ok {
				return
			}

			pool.run(job)
		case <-pool.quit:
			return
		}
	}
}

func (pool *WorkerPool) run(job JobFunc) {
	defer pool.wg.Done()

	err := job()
	if err != nil && pool.onError != nil {
		pool.onError(err)
	}
}
