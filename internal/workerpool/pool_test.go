package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestWorkerPool_EnqueueAndShutdown(t *testing.T) {
	pool := New(3)

	var mu sync.Mutex

	results := []int{}

	for i := range 5 {
		err := pool.Enqueue(func() error {
			mu.Lock()

			results = append(results, i)

			mu.Unlock()

			return nil
		})
		assert.Nil(t, err)
	}

	pool.Shutdown()

	assert.Len(t, results, 5)
}

func TestWorkerPool_ErrorHandler(t *testing.T) {
	expectedErr := errors.New("job error")

	var got atomic.Value

	pool := New(2, WithErrorHandler(func(err error) { got.Store(err) }))
	assert.Nil(t, pool.Enqueue(func() error { return expectedErr }))
	pool.Shutdown()

	err, _ := got.Load().(error)
	assert.True(t, errors.Is(err, expectedErr))
}

func TestWorkerPool_EnqueueAfterShutdown(t *testing.T) {
	pool := New(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Enqueue(func() error { return nil })
	assert.True(t, errors.Is(err, sentinel.ErrNodeStopped))
}

func TestWorkerPool_ResizeIncrease(t *testing.T) {
	pool := New(1)

	var count atomic.Int32

	for range 10 {
		assert.Nil(t, pool.Enqueue(func() error {
			time.Sleep(10 * time.Millisecond)
			count.Add(1)

			return nil
		}))
	}

	pool.Resize(5)
	assert.Equal(t, 5, pool.Size())

	pool.Shutdown()
	assert.Equal(t, int32(10), count.Load())
}

func TestWorkerPool_ResizeDecrease(t *testing.T) {
	pool := New(4)
	pool.Resize(2)
	assert.Equal(t, 2, pool.Size())

	var count atomic.Int32

	for range 4 {
		assert.Nil(t, pool.Enqueue(func() error {
			count.Add(1)

			return nil
		}))
	}

	pool.Shutdown()
	assert.Equal(t, int32(4), count.Load())
}
