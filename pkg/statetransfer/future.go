package statetransfer

import (
	"context"
	"sync"
)

// Future completes exactly once, with nil or an error. Continuations registered with
// OnComplete run on the completing goroutine, or inline if the future is already done.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	err       error
	callbacks []func(error)
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// completedFuture is shared by every caller whose condition already holds.
//
//nolint:gochecknoglobals
var completedFuture = func() *Future {
	f := newFuture()
	f.complete(nil)

	return f
}()

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future completed.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.completed
}

// Err returns the completion error; nil before completion or on success.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

// OnComplete registers fn to run once with the completion error.
func (f *Future) OnComplete(fn func(error)) {
	f.mu.Lock()

	if f.completed {
		err := f.err
		f.mu.Unlock()

		fn(err)

		return
	}

	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Wait blocks until completion or until ctx ends. Ending ctx abandons the wait only.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete resolves the future; later calls are ignored. It reports whether this call won.
func (f *Future) complete(err error) bool {
	f.mu.Lock()

	if f.completed {
		f.mu.Unlock()

		return false
	}

	f.completed = true
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil

	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}

	return true
}
