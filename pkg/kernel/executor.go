package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrExecutorClosed is returned when submitting to a stopped executor.
var ErrExecutorClosed = errors.New("kernel executor is closed")

const defaultQueueSize = 64

// call is one unit of work destined for the loop goroutine.
type call struct {
	fn     func() error
	result chan error
}

// Executor serializes all interpreter operations onto a single owning
// goroutine. The LState is not goroutine-safe, so channel readers and any
// other goroutine submit closures here instead of touching the state
// directly. Run must be called from the goroutine that owns the state.
type Executor struct {
	queue     chan *call
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewExecutor creates an executor with the given queue depth.
func NewExecutor(queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Executor{
		queue: make(chan *call, queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes submitted work until the context is cancelled or Close is
// called. This is the kernel's event loop body.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx.Err())
			return
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case c := <-e.queue:
			c.result <- c.fn()
			close(c.result)
		}
	}
}

// Submit runs fn on the loop goroutine and waits for its result. It fails
// fast when the executor is closed or either context expires.
func (e *Executor) Submit(ctx context.Context, fn func() error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}

	select {
	case e.queue <- c:
	case <-e.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.result:
		return err
	case <-e.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the executor. Pending calls receive ErrExecutorClosed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// drain fails all queued calls so no submitter blocks forever.
func (e *Executor) drain(err error) {
	e.closed.Store(true)
	for {
		select {
		case c := <-e.queue:
			c.result <- err
			close(c.result)
		default:
			return
		}
	}
}
