package host

import (
	"context"
	"sync"
)

// Readiness is a one-shot promise for an object constructed on the kernel
// loop. It resolves exactly once, either successfully or with the
// construction error, and never regresses: any goroutine that observes Done
// closed sees the same outcome forever.
type Readiness struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

func (r *Readiness) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the promise has resolved.
func (r *Readiness) Done() <-chan struct{} {
	return r.done
}

// Err reports the construction error. Only meaningful after Done is closed.
func (r *Readiness) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the promise resolves or the context expires.
func (r *Readiness) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
