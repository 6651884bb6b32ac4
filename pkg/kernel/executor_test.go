package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor(t *testing.T) {
	t.Run("should run submitted work on the loop goroutine", func(t *testing.T) {
		e := NewExecutor(0)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		ran := false
		err := e.Submit(context.Background(), func() error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("should propagate work errors", func(t *testing.T) {
		e := NewExecutor(0)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		sentinel := errors.New("work failed")
		err := e.Submit(context.Background(), func() error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("should serialize submissions", func(t *testing.T) {
		e := NewExecutor(8)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		var order []int
		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				i := i
				_ = e.Submit(context.Background(), func() error {
					order = append(order, i)
					return nil
				})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("submissions did not complete")
		}
		assert.Len(t, order, 10)
		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("should reject submissions after close", func(t *testing.T) {
		e := NewExecutor(0)
		e.Close()

		err := e.Submit(context.Background(), func() error { return nil })
		assert.ErrorIs(t, err, ErrExecutorClosed)
	})

	t.Run("should exit when the loop context is cancelled", func(t *testing.T) {
		e := NewExecutor(0)
		ctx, cancel := context.WithCancel(context.Background())

		stopped := make(chan struct{})
		go func() {
			e.Run(ctx)
			close(stopped)
		}()

		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop after cancellation")
		}
	})

	t.Run("should not strand work queued before close", func(t *testing.T) {
		e := NewExecutor(8)

		// Queue without a running loop, then close; the submitter must not
		// hang on a result that will never come.
		result := make(chan error, 1)
		go func() {
			result <- e.Submit(context.Background(), func() error { return nil })
		}()

		time.Sleep(50 * time.Millisecond)
		e.Close()

		select {
		case err := <-result:
			assert.ErrorIs(t, err, ErrExecutorClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("queued submission never resolved")
		}
	})
}
