// Package opctx correlates in-flight operations with their completions.
package opctx

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAlreadyCompleted = errors.New("operation context already completed")
	ErrNotFound         = errors.New("operation context not found")
	ErrExists           = errors.New("operation context already registered")
)

// Ctx is a one-shot result cell. It starts running and completes exactly
// once; any number of goroutines may wait on it.
type Ctx[T any] struct {
	mu     sync.Mutex
	done   chan struct{}
	result T
}

// New returns a pending context.
func New[T any]() *Ctx[T] {
	return &Ctx[T]{done: make(chan struct{})}
}

// SetResult completes the context. A second call returns ErrAlreadyCompleted
// and leaves the first result in place.
func (c *Ctx[T]) SetResult(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrAlreadyCompleted
	default:
	}
	c.result = v
	close(c.done)
	return nil
}

// Wait blocks until the context completes or ctx is done.
func (c *Ctx[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed on completion.
func (c *Ctx[T]) Done() <-chan struct{} { return c.done }

// Result returns the result without blocking.
func (c *Ctx[T]) Result() (T, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		var zero T
		return zero, false
	}
}
