// ABOUTME: Single-value observable cell with wait-until-predicate semantics
// ABOUTME: Broadcasts every change to all current and late waiters

package readiness

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitTimeout when the predicate did not hold in time.
var ErrTimeout = errors.New("readiness: timed out waiting")

// Cell is a concurrency-safe value whose changes are broadcast to waiters.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	changed chan struct{} // closed and replaced on every change
}

// NewCell creates a Cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores v and wakes every waiter.
func (c *Cell[T]) Set(v T) {
	c.Update(func(T) T { return v })
}

// Update applies fn to the current value under the lock, stores the result
// and wakes every waiter. It returns the new value.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	c.value = fn(c.value)
	v := c.value
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return v
}

// snapshot returns the current value and the channel that will be closed on
// the next change, read atomically.
func (c *Cell[T]) snapshot() (T, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.changed
}

// Wait blocks until pred holds for the current value or ctx is done.
// It returns the value that satisfied pred.
func (c *Cell[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		v, changed := c.snapshot()
		if pred(v) {
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// WaitTimeout is Wait bounded by d. It returns ErrTimeout when d elapses
// before pred holds, and the context error if ctx ends first.
func (c *Cell[T]) WaitTimeout(ctx context.Context, d time.Duration, pred func(T) bool) (T, error) {
	waitCtx, cancel := context.WithTimeoutCause(ctx, d, ErrTimeout)
	defer cancel()

	v, err := c.Wait(waitCtx, pred)
	if err != nil && ctx.Err() == nil {
		return v, ErrTimeout
	}
	return v, err
}
