package buildcachex

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInitPanicked is memoized when a Lazy initializer panics.
var ErrInitPanicked = errors.New("buildcachex: lazy initializer panicked")

// Lazy memoizes the result of a one-time initialization, error included.
// Concurrent first callers block until the single initialization finishes.
type Lazy[T any] struct {
	once sync.Once
	init func(ctx context.Context) (T, error)
	val  T
	err  error
	done bool
	mu   sync.Mutex
}

// NewLazy returns a Lazy that will call init at most once.
func NewLazy[T any](init func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{init: init}
}

// Get runs the initializer on first use and returns the memoized result.
// The initializer runs detached from the caller's cancellation.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.once.Do(func() {
		var (
			val T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				val, err = zero, fmt.Errorf("%w: %v", ErrInitPanicked, r)
			}
			l.mu.Lock()
			l.val, l.err, l.done = val, err, true
			l.mu.Unlock()
		}()
		val, err = l.init(context.WithoutCancel(ctx))
	})
	return l.val, l.err
}

// Peek returns the memoized value without triggering initialization.
func (l *Lazy[T]) Peek() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done || l.err != nil {
		var zero T
		return zero, false
	}
	return l.val, true
}
