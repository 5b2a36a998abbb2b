// Package future implements a one-shot promise and its future.
//
// The promise is the sender side and can be resolved only once: the first
// value wins and later calls report false. The future is the receiver side and
// can be polled, waited on with a context or with a timeout driven by a clock.
package future

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/xerrors"
)

// ErrTimeout is returned when a future did not resolve before the timeout.
var ErrTimeout = xerrors.New("future timed out")

type state[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// Promise is the sender side of a future.
type Promise[T any] struct {
	st *state[T]
}

// Future is the receiver side of a promise.
type Future[T any] struct {
	st *state[T]
}

// New creates a promise and the future it resolves.
func New[T any]() (*Promise[T], *Future[T]) {
	st := &state[T]{done: make(chan struct{})}

	return &Promise[T]{st: st}, &Future[T]{st: st}
}

// Resolved returns a future that is already resolved with the value.
func Resolved[T any](value T) *Future[T] {
	p, f := New[T]()
	p.Resolve(value)

	return f
}

// Resolve sets the value of the future. It returns false if the promise was
// already resolved, in which case the value is dropped.
func (p *Promise[T]) Resolve(value T) bool {
	resolved := false

	p.st.once.Do(func() {
		p.st.value = value
		close(p.st.done)
		resolved = true
	})

	return resolved
}

// Future returns the future associated with the promise.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{st: p.st}
}

// Done returns a channel closed when the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.st.done
}

// Poll returns the value and true if the future is resolved, otherwise it
// returns immediately with false.
func (f *Future[T]) Poll() (T, bool) {
	select {
	case <-f.st.done:
		return f.st.value, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until the future is resolved or the context is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.st.done:
		return f.st.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitFor blocks until the future is resolved, the context is done or the
// timeout expires according to the clock. A zero timeout waits without limit.
func (f *Future[T]) WaitFor(ctx context.Context, clock clockwork.Clock, timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Wait(ctx)
	}

	var zero T

	select {
	case <-f.st.done:
		return f.st.value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-clock.After(timeout):
		// The value might have landed at the same time.
		value, ok := f.Poll()
		if ok {
			return value, nil
		}

		return zero, ErrTimeout
	}
}
