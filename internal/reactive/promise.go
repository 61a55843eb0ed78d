package reactive

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by WaitTimeout when the promise is not settled in time
var ErrTimeout = errors.New("reactive: timeout")

// Promise is a one-shot asynchronous result. The first settle wins; later
// attempts are ignored.
type Promise[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	result  Result[T]
}

// NewPromise creates an unsettled promise
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Settle stores r if the promise is not yet settled and reports whether it did
func (p *Promise[T]) Settle(r Result[T]) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.result = r
	close(p.done)
	return true
}

// Complete settles the promise with a value
func (p *Promise[T]) Complete(v T) bool {
	return p.Settle(Value(v))
}

// Fail settles the promise with an error
func (p *Promise[T]) Fail(err error) bool {
	return p.Settle(Failure[T](err))
}

// Done is closed once the promise is settled
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled result, if any
func (p *Promise[T]) Result() (Result[T], bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result[T]{}, false
	}
}

// Wait blocks until the promise is settled or ctx is done
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.result.Unwrap()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks until the promise is settled or timeout elapses
func (p *Promise[T]) WaitTimeout(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.result.Unwrap()
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}
