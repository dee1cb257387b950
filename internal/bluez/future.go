package bluez

import (
	"context"
	"sync"
)

// Result is the outcome of an asynchronous operation: either Value or Err.
type Result[T any] struct {
	Value T
	Err   error
}

// Future carries the single Result of an asynchronous remote operation.
//
// A Future completes at most once. Callbacks registered with Then run on the
// goroutine that completes the Future (the event loop for every bus-backed
// operation), or immediately on the caller if it has already completed.
type Future[T any] struct {
	mu        sync.Mutex
	completed bool
	result    Result[T]
	callbacks []func(T, error)
	done      chan struct{}
}

// NewFuture returns a pending Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v, nil)
	return f
}

// Failed returns a Future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	var zero T
	f.Complete(zero, err)
	return f
}

// Complete settles the Future. Only the first call has an effect; it reports
// whether this call completed the Future.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.result = Result[T]{Value: v, Err: err}
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Then registers cb to receive the Result.
func (f *Future[T]) Then(cb func(T, error)) {
	if cb == nil {
		return
	}
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	res := f.result
	f.mu.Unlock()
	cb(res.Value, res.Err)
}

// Done is closed once the Future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome and whether the Future has completed.
func (f *Future[T]) Result() (Result[T], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.completed
}

// Wait blocks until the Future completes or ctx is done. It must not be
// called from the event loop, which would deadlock on bus-backed futures.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		res, _ := f.Result()
		return res.Value, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Map transforms a Future's value through fn, producing a new Future. Errors
// pass through without calling fn.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	f.Then(func(v T, err error) {
		if err != nil {
			var zero U
			out.Complete(zero, err)
			return
		}
		out.Complete(fn(v))
	})
	return out
}

// mapErr returns a Future whose error, if any, is replaced by fn(err).
func (f *Future[T]) mapErr(fn func(error) error) *Future[T] {
	out := NewFuture[T]()
	f.Then(func(v T, err error) {
		if err != nil {
			err = fn(err)
		}
		out.Complete(v, err)
	})
	return out
}
