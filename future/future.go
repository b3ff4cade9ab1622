// Package future provides a single-assignment result slot shared between the goroutine
// that produces a value and any number of goroutines waiting for it.
package future

import (
	"context"
	"sync"
)

// Future is resolved or rejected at most once; later attempts are ignored.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already rejected with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles f with v. It reports whether this call settled the future.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles f with err. It reports whether this call settled the future.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends. Giving up on the wait does not
// affect the future itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future settles.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Then returns a future settled with fn applied to f's value, or with f's error.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	go func() {
		v, err := f.Get()
		if err != nil {
			next.Reject(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			next.Reject(err)
			return
		}
		next.Resolve(u)
	}()
	return next
}
