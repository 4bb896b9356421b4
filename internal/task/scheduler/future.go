package scheduler

import (
	"context"
	"sync"
)

// Future is the result handle of a one-shot timer. It resolves exactly once:
// with the job's return values, the job's panic as an error, ErrOverdue, the
// worker pool's rejection error, or ErrClosed.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future resolves.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// bindOnce boxes fn into an untyped unit whose completion resolves the
// returned future. With retries the value of the last attempt wins.
func bindOnce[T any](fn func(ctx context.Context) (T, error)) (unit, *Future[T]) {
	fut := newFuture[T]()
	var (
		mu  sync.Mutex
		val T
	)
	u := unit{
		run: func(ctx context.Context) error {
			v, err := fn(ctx)
			mu.Lock()
			val = v
			mu.Unlock()
			return err
		},
		done: func(err error) {
			mu.Lock()
			v := val
			mu.Unlock()
			fut.resolve(v, err)
		},
	}
	return u, fut
}
