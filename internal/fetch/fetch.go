// Package fetch runs outbound requests on their own goroutine and hands back
// a handle the caller can join now or later.
package fetch

import (
	"context"
	"fmt"
	"iter"
)

// Future is the pending result of one request.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go starts fn on a new goroutine.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("fetch panicked: %v", r)
			}
		}()
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Join blocks until the request finishes.
func (f *Future[T]) Join() (T, error) {
	<-f.done
	return f.val, f.err
}

// WithResponse joins and passes a successful result to cb.
func (f *Future[T]) WithResponse(cb func(T) error) error {
	v, err := f.Join()
	if err != nil {
		return err
	}
	return cb(v)
}

// Prefetch maps src through load, keeping up to lookahead loads in flight.
// Results keep source order. Stopping the returned sequence cancels the
// loads still pending.
func Prefetch[In, Out any](ctx context.Context, src iter.Seq2[In, error], lookahead int, load func(context.Context, In) (Out, error)) iter.Seq2[Out, error] {
	if lookahead < 1 {
		lookahead = 1
	}
	return func(yield func(Out, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var pending []*Future[Out]
		drain := func(all bool) bool {
			for len(pending) > 0 && (all || len(pending) >= lookahead) {
				f := pending[0]
				pending = pending[1:]
				if !yield(f.Join()) {
					return false
				}
			}
			return true
		}
		for in, err := range src {
			if err != nil {
				if !drain(true) {
					return
				}
				var zero Out
				yield(zero, err)
				return
			}
			pending = append(pending, Go(ctx, func(ctx context.Context) (Out, error) { return load(ctx, in) }))
			if !drain(false) {
				return
			}
		}
		drain(true)
	}
}
