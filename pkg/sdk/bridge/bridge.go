// Package bridge adapts asynchronous, single-shot operations to callers that either
// want to block for the outcome or be notified through a callback.
//
// An operation is any func(context.Context) (T, error), typically a Connect client
// call. Go starts it; the returned *Call is resolved exactly once, by the operation
// returning, by a recovered panic, or by cancellation.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Result is the outcome of an operation: Err is nil on success.
type Result[T any] struct {
	Value T
	Err   error
}

// Func is an asynchronous operation. It should return promptly once ctx is done.
type Func[T any] func(ctx context.Context) (T, error)

// PanicError is delivered when an operation panics instead of returning.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// Call is a handle on a running operation.
type Call[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	resolved atomic.Bool
	result   Result[T]

	mu        sync.Mutex
	callbacks []func(Result[T])
}

// Go starts fn on its own goroutine with a context derived from ctx and returns
// immediately.
func Go[T any](ctx context.Context, fn Func[T]) *Call[T] {
	ctx, cancel := context.WithCancel(ctx)
	c := &Call[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer cancel()
		c.resolve(run(ctx, fn))
	}()

	return c
}

func run[T any](ctx context.Context, fn Func[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: &PanicError{Value: r}}
		}
	}()
	value, err := fn(ctx)
	if err != nil {
		return Result[T]{Err: err}
	}
	return Result[T]{Value: value}
}

// resolve records the first outcome and runs registered callbacks. Later outcomes are
// dropped. It reports whether this call won.
func (c *Call[T]) resolve(res Result[T]) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}

	c.mu.Lock()
	c.result = res
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(res)
	}
	return true
}

// onResolve registers cb to run once with the outcome. If the call is already resolved
// cb runs immediately on the calling goroutine.
func (c *Call[T]) onResolve(cb func(Result[T])) {
	c.mu.Lock()
	select {
	case <-c.done:
		res := c.result
		c.mu.Unlock()
		cb(res)
	default:
		c.callbacks = append(c.callbacks, cb)
		c.mu.Unlock()
	}
}

// Done is closed once the call is resolved.
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome and true once the call is resolved.
func (c *Call[T]) Result() (Result[T], bool) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, true
	default:
		return Result[T]{}, false
	}
}

// Cancel cancels the operation's context. The call resolves with context.Canceled
// unless the operation has already finished.
func (c *Call[T]) Cancel() {
	c.cancel()
	c.resolve(Result[T]{Err: context.Canceled})
}

// Await blocks until the call resolves or ctx is done. In the latter case the
// operation is cancelled and ctx's error is returned.
func (c *Call[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.cancel()
		c.resolve(Result[T]{Err: ctx.Err()})
	}

	// A concurrent resolve may have won; it closes done right after recording.
	<-c.done
	res, _ := c.Result()
	return res.Value, res.Err
}

// Block runs fn and waits for its outcome. It is the synchronous form of Go(ctx, fn).
func Block[T any](ctx context.Context, fn Func[T]) (T, error) {
	return Go(ctx, fn).Await(ctx)
}
