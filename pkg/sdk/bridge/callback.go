package bridge

import (
	"context"
)

// Callback runs fn asynchronously and invokes cb exactly once with its outcome.
// On success err is nil; on failure err is non-nil and value is the zero value.
//
// Callback never blocks the calling goroutine. cb runs on the configured Executor,
// GoroutineExecutor by default, so it must not assume it shares anything with the
// call site. If ctx is done before fn returns, cb receives ctx's error and the late
// outcome of fn is discarded.
func Callback[T any](ctx context.Context, fn Func[T], cb func(value T, err error), optFns ...CallbackOption) *Call[T] {
	opts := CallbackOptions{}
	for _, f := range optFns {
		f(&opts)
	}
	if opts.Executor == nil {
		opts.Executor = GoroutineExecutor
	}

	c := Go(ctx, fn)
	// Dispatch from a fresh goroutine: a saturated executor must not stall whoever
	// resolves the call, Cancel and Await included.
	c.onResolve(func(res Result[T]) {
		go opts.Executor.Execute(func() {
			cb(res.Value, res.Err)
		})
	})

	go func() {
		select {
		case <-c.Done():
		case <-ctx.Done():
			c.cancel()
			c.resolve(Result[T]{Err: ctx.Err()})
		}
	}()

	return c
}

// CallbackOptions configures Callback.
type CallbackOptions struct {
	Executor Executor
}

// CallbackOption mutates CallbackOptions.
type CallbackOption func(*CallbackOptions)

// WithExecutor selects where the callback runs.
func WithExecutor(e Executor) CallbackOption {
	return func(opts *CallbackOptions) {
		opts.Executor = e
	}
}
