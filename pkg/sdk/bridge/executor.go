package bridge

import (
	"github.com/sourcegraph/conc/pool"
)

// Executor decides where a callback runs.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(task func())

// Execute calls f(task).
func (f ExecutorFunc) Execute(task func()) {
	f(task)
}

// GoroutineExecutor runs every task on a new goroutine.
var GoroutineExecutor Executor = ExecutorFunc(func(task func()) {
	go task()
})

// PoolExecutor runs tasks on a bounded set of goroutines. When all workers are busy
// Execute waits for one to free up.
type PoolExecutor struct {
	p *pool.Pool
}

// NewPoolExecutor returns an executor running at most maxWorkers tasks at once.
func NewPoolExecutor(maxWorkers int) *PoolExecutor {
	p := pool.New()
	if maxWorkers > 0 {
		p = p.WithMaxGoroutines(maxWorkers)
	}
	return &PoolExecutor{p: p}
}

// Execute schedules task on the pool.
func (e *PoolExecutor) Execute(task func()) {
	e.p.Go(task)
}

// Wait blocks until all scheduled tasks have finished. The executor must not be
// used afterwards.
func (e *PoolExecutor) Wait() {
	e.p.Wait()
}
