package dispatch

import "sync"

// Executor runs completion fan-out on the caller's designated context.
//
// Execute must not run fn synchronously: fn may call back into the
// dispatcher, which is blocked until Execute returns.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

// Execute calls f(fn).
func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// SerialExecutor runs tasks one at a time in submission order on a
// background goroutine. The zero value is ready to use.
type SerialExecutor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Execute queues fn.
func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.drain()
}

func (e *SerialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}
