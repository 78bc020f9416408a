package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/meigma/imageload/core/network"
)

const (
	futureQueued int32 = iota
	futureRunning
	futureDone
	futureCancelled
)

// Future tracks one task submitted to a Pool.
type Future struct {
	state atomic.Int32
	fn    func()
}

// Cancel prevents the task from running. It succeeds only while the task is
// still queued; a started task always runs to completion.
func (f *Future) Cancel() bool {
	return f.state.CompareAndSwap(futureQueued, futureCancelled)
}

// Cancelled reports whether the task was cancelled before it started.
func (f *Future) Cancelled() bool { return f.state.Load() == futureCancelled }

// Started reports whether the task began running.
func (f *Future) Started() bool {
	s := f.state.Load()
	return s == futureRunning || s == futureDone
}

// Done reports whether the task finished running.
func (f *Future) Done() bool { return f.state.Load() == futureDone }

func (f *Future) run() {
	if !f.state.CompareAndSwap(futureQueued, futureRunning) {
		return
	}
	defer f.state.Store(futureDone)
	f.fn()
}

// Pool runs tasks in FIFO order on a resizable set of worker goroutines.
//
// Resize only changes the target worker count. Surplus workers exit once
// they are idle; running tasks are never interrupted.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Future
	size     int
	workers  int
	shutdown bool
	wg       sync.WaitGroup
}

// NewPool starts a pool with size workers. A non-positive size selects
// network.DefaultPoolSize.
func NewPool(size int) *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.Resize(size)
	return p
}

// Submit queues fn and returns its Future.
func (p *Pool) Submit(fn func()) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, ErrPoolShutdown
	}
	f := &Future{fn: fn}
	p.queue = append(p.queue, f)
	p.cond.Signal()
	return f, nil
}

// Resize sets the target worker count. A non-positive size selects
// network.DefaultPoolSize.
func (p *Pool) Resize(size int) {
	if size <= 0 {
		size = network.DefaultPoolSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}
	p.size = size
	for p.workers < p.size {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	p.cond.Broadcast()
}

// Size returns the target worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting tasks and cancels every queued task. Running
// tasks finish normally.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}
	p.shutdown = true
	for _, f := range p.queue {
		f.Cancel()
	}
	p.queue = nil
	p.cond.Broadcast()
}

// IsShutdown reports whether Shutdown was called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Wait blocks until every worker has exited. Call it after Shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		for len(p.queue) == 0 && !p.shutdown && p.workers <= p.size {
			p.cond.Wait()
		}
		if p.shutdown || p.workers > p.size {
			p.workers--
			if len(p.queue) > 0 {
				p.cond.Signal()
			}
			p.mu.Unlock()
			return
		}

		f := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		f.run()

		p.mu.Lock()
	}
}
