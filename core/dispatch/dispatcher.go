package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/cache"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/transform"
)

// DefaultBatchDelay is how long completions accumulate before delivery.
const DefaultBatchDelay = 200 * time.Millisecond

// Observer receives dispatcher events. Implementations must be safe for
// concurrent use; HuntFinished is called from worker goroutines.
type Observer interface {
	HuntFinished(key string, from artifact.Provenance, d time.Duration, err error)
	Retried(key string)
	Coalesced(key string)
	BatchFlushed(n int)
}

type nopObserver struct{}

func (nopObserver) HuntFinished(string, artifact.Provenance, time.Duration, error) {}
func (nopObserver) Retried(string)                                                 {}
func (nopObserver) Coalesced(string)                                               {}
func (nopObserver) BatchFlushed(int)                                               {}

// Dispatcher coalesces actions into hunters and sequences their outcomes.
type Dispatcher struct {
	handlers   []handler.Handler
	cache      cache.Cache
	pool       *Pool
	exec       Executor
	deliver    func([]*Hunter)
	logger     *slog.Logger
	observer   Observer
	batchDelay time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// Owned by the loop goroutine.
	hunters  map[string]*Hunter
	parked   []*Hunter
	batch    []*Hunter
	timer    *time.Timer
	network  network.Info
	airplane bool
	nextID   uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchDelay sets the completion batching window.
func WithBatchDelay(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.batchDelay = d
		}
	}
}

// WithExecutor sets where completion batches are delivered.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.exec = e
		}
	}
}

// WithDeliver replaces the default fan-out, Deliver. The function runs on
// the executor with each flushed batch in enqueue order.
func WithDeliver(fn func([]*Hunter)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.deliver = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithNetworkInfo sets the initial connectivity. It also sizes a pool the
// dispatcher creates itself.
func WithNetworkInfo(info network.Info) Option {
	return func(d *Dispatcher) {
		d.network = info
	}
}

// WithAirplaneMode sets the initial airplane mode flag.
func WithAirplaneMode(on bool) Option {
	return func(d *Dispatcher) {
		d.airplane = on
	}
}

// WithPool runs hunters on p instead of a pool sized from the network info.
// The dispatcher shuts p down when it shuts down.
func WithPool(p *Pool) Option {
	return func(d *Dispatcher) {
		d.pool = p
	}
}

// WithObserver registers an observer for dispatcher events.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// New starts a dispatcher that resolves actions with the first matching
// handler and writes successful results to c.
func New(c cache.Cache, handlers []handler.Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:   slices.Clone(handlers),
		cache:      c,
		exec:       &SerialExecutor{},
		deliver:    Deliver,
		observer:   nopObserver{},
		batchDelay: DefaultBatchDelay,
		mailbox:    make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		hunters:    make(map[string]*Hunter),
		network:    network.Connected(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = NewPool(network.PoolSize(d.network))
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	go d.loop()
	return d
}

func (d *Dispatcher) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// Submit hands a to the dispatcher. It attaches to an in-flight hunter for
// the same key or starts a new one.
func (d *Dispatcher) Submit(a *Action) error {
	if !d.send(func() { d.performSubmit(a) }) {
		return ErrShutdown
	}
	return nil
}

// Cancel marks a cancelled and withdraws it from its hunter. The hunter is
// torn down only if no other action is waiting on it.
func (d *Dispatcher) Cancel(a *Action) {
	a.Cancel()
	d.send(func() { d.performCancel(a) })
}

// NetworkStateChanged records new connectivity, resizes the pool and
// resumes hunters parked while offline.
func (d *Dispatcher) NetworkStateChanged(info network.Info) {
	d.send(func() { d.performNetworkStateChange(info) })
}

// AirplaneModeChanged records the airplane mode flag.
func (d *Dispatcher) AirplaneModeChanged(on bool) {
	d.send(func() {
		d.airplane = on
		d.log().Debug("airplane mode changed", "enabled", on)
	})
}

// InFlight returns the number of registered hunters.
func (d *Dispatcher) InFlight() int {
	reply := make(chan int, 1)
	if !d.send(func() { reply <- len(d.hunters) }) {
		return 0
	}
	return <-reply
}

// PoolSize returns the current worker target.
func (d *Dispatcher) PoolSize() int {
	return d.pool.Size()
}

// Shutdown stops the pool and the dispatcher loop. Queued hunts are
// cancelled, running hunts see their context cancelled, and pending
// deliveries are dropped. Later calls are no-ops.
func (d *Dispatcher) Shutdown() {
	d.once.Do(func() {
		close(d.done)
		d.cancel()
		d.pool.Shutdown()
		<-d.stopped
		d.log().Debug("dispatcher shut down")
	})
}

// IsShutdown reports whether Shutdown was called.
func (d *Dispatcher) IsShutdown() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// send hands fn to the loop. It returns false without blocking once the
// dispatcher is shut down.
func (d *Dispatcher) send(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.mailbox <- fn:
		return true
	case <-d.done:
		return false
	}
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			if d.timer != nil {
				d.timer.Stop()
			}
			return
		case fn := <-d.mailbox:
			fn()
		}
	}
}

func (d *Dispatcher) reportComplete(h *Hunter) {
	if !d.send(func() { d.performComplete(h) }) {
		h.discard()
	}
}

func (d *Dispatcher) reportFailed(h *Hunter) {
	d.send(func() { d.performFailed(h) })
}

func (d *Dispatcher) reportRetry(h *Hunter) {
	d.send(func() { d.performRetry(h) })
}

func (d *Dispatcher) performSubmit(a *Action) {
	if a.Cancelled() {
		return
	}
	if h, ok := d.hunters[a.Key()]; ok {
		h.attach(a)
		d.observer.Coalesced(a.Key())
		d.log().Debug("attached to in-flight hunt", "hunter", h.id, "key", a.Key())
		return
	}

	d.nextID++
	h := newHunter(d, d.nextID, a)
	d.hunters[h.key] = h
	d.log().Debug("hunt created", "hunter", h.id, "request", h.req.String())

	if err := d.start(h); err != nil {
		h.err = err
		d.performFailed(h)
	}
}

func (d *Dispatcher) start(h *Hunter) error {
	h.state.Store(int32(StateQueued))
	f, err := d.pool.Submit(h.run)
	if err != nil {
		return err
	}
	h.future = f
	return nil
}

func (d *Dispatcher) performCancel(a *Action) {
	h, ok := d.hunters[a.Key()]
	if !ok {
		return
	}
	h.detach(a)
	if h.tryCancel() {
		delete(d.hunters, h.key)
		d.log().Debug("hunt cancelled", "hunter", h.id, "key", h.key)
	}
}

func (d *Dispatcher) performComplete(h *Hunter) {
	registered := d.unregister(h)

	// A memory hit is already owned by the cache, and may have been evicted
	// and released since the worker read it.
	cached := h.from == artifact.Memory
	if !h.skipCache && !cached {
		if err := d.cache.Set(h.key, h.result); err != nil {
			d.log().Warn("cache write failed", "key", h.key, "error", err)
		} else {
			cached = true
		}
	}

	if !registered || h.isCancelled() {
		if !cached {
			h.discard()
		}
		h.cancel()
		d.log().Debug("dropping result of cancelled hunt", "hunter", h.id)
		return
	}

	h.finish(StateSucceeded)
	d.log().Debug("hunt succeeded", "hunter", h.id, "from", h.from.String())
	d.enqueue(h)
}

func (d *Dispatcher) performFailed(h *Hunter) {
	registered := d.unregister(h)
	if !registered || h.isCancelled() {
		h.cancel()
		d.log().Debug("dropping failure of cancelled hunt", "hunter", h.id, "error", h.err)
		return
	}

	if errors.Is(h.err, transform.ErrContractViolation) {
		d.log().Error("transformation broke its contract", "request", h.req.String(), "error", h.err)
	} else {
		d.log().Info("hunt failed", "request", h.req.String(), "error", h.err)
	}
	h.finish(StateFailed)
	d.enqueue(h)
}

func (d *Dispatcher) performRetry(h *Hunter) {
	if d.hunters[h.key] != h || h.isCancelled() {
		d.unregister(h)
		h.cancel()
		return
	}
	if d.pool.IsShutdown() {
		d.performFailed(h)
		return
	}
	if !h.shouldRetry(d.airplane, d.network) {
		d.performFailed(h)
		return
	}

	if !d.network.Connected {
		if h.handler.SupportsReplay() {
			h.state.Store(int32(StateCreated))
			d.parked = append(d.parked, h)
			d.log().Info("hunt parked until connectivity returns", "hunter", h.id, "error", h.err)
			return
		}
		d.performFailed(h)
		return
	}

	d.observer.Retried(h.key)
	d.log().Debug("retrying hunt", "hunter", h.id, "remaining", h.retries, "error", h.err)
	if err := d.start(h); err != nil {
		h.err = err
		d.performFailed(h)
	}
}

func (d *Dispatcher) performNetworkStateChange(info network.Info) {
	d.network = info
	size := network.PoolSize(info)
	d.pool.Resize(size)
	d.log().Info("network state changed", "connected", info.Connected, "class", info.Class.String(), "workers", size)

	if !info.Connected || len(d.parked) == 0 {
		return
	}
	parked := d.parked
	d.parked = nil
	for _, h := range parked {
		if d.hunters[h.key] != h || h.isCancelled() {
			d.unregister(h)
			h.cancel()
			continue
		}
		d.observer.Retried(h.key)
		if err := d.start(h); err != nil {
			h.err = err
			d.performFailed(h)
		}
	}
}

// unregister removes h from the registry if it is still the hunter for its key.
func (d *Dispatcher) unregister(h *Hunter) bool {
	if d.hunters[h.key] != h {
		return false
	}
	delete(d.hunters, h.key)
	return true
}

func (d *Dispatcher) enqueue(h *Hunter) {
	d.batch = append(d.batch, h)
	if len(d.batch) == 1 {
		d.timer = time.AfterFunc(d.batchDelay, func() { d.send(d.flush) })
	}
}

func (d *Dispatcher) flush() {
	d.timer = nil
	if len(d.batch) == 0 {
		return
	}
	batch := d.batch
	d.batch = nil

	d.observer.BatchFlushed(len(batch))
	d.log().Debug("delivering batch", "size", len(batch))
	d.exec.Execute(func() { d.deliver(batch) })
}
