package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/core/transform"
)

// State is a Hunter's lifecycle stage.
type State int32

const (
	// StateCreated means the hunter is registered but not queued. Hunters
	// parked for replay return to this state.
	StateCreated State = iota
	// StateQueued means the hunter waits for a worker.
	StateQueued
	// StateRunning means a worker is executing the hunt.
	StateRunning
	// StateSucceeded is terminal.
	StateSucceeded
	// StateFailed is terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Hunter is the unit of work for one cache key. It runs a single handler
// invocation and reports the outcome for every attached Action.
//
// The attached actions are owned by the dispatcher loop. Actions and the
// outcome accessors are safe to call once the hunter has been delivered.
type Hunter struct {
	d         *Dispatcher
	id        uint64
	req       *request.Request
	key       string
	skipCache bool
	handler   handler.Handler
	ctx       context.Context
	cancel    context.CancelFunc

	// Owned by the dispatcher loop.
	action  *Action
	actions []*Action
	retries int
	future  *Future

	state     atomic.Int32
	cancelled atomic.Bool

	// Written by run before each report.
	result *artifact.Artifact
	from   artifact.Provenance
	err    error
}

func newHunter(d *Dispatcher, id uint64, a *Action) *Hunter {
	h := handler.Select(d.handlers, a.Request())
	ctx, cancel := context.WithCancel(d.ctx)
	return &Hunter{
		d:         d,
		id:        id,
		req:       a.Request(),
		key:       a.Key(),
		skipCache: a.SkipCache(),
		handler:   h,
		ctx:       ctx,
		cancel:    cancel,
		action:    a,
		retries:   h.RetryCount(),
	}
}

// Key returns the cache key this hunter serves.
func (h *Hunter) Key() string { return h.key }

// Request returns the request of the action that created the hunter.
func (h *Hunter) Request() *request.Request { return h.req }

// State returns the current lifecycle stage.
func (h *Hunter) State() State { return State(h.state.Load()) }

// Action returns the primary action, or nil if it was detached.
func (h *Hunter) Action() *Action { return h.action }

// Actions returns the primary action followed by every additional action.
func (h *Hunter) Actions() []*Action {
	out := make([]*Action, 0, len(h.actions)+1)
	if h.action != nil {
		out = append(out, h.action)
	}
	return append(out, h.actions...)
}

// Result returns the produced artifact, or nil on failure.
func (h *Hunter) Result() *artifact.Artifact { return h.result }

// Provenance returns where the result came from.
func (h *Hunter) Provenance() artifact.Provenance { return h.from }

// Err returns the failure, or nil on success.
func (h *Hunter) Err() error { return h.err }

func (h *Hunter) attach(a *Action) {
	if h.action == nil {
		h.action = a
		return
	}
	h.actions = append(h.actions, a)
}

func (h *Hunter) detach(a *Action) {
	if h.action == a {
		h.action = nil
		return
	}
	h.actions = slices.DeleteFunc(h.actions, func(x *Action) bool { return x == a })
}

// isCancelled reports whether nobody is waiting on the hunter any more.
func (h *Hunter) isCancelled() bool {
	if h.cancelled.Load() {
		return true
	}
	if h.action != nil && !h.action.Cancelled() {
		return false
	}
	for _, a := range h.actions {
		if !a.Cancelled() {
			return false
		}
	}
	return true
}

// tryCancel tears the hunter down when no actions remain. A queued hunt is
// removed from the pool; a running hunt is interrupted through its context.
func (h *Hunter) tryCancel() bool {
	if h.action != nil || len(h.actions) > 0 {
		return false
	}
	switch h.State() {
	case StateSucceeded, StateFailed:
		return false
	}
	if h.future != nil {
		h.future.Cancel()
	}
	h.cancelled.Store(true)
	h.cancel()
	return true
}

// shouldRetry consumes one unit of the handler's retry budget.
func (h *Hunter) shouldRetry(airplaneMode bool, info network.Info) bool {
	if h.retries <= 0 {
		return false
	}
	h.retries--
	return h.handler.ShouldRetry(airplaneMode, info)
}

func (h *Hunter) finish(s State) {
	h.state.Store(int32(s))
	h.cancel()
}

// discard releases a result that will never be delivered or cached.
func (h *Hunter) discard() {
	if h.result != nil && h.from != artifact.Memory {
		h.result.Release()
	}
}

func (h *Hunter) run() {
	h.state.Store(int32(StateRunning))

	start := time.Now()
	h.result, h.from, h.err = h.hunt()
	h.d.observer.HuntFinished(h.key, h.from, time.Since(start), h.err)

	switch {
	case h.err == nil:
		h.d.reportComplete(h)
	case handler.IsTransient(h.err) && h.ctx.Err() == nil:
		h.d.reportRetry(h)
	default:
		h.d.reportFailed(h)
	}
}

func (h *Hunter) hunt() (art *artifact.Artifact, from artifact.Provenance, err error) {
	if !h.skipCache {
		if cached, ok := h.d.cache.Get(h.key); ok {
			return cached, artifact.Memory, nil
		}
	}
	if h.ctx.Err() != nil {
		return nil, 0, h.ctx.Err()
	}

	defer func() {
		if r := recover(); r != nil {
			art, err = nil, fmt.Errorf("dispatch: handler panicked: %v", r)
		}
	}()

	res, err := h.handler.Load(h.ctx, h.req)
	if err != nil {
		return nil, 0, err
	}
	if res == nil || res.Artifact == nil {
		return nil, 0, fmt.Errorf("%w: handler returned no artifact", handler.ErrDecode)
	}
	if !transform.NeedsTransform(h.req, res) {
		return res.Artifact, res.From, nil
	}

	out, err := transform.Apply(h.req, res)
	if err != nil {
		return nil, 0, err
	}
	return out, res.From, nil
}

// deliver fans the outcome out to every live action.
func (h *Hunter) deliver() {
	for _, a := range h.Actions() {
		if a.Cancelled() {
			continue
		}
		if h.err != nil {
			a.Fail(h.err)
			continue
		}
		a.Complete(h.result, h.from)
	}
}

// Deliver fans each hunter's outcome out to its live actions, in order. It
// is the default delivery sink.
func Deliver(hunters []*Hunter) {
	for _, h := range hunters {
		h.deliver()
	}
}
