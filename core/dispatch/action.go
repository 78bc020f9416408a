package dispatch

import (
	"sync/atomic"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/request"
)

// Action is one caller's interest in a request.
//
// An Action reaches at most one terminal outcome: Complete or Fail, never
// both and never twice. Cancel only marks the action; a cancelled action is
// skipped when outcomes are delivered.
type Action struct {
	req       *request.Request
	key       string
	target    any
	skipCache bool

	onLoaded  func(*artifact.Artifact, artifact.Provenance)
	onFailed  func(error)
	onSuccess func()
	onFailure func(error)
	onFinish  func()

	cancelled atomic.Bool
	finished  atomic.Bool
}

// ActionOption configures an Action.
type ActionOption func(*Action)

// WithTarget associates the action with a caller-defined target identity.
func WithTarget(target any) ActionOption {
	return func(a *Action) {
		a.target = target
	}
}

// WithSkipCache bypasses the memory cache for both lookup and write-back.
func WithSkipCache() ActionOption {
	return func(a *Action) {
		a.skipCache = true
	}
}

// WithOnLoaded sets the caller-visible delivery for a successful load.
func WithOnLoaded(fn func(*artifact.Artifact, artifact.Provenance)) ActionOption {
	return func(a *Action) {
		a.onLoaded = fn
	}
}

// WithOnFailed sets the caller-visible delivery for a failed load.
func WithOnFailed(fn func(error)) ActionOption {
	return func(a *Action) {
		a.onFailed = fn
	}
}

// WithOnSuccess sets a callback run after the loaded delivery.
func WithOnSuccess(fn func()) ActionOption {
	return func(a *Action) {
		a.onSuccess = fn
	}
}

// WithOnFailure sets a callback run after the failed delivery.
func WithOnFailure(fn func(error)) ActionOption {
	return func(a *Action) {
		a.onFailure = fn
	}
}

// WithOnFinish sets a callback run last on either outcome.
func WithOnFinish(fn func()) ActionOption {
	return func(a *Action) {
		a.onFinish = fn
	}
}

// NewAction creates an action for req identified by key.
func NewAction(req *request.Request, key string, opts ...ActionOption) *Action {
	a := &Action{req: req, key: key}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Complete delivers a loaded artifact: onLoaded, then onSuccess, then onFinish.
func (a *Action) Complete(art *artifact.Artifact, from artifact.Provenance) {
	if !a.finished.CompareAndSwap(false, true) {
		return
	}
	if a.onLoaded != nil {
		a.onLoaded(art, from)
	}
	if a.onSuccess != nil {
		a.onSuccess()
	}
	if a.onFinish != nil {
		a.onFinish()
	}
}

// Fail delivers a failure: onFailed, then onFailure, then onFinish.
func (a *Action) Fail(err error) {
	if !a.finished.CompareAndSwap(false, true) {
		return
	}
	if a.onFailed != nil {
		a.onFailed(err)
	}
	if a.onFailure != nil {
		a.onFailure(err)
	}
	if a.onFinish != nil {
		a.onFinish()
	}
}

// Cancel marks the action cancelled. It reports whether this call did so.
func (a *Action) Cancel() bool {
	return a.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether Cancel was called.
func (a *Action) Cancelled() bool { return a.cancelled.Load() }

// Finished reports whether Complete or Fail ran.
func (a *Action) Finished() bool { return a.finished.Load() }

// Key returns the cache key.
func (a *Action) Key() string { return a.key }

// Request returns the request.
func (a *Action) Request() *request.Request { return a.req }

// Target returns the target identity, or nil.
func (a *Action) Target() any { return a.target }

// SkipCache reports whether the memory cache is bypassed.
func (a *Action) SkipCache() bool { return a.skipCache }
