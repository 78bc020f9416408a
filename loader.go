package imageload

import (
	"context"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/cache"
	"github.com/meigma/imageload/core/dispatch"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/handler/content"
	"github.com/meigma/imageload/handler/file"
	imghttp "github.com/meigma/imageload/handler/http"
	"github.com/meigma/imageload/handler/oci"
	"github.com/meigma/imageload/handler/resource"
	"github.com/meigma/imageload/internal/metrics"
)

// Target receives the outcome of a load. Targets are used as map keys and
// must be comparable; pointer types are.
type Target interface {
	OnLoaded(a *artifact.Artifact, from artifact.Provenance)
	OnFailed(err error)
}

// TargetFuncs adapts a pair of functions to Target. Nil fields are skipped.
type TargetFuncs struct {
	Loaded func(a *artifact.Artifact, from artifact.Provenance)
	Failed func(err error)
}

// OnLoaded implements Target.
func (t *TargetFuncs) OnLoaded(a *artifact.Artifact, from artifact.Provenance) {
	if t.Loaded != nil {
		t.Loaded(a, from)
	}
}

// OnFailed implements Target.
func (t *TargetFuncs) OnFailed(err error) {
	if t.Failed != nil {
		t.Failed(err)
	}
}

// Listener observes every failed load, once per load rather than once per
// target.
type Listener interface {
	LoadFailed(req *request.Request, err error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(req *request.Request, err error)

// LoadFailed implements Listener.
func (f ListenerFunc) LoadFailed(req *request.Request, err error) { f(req, err) }

// RequestTransformer rewrites a request before it is keyed, for example to
// point at a CDN or append size hints.
type RequestTransformer func(req *request.Request) *request.Request

// LoadOption configures a single load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	skipCache bool
}

// SkipMemoryCache bypasses the memory cache for both lookup and write-back.
func SkipMemoryCache() LoadOption {
	return func(c *loadConfig) {
		c.skipCache = true
	}
}

// Loader loads images into targets. It is safe for concurrent use.
type Loader struct {
	cache      cache.Cache
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	done       chan struct{}
	once       sync.Once

	// Configuration captured by options.
	cacheSize    int
	extra        []handler.Handler
	resources    fs.FS
	fs           afero.Fs
	httpOpts     []imghttp.Option
	s3           handler.Handler
	ociOpts      []oci.Option
	logger       *slog.Logger
	listener     Listener
	transformer  RequestTransformer
	dispatchOpts []dispatch.Option

	mu      sync.Mutex
	targets map[Target]*binding
}

// binding links a target to its current action.
type binding struct {
	action *dispatch.Action
	stop   func() bool
}

// New creates a Loader with the given options.
func New(opts ...Option) (*Loader, error) {
	l := &Loader{
		cacheSize: DefaultMemoryCacheSize,
		fs:        afero.NewOsFs(),
		metrics:   metrics.NewCollector(),
		done:      make(chan struct{}),
		targets:   make(map[Target]*binding),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	if l.cache == nil {
		c, err := cache.NewMemory(l.cacheSize)
		if err != nil {
			return nil, err
		}
		l.cache = c
	}

	dopts := append([]dispatch.Option{
		dispatch.WithLogger(l.logger),
		dispatch.WithObserver(l.metrics),
		dispatch.WithDeliver(l.deliver),
	}, l.dispatchOpts...)
	l.dispatcher = dispatch.New(l.cache, l.handlers(), dopts...)
	return l, nil
}

// handlers returns the handler chain in priority order.
func (l *Loader) handlers() []handler.Handler {
	var hs []handler.Handler
	if l.resources != nil {
		hs = append(hs, resource.New(l.resources))
	}
	hs = append(hs, content.New())
	hs = append(hs, l.extra...)
	hs = append(hs, file.New(file.WithFs(l.fs)))
	if l.s3 != nil {
		hs = append(hs, l.s3)
	}
	hs = append(hs, oci.New(l.ociOpts...))
	httpOpts := append([]imghttp.Option{imghttp.WithLogger(l.logger)}, l.httpOpts...)
	hs = append(hs, imghttp.New(httpOpts...))
	return hs
}

func (l *Loader) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// Into loads req into target. A memory cache hit is delivered before Into
// returns; otherwise the outcome arrives later on the executor. Any earlier
// load bound to target is cancelled, and cancelling ctx cancels this one.
func (l *Loader) Into(ctx context.Context, req *request.Request, target Target, opts ...LoadOption) error {
	if l.IsShutdown() {
		return ErrShutdown
	}
	req, err := l.transform(req)
	if err != nil {
		return err
	}
	cfg := loadOptions(opts)
	key := request.Key(req)

	if !cfg.skipCache {
		if art, ok := l.cache.Get(key); ok {
			l.release(l.take(target))
			l.metrics.CacheHit()
			target.OnLoaded(art, artifact.Memory)
			return nil
		}
	}
	l.metrics.CacheMiss()

	b := &binding{}
	aopts := []dispatch.ActionOption{
		dispatch.WithTarget(target),
		dispatch.WithOnLoaded(target.OnLoaded),
		dispatch.WithOnFailed(target.OnFailed),
		dispatch.WithOnFinish(func() { l.unbind(target, b) }),
	}
	if cfg.skipCache {
		aopts = append(aopts, dispatch.WithSkipCache())
	}
	b.action = dispatch.NewAction(req, key, aopts...)

	// Concurrent calls for one target each cancel the binding they replace.
	l.mu.Lock()
	prev := l.targets[target]
	l.targets[target] = b
	b.stop = context.AfterFunc(ctx, func() { l.cancelBinding(target, b) })
	l.mu.Unlock()
	l.release(prev)

	if err := l.dispatcher.Submit(b.action); err != nil {
		l.unbind(target, b)
		return err
	}
	return nil
}

// Get loads req and waits for the outcome. Cancelling ctx cancels the load.
func (l *Loader) Get(ctx context.Context, req *request.Request, opts ...LoadOption) (*artifact.Artifact, artifact.Provenance, error) {
	type outcome struct {
		art  *artifact.Artifact
		from artifact.Provenance
		err  error
	}
	ch := make(chan outcome, 1)
	target := &TargetFuncs{
		Loaded: func(a *artifact.Artifact, from artifact.Provenance) { ch <- outcome{art: a, from: from} },
		Failed: func(err error) { ch <- outcome{err: err} },
	}
	if err := l.Into(ctx, req, target, opts...); err != nil {
		return nil, 0, err
	}

	select {
	case o := <-ch:
		return o.art, o.from, o.err
	case <-ctx.Done():
		l.Cancel(target)
		return nil, 0, ctx.Err()
	case <-l.done:
		return nil, 0, ErrShutdown
	}
}

// Fetch warms the cache with req without delivering it anywhere. It returns
// once the load is queued; cancelling ctx cancels the load.
func (l *Loader) Fetch(ctx context.Context, req *request.Request) error {
	if l.IsShutdown() {
		return ErrShutdown
	}
	req, err := l.transform(req)
	if err != nil {
		return err
	}
	key := request.Key(req)
	if _, ok := l.cache.Get(key); ok {
		l.metrics.CacheHit()
		return nil
	}
	l.metrics.CacheMiss()

	var stop func() bool
	a := dispatch.NewAction(req, key, dispatch.WithOnFinish(func() { stop() }))
	stop = context.AfterFunc(ctx, func() { l.dispatcher.Cancel(a) })
	if err := l.dispatcher.Submit(a); err != nil {
		stop()
		return err
	}
	return nil
}

// Cancel cancels the load bound to target, if any. The target receives no
// further callbacks for it.
func (l *Loader) Cancel(target Target) {
	l.release(l.take(target))
}

// take unbinds target and returns its binding, if any.
func (l *Loader) take(target Target) *binding {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.targets[target]
	delete(l.targets, target)
	return b
}

// release cancels a binding taken out of the map.
func (l *Loader) release(b *binding) {
	if b == nil {
		return
	}
	b.stop()
	l.dispatcher.Cancel(b.action)
}

// cancelBinding cancels b if it is still target's current load.
func (l *Loader) cancelBinding(target Target, b *binding) {
	l.mu.Lock()
	current := l.targets[target] == b
	if current {
		delete(l.targets, target)
	}
	l.mu.Unlock()
	if current {
		l.dispatcher.Cancel(b.action)
	}
}

// unbind forgets b once its action finished.
func (l *Loader) unbind(target Target, b *binding) {
	l.mu.Lock()
	if l.targets[target] == b {
		delete(l.targets, target)
	}
	l.mu.Unlock()
	b.stop()
}

// Invalidate removes every cached variant of src from the memory cache.
// It is a no-op for caches that cannot enumerate their keys.
func (l *Loader) Invalidate(src request.Source) error {
	type enumerable interface {
		Keys() []string
		Remove(key string) bool
	}
	c, ok := l.cache.(enumerable)
	if !ok {
		return nil
	}
	req, err := request.New(src)
	if err != nil {
		return err
	}
	base := request.Key(req)
	for _, k := range c.Keys() {
		if k == base || strings.HasPrefix(k, base+"\n") {
			c.Remove(k)
		}
	}
	return nil
}

// QuickCacheCheck returns the cached artifact for key without loading.
func (l *Loader) QuickCacheCheck(key string) (*artifact.Artifact, bool) {
	art, ok := l.cache.Get(key)
	if ok {
		l.metrics.CacheHit()
	} else {
		l.metrics.CacheMiss()
	}
	return art, ok
}

// NetworkStateChanged reports new connectivity. The worker pool is resized
// and loads waiting for connectivity resume.
func (l *Loader) NetworkStateChanged(info network.Info) {
	l.dispatcher.NetworkStateChanged(info)
}

// AirplaneModeChanged reports the airplane mode flag.
func (l *Loader) AirplaneModeChanged(on bool) {
	l.dispatcher.AirplaneModeChanged(on)
}

// Shutdown stops all loads, clears the memory cache and drops every target
// binding. Later loads fail with ErrShutdown.
func (l *Loader) Shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.dispatcher.Shutdown()
		l.cache.Clear()

		l.mu.Lock()
		bindings := l.targets
		l.targets = make(map[Target]*binding)
		l.mu.Unlock()
		for _, b := range bindings {
			b.stop()
		}
		l.log().Debug("loader shut down")
	})
}

// IsShutdown reports whether Shutdown was called.
func (l *Loader) IsShutdown() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// deliver notifies the listener of failures, then fans results out to
// actions.
func (l *Loader) deliver(hunters []*dispatch.Hunter) {
	for _, h := range hunters {
		err := h.Err()
		if err == nil {
			continue
		}
		l.log().Warn("load failed", "request", h.Request().Name(), "error", err)
		if l.listener != nil {
			l.listener.LoadFailed(h.Request(), err)
		}
	}
	dispatch.Deliver(hunters)
}

func (l *Loader) transform(req *request.Request) (*request.Request, error) {
	if l.transformer == nil {
		return req, nil
	}
	out := l.transformer(req)
	if out == nil {
		return nil, ErrNilRequest
	}
	return out, nil
}

func loadOptions(opts []LoadOption) loadConfig {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
