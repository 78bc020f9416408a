package imageload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/internal/testutil"
)

const waitTimeout = 5 * time.Second

type outcome struct {
	art  *artifact.Artifact
	from artifact.Provenance
	err  error
}

// chanTarget records outcomes on a buffered channel.
type chanTarget struct {
	ch chan outcome
}

func newChanTarget() *chanTarget {
	return &chanTarget{ch: make(chan outcome, 4)}
}

func (t *chanTarget) OnLoaded(a *artifact.Artifact, from artifact.Provenance) {
	t.ch <- outcome{art: a, from: from}
}

func (t *chanTarget) OnFailed(err error) {
	t.ch <- outcome{err: err}
}

func (t *chanTarget) wait(tb testing.TB) outcome {
	tb.Helper()
	select {
	case o := <-t.ch:
		return o
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for outcome")
		return outcome{}
	}
}

func (t *chanTarget) requireSilent(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case o := <-t.ch:
		tb.Fatalf("unexpected outcome: %+v", o)
	case <-time.After(d):
	}
}

func newTestLoader(t *testing.T, opts ...Option) *Loader {
	t.Helper()
	opts = append([]Option{WithBatchDelay(10 * time.Millisecond)}, opts...)
	l, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(l.Shutdown)
	return l
}

func newRequest(t *testing.T, uri string, opts ...request.Option) *request.Request {
	t.Helper()
	req, err := request.New(request.URI(uri), opts...)
	require.NoError(t, err)
	return req
}

func TestLoaderCoalescesAndCaches(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{Gate: make(chan struct{})}
	l := newTestLoader(t, WithHandlers(fake))
	req := newRequest(t, "https://example.com/a.png", request.Resize(4, 4))

	t1, t2 := newChanTarget(), newChanTarget()
	require.NoError(t, l.Into(context.Background(), req, t1))
	require.NoError(t, l.Into(context.Background(), req, t2))
	close(fake.Gate)

	for _, target := range []*chanTarget{t1, t2} {
		o := target.wait(t)
		require.NoError(t, o.err)
		assert.Equal(t, artifact.Network, o.from)
		assert.Equal(t, 4, o.art.Bounds().Dx())
	}
	assert.Equal(t, 1, fake.Calls())

	// Served synchronously from memory.
	t3 := newChanTarget()
	require.NoError(t, l.Into(context.Background(), req, t3))
	require.Len(t, t3.ch, 1)
	assert.Equal(t, artifact.Memory, (<-t3.ch).from)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Loads)
	assert.Equal(t, int64(1), stats.Coalesced)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, stats.CacheEntries)
	assert.Contains(t, stats.String(), "hunt.network")
}

func TestLoaderRebindCancelsPrevious(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{Gate: make(chan struct{})}
	l := newTestLoader(t, WithHandlers(fake))
	target := newChanTarget()

	require.NoError(t, l.Into(context.Background(), newRequest(t, "https://example.com/a.png"), target))
	require.NoError(t, l.Into(context.Background(), newRequest(t, "https://example.com/b.png", request.Resize(2, 2)), target))
	close(fake.Gate)

	o := target.wait(t)
	require.NoError(t, o.err)
	assert.Equal(t, 2, o.art.Bounds().Dx(), "only the latest request is delivered")
	target.requireSilent(t, 100*time.Millisecond)
}

func TestLoaderContextCancelsLoad(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{Gate: make(chan struct{}), Started: make(chan *request.Request, 1)}
	l := newTestLoader(t, WithHandlers(fake))
	target := newChanTarget()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Into(ctx, newRequest(t, "https://example.com/a.png"), target))
	<-fake.Started
	cancel()

	require.Eventually(t, func() bool { return l.dispatcher.InFlight() == 0 }, waitTimeout, 5*time.Millisecond)
	target.requireSilent(t, 50*time.Millisecond)

	l.mu.Lock()
	assert.Empty(t, l.targets)
	l.mu.Unlock()
}

func TestLoaderCancel(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{Gate: make(chan struct{})}
	l := newTestLoader(t, WithHandlers(fake))
	target := newChanTarget()

	require.NoError(t, l.Into(context.Background(), newRequest(t, "https://example.com/a.png"), target))
	l.Cancel(target)
	l.Cancel(target)
	close(fake.Gate)

	target.requireSilent(t, 100*time.Millisecond)
}

func TestLoaderConcurrentIntoSameTarget(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{Gate: make(chan struct{})}
	l := newTestLoader(t, WithHandlers(fake))
	target := newChanTarget()

	const n = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req, err := request.New(request.URI(fmt.Sprintf("https://example.com/%d.png", i)))
			if err == nil {
				_ = l.Into(context.Background(), req, target)
			}
		}()
	}
	close(start)
	wg.Wait()

	l.mu.Lock()
	assert.Len(t, l.targets, 1)
	l.mu.Unlock()

	close(fake.Gate)
	require.NoError(t, target.wait(t).err)
	target.requireSilent(t, 100*time.Millisecond)
}

// countingCtx counts AfterFunc registrations that were stopped.
type countingCtx struct {
	context.Context
	stopped atomic.Int32
}

func (c *countingCtx) AfterFunc(f func()) func() bool {
	stop := context.AfterFunc(c.Context, f)
	return func() bool {
		c.stopped.Add(1)
		return stop()
	}
}

func TestLoaderFetchReleasesContextWhenDone(t *testing.T) {
	t.Parallel()

	l := newTestLoader(t, WithHandlers(&testutil.FakeHandler{}))
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := &countingCtx{Context: parent}

	require.NoError(t, l.Fetch(ctx, newRequest(t, "https://example.com/a.png")))
	require.Eventually(t, func() bool { return ctx.stopped.Load() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestLoaderGetFromResources(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{"icons/logo.png": {Data: testutil.PNG(6, 3, color.White)}}
	l := newTestLoader(t, WithResources(fsys))

	req, err := request.New(request.Resource("icons/logo.png"))
	require.NoError(t, err)

	art, from, err := l.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, artifact.Disk, from)
	assert.Equal(t, 6, art.Bounds().Dx())

	_, from, err = l.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, artifact.Memory, from)
}

func TestLoaderGetDataURI(t *testing.T) {
	t.Parallel()

	l := newTestLoader(t)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(testutil.PNG(5, 5, color.Black))

	art, from, err := l.Get(context.Background(), newRequest(t, uri, request.Resize(10, 10), request.CenterCrop()))
	require.NoError(t, err)
	assert.Equal(t, artifact.Disk, from)
	assert.Equal(t, 10, art.Bounds().Dx())
}

func TestLoaderGetContextDeadline(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{Gate: make(chan struct{})}
	l := newTestLoader(t, WithHandlers(fake))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := l.Get(ctx, newRequest(t, "https://example.com/a.png"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoaderListener(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		failed []string
	)
	listener := ListenerFunc(func(req *request.Request, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, req.URI())
	})
	fake := &testutil.FakeHandler{
		LoadFn: func(context.Context, *request.Request) (*handler.Result, error) {
			return nil, handler.ErrNotFound
		},
	}
	l := newTestLoader(t, WithHandlers(fake), WithListener(listener))

	_, _, err := l.Get(context.Background(), newRequest(t, "https://example.com/missing.png"))
	require.ErrorIs(t, err, ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"https://example.com/missing.png"}, failed)
}

func TestLoaderRequestTransformer(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{}
	l := newTestLoader(t, WithHandlers(fake), WithRequestTransformer(func(req *request.Request) *request.Request {
		out, err := req.With(request.Resize(2, 2))
		if err != nil {
			return nil
		}
		return out
	}))

	art, _, err := l.Get(context.Background(), newRequest(t, "https://example.com/a.png"))
	require.NoError(t, err)
	assert.Equal(t, 2, art.Bounds().Dx())

	bad := newTestLoader(t, WithRequestTransformer(func(*request.Request) *request.Request { return nil }))
	_, _, err = bad.Get(context.Background(), newRequest(t, "https://example.com/a.png"))
	require.ErrorIs(t, err, ErrNilRequest)
}

func TestLoaderFetchWarmsCache(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{}
	l := newTestLoader(t, WithHandlers(fake))
	req := newRequest(t, "https://example.com/a.png")

	require.NoError(t, l.Fetch(context.Background(), req))
	require.Eventually(t, func() bool {
		_, ok := l.QuickCacheCheck(request.Key(req))
		return ok
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, l.Fetch(context.Background(), req))
	assert.Equal(t, 1, fake.Calls())
}

func TestLoaderSkipMemoryCache(t *testing.T) {
	t.Parallel()

	fake := &testutil.FakeHandler{}
	l := newTestLoader(t, WithHandlers(fake))
	req := newRequest(t, "https://example.com/a.png")

	for range 2 {
		_, from, err := l.Get(context.Background(), req, SkipMemoryCache())
		require.NoError(t, err)
		assert.Equal(t, artifact.Network, from)
	}
	assert.Equal(t, 2, fake.Calls())
	assert.Equal(t, 0, l.Stats().CacheEntries)
}

func TestLoaderInvalidate(t *testing.T) {
	t.Parallel()

	l := newTestLoader(t, WithHandlers(&testutil.FakeHandler{}))
	plain := newRequest(t, "https://example.com/a.png")
	sized := newRequest(t, "https://example.com/a.png", request.Resize(2, 2))
	other := newRequest(t, "https://example.com/a.png.bak")

	for _, req := range []*request.Request{plain, sized, other} {
		_, _, err := l.Get(context.Background(), req)
		require.NoError(t, err)
	}
	require.NoError(t, l.Invalidate(request.URI("https://example.com/a.png")))

	_, ok := l.QuickCacheCheck(request.Key(plain))
	assert.False(t, ok)
	_, ok = l.QuickCacheCheck(request.Key(sized))
	assert.False(t, ok)
	_, ok = l.QuickCacheCheck(request.Key(other))
	assert.True(t, ok)
}

func TestLoaderNetworkStateResizesPool(t *testing.T) {
	t.Parallel()

	l := newTestLoader(t, WithNetworkInfo(network.Info{Connected: true, Class: network.Broadband}))
	assert.Equal(t, 4, l.Stats().PoolSize)

	l.NetworkStateChanged(network.Info{Connected: true, Class: network.Cellular2G})
	require.Eventually(t, func() bool { return l.Stats().PoolSize == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestLoaderShutdown(t *testing.T) {
	t.Parallel()

	l := newTestLoader(t, WithHandlers(&testutil.FakeHandler{}))
	req := newRequest(t, "https://example.com/a.png")
	_, _, err := l.Get(context.Background(), req)
	require.NoError(t, err)

	l.Shutdown()
	l.Shutdown()
	assert.True(t, l.IsShutdown())
	assert.Equal(t, 0, l.Stats().CacheEntries)

	require.ErrorIs(t, l.Into(context.Background(), req, newChanTarget()), ErrShutdown)
	_, _, err = l.Get(context.Background(), req)
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, l.Fetch(context.Background(), req), ErrShutdown)
}

func TestNewOptionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  Option
	}{
		{name: "cache size", opt: WithMemoryCacheSize(0)},
		{name: "batch delay", opt: WithBatchDelay(0)},
		{name: "nil cache", opt: WithCache(nil)},
		{name: "nil s3 client", opt: WithS3Client(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.opt)
			require.Error(t, err)
		})
	}
}

func TestInvalidRequestIsConfigurationError(t *testing.T) {
	t.Parallel()

	_, err := request.New(request.URI("https://example.com/a.png"), request.CenterCrop())
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, errors.Is(err, ErrNotFound))
}
