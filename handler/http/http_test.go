package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"image/color"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/internal/testutil"
)

func newRequest(t *testing.T, uri string, opts ...request.Option) *request.Request {
	t.Helper()
	req, err := request.New(request.URI(uri), opts...)
	require.NoError(t, err)
	return req
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestHandlerContract(t *testing.T) {
	t.Parallel()

	h := New()
	assert.True(t, h.CanHandle(newRequest(t, "http://example.com/a.png")))
	assert.True(t, h.CanHandle(newRequest(t, "https://example.com/a.png")))
	assert.False(t, h.CanHandle(newRequest(t, "file:///a.png")))
	assert.Equal(t, DefaultRetryCount, h.RetryCount())
	assert.Equal(t, 0, New(WithRetryCount(0)).RetryCount())
	assert.True(t, h.SupportsReplay())
	assert.True(t, h.ShouldRetry(false, network.Connected()))
	assert.False(t, h.ShouldRetry(true, network.Connected()))
	assert.True(t, h.ShouldRetry(false, network.Disconnected()), "offline failures are replayed")
	assert.False(t, h.ShouldRetry(true, network.Disconnected()))
}

func TestHandlerLoad(t *testing.T) {
	t.Parallel()

	png := testutil.PNG(7, 5, color.White)
	gz := gzipBytes(t, png)
	zs := zstdBytes(t, png)

	var gotHeader atomic.Value
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotHeader.Store(r.Header.Get("X-Test"))
		switch r.URL.Path {
		case "/plain.png":
			_, _ = w.Write(png)
		case "/cached.png":
			w.Header().Set(FromCacheHeader, "1")
			_, _ = w.Write(png)
		case "/gzip.png":
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(gz)
		case "/zstd.png":
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write(zs)
		case "/brotli.png":
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write(png)
		case "/junk.png":
			_, _ = w.Write([]byte("junk"))
		default:
			nethttp.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := New(WithClient(srv.Client()), WithHeader("X-Test", "yes"))

	tests := []struct {
		path     string
		wantFrom artifact.Provenance
		wantErr  error
		anyErr   bool
	}{
		{path: "/plain.png", wantFrom: artifact.Network},
		{path: "/cached.png", wantFrom: artifact.Disk},
		{path: "/gzip.png", wantFrom: artifact.Network},
		{path: "/zstd.png", wantFrom: artifact.Network},
		{path: "/brotli.png", anyErr: true},
		{path: "/junk.png", wantErr: handler.ErrDecode},
		{path: "/missing.png", wantErr: handler.ErrNotFound},
	}
	// The group returns only after its parallel cases finish, so the server
	// stays up for all of them.
	t.Run("cases", func(t *testing.T) {
		for _, tt := range tests {
			t.Run(tt.path, func(t *testing.T) {
				t.Parallel()
				res, err := h.Load(context.Background(), newRequest(t, srv.URL+tt.path))
				switch {
				case tt.wantErr != nil:
					require.ErrorIs(t, err, tt.wantErr)
					assert.False(t, handler.IsTransient(err))
				case tt.anyErr:
					require.Error(t, err)
				default:
					require.NoError(t, err)
					assert.Equal(t, tt.wantFrom, res.From)
					assert.Equal(t, 7, res.Artifact.Bounds().Dx())
					assert.Equal(t, 5, res.Artifact.Bounds().Dy())
				}
			})
		}
	})

	assert.Equal(t, "yes", gotHeader.Load())
}

func TestHandlerStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
	}{
		{status: nethttp.StatusBadRequest},
		{status: nethttp.StatusForbidden},
		{status: nethttp.StatusRequestTimeout, transient: true},
		{status: nethttp.StatusTooManyRequests, transient: true},
		{status: nethttp.StatusInternalServerError, transient: true},
		{status: nethttp.StatusServiceUnavailable, transient: true},
	}
	for _, tt := range tests {
		t.Run(nethttp.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(WithClient(srv.Client())).Load(context.Background(), newRequest(t, srv.URL+"/a.png"))
			require.Error(t, err)
			assert.Equal(t, tt.transient, handler.IsTransient(err))

			var respErr *ResponseError
			require.ErrorAs(t, err, &respErr)
			assert.Equal(t, tt.status, respErr.StatusCode)
		})
	}
}

func TestHandlerTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nethttp.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New().Load(context.Background(), newRequest(t, url+"/a.png"))
	require.Error(t, err)
	assert.True(t, handler.IsTransient(err))
}

func TestHandlerMaxBytes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write(testutil.PNG(64, 64, color.White))
	}))
	defer srv.Close()

	_, err := New(WithClient(srv.Client()), WithMaxBytes(16)).Load(context.Background(), newRequest(t, srv.URL+"/a.png"))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestHandlerSharesConcurrentDownloads(t *testing.T) {
	t.Parallel()

	png := testutil.PNG(8, 8, color.White)
	var hits atomic.Int32
	arrived := make(chan struct{}, 2)
	gate := make(chan struct{})
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-gate
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	h := New(WithClient(srv.Client()))
	reqs := []*request.Request{
		newRequest(t, srv.URL+"/a.png"),
		newRequest(t, srv.URL+"/a.png", request.Resize(4, 4)),
	}

	var wg sync.WaitGroup
	results := make([]*handler.Result, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.Load(context.Background(), req)
		}()
		if i == 0 {
			<-arrived
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range reqs {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.NotSame(t, results[0].Artifact, results[1].Artifact, "each caller decodes its own artifact")
}

func TestHandlerContextCancel(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		<-gate
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer srv.Close()
	defer close(gate)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := New(WithClient(srv.Client())).Load(ctx, newRequest(t, srv.URL+"/slow.png"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestHandlerFetchTimeoutBoundsSharedDownload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nethttp.HandlerFunc(func(_ nethttp.ResponseWriter, r *nethttp.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := New(WithClient(srv.Client()), WithFetchTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := h.Load(context.Background(), newRequest(t, srv.URL+"/stalled.png"))
	require.Error(t, err)
	assert.True(t, handler.IsTransient(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}
