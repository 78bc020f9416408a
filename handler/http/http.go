// Package http loads images over HTTP and HTTPS.
//
// Concurrent loads of the same URL share one download even when their
// requests differ in size or transformations; each caller decodes its own
// copy of the bytes. Responses encoded with zstd or gzip are decoded
// transparently.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
)

const (
	// DefaultRetryCount is the number of retries after a transient failure.
	DefaultRetryCount = 2

	// DefaultMaxBytes is the largest decoded body Load accepts.
	DefaultMaxBytes = 64 << 20

	// DefaultFetchTimeout bounds one shared download, including the body.
	DefaultFetchTimeout = 30 * time.Second

	// FromCacheHeader marks responses served by a caching proxy or transport.
	FromCacheHeader = "X-From-Cache"
)

// ErrTooLarge is returned when a response body exceeds the configured limit.
var ErrTooLarge = errors.New("http: response too large")

// ResponseError reports a non-200 response.
type ResponseError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("http: get %s: %s", e.URL, e.Status)
}

// Handler serves http:// and https:// URIs.
type Handler struct {
	client   *nethttp.Client
	headers  nethttp.Header
	retries  int
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// Option configures a Handler.
type Option func(*Handler)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(h *Handler) {
		h.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(h *Handler) {
		if headers == nil {
			return
		}
		h.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(h *Handler) {
		if h.headers == nil {
			h.headers = make(nethttp.Header)
		}
		h.headers.Set(key, value)
	}
}

// WithRetryCount sets how many times a transient failure is retried.
func WithRetryCount(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.retries = n
		}
	}
}

// WithMaxBytes limits the decoded body size.
func WithMaxBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithFetchTimeout bounds each download. Downloads are shared between
// callers and outlive their contexts, so this is what stops a stalled server
// from holding one open.
func WithFetchTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		client:   nethttp.DefaultClient,
		retries:  DefaultRetryCount,
		maxBytes: DefaultMaxBytes,
		timeout:  DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = nethttp.DefaultClient
	}
	return h
}

func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.logger
}

// CanHandle implements handler.Handler.
func (h *Handler) CanHandle(req *request.Request) bool {
	s := req.Scheme()
	return s == "http" || s == "https"
}

// RetryCount implements handler.Handler.
func (h *Handler) RetryCount() int { return h.retries }

// SupportsReplay implements handler.Handler.
func (h *Handler) SupportsReplay() bool { return true }

// ShouldRetry retries unless airplane mode is on. Failures while offline are
// retried too: the dispatcher holds them until connectivity returns.
func (h *Handler) ShouldRetry(airplaneMode bool, _ network.Info) bool {
	return !airplaneMode
}

type payload struct {
	data []byte
	from artifact.Provenance
}

// Load downloads and decodes the image. Transport failures and 5xx, 408 and
// 429 responses are transient.
func (h *Handler) Load(ctx context.Context, req *request.Request) (*handler.Result, error) {
	uri := req.URI()

	// The shared download outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := h.group.DoChan(uri, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		return h.fetch(fctx, uri)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		h.log().Debug("shared download", "url", uri)
	}

	p := res.Val.(*payload) //nolint:errcheck // type assertion always succeeds when err is nil
	art, err := handler.DecodeBytes(p.data)
	if err != nil {
		return nil, fmt.Errorf("http: %s: %w", uri, err)
	}
	return &handler.Result{Artifact: art, From: p.from}, nil
}

func (h *Handler) fetch(ctx context.Context, uri string) (*payload, error) {
	hreq, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("http: build request: %w", err)
	}
	for k, vs := range h.headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	// Setting Accept-Encoding turns off the transport's own gzip handling.
	hreq.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, handler.Transient(fmt.Errorf("http: get %s: %w", uri, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != nethttp.StatusOK {
		return nil, statusError(uri, resp)
	}

	body, closeBody, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("http: %s: %w", uri, err)
	}
	defer closeBody()

	data, err := io.ReadAll(io.LimitReader(body, h.maxBytes+1))
	if err != nil {
		return nil, handler.Transient(fmt.Errorf("http: read %s: %w", uri, err))
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, uri, h.maxBytes)
	}

	from := artifact.Network
	if resp.Header.Get(FromCacheHeader) != "" {
		from = artifact.Disk
	}
	h.log().Debug("downloaded", "url", uri, "bytes", len(data), "from", from.String())
	return &payload{data: data, from: from}, nil
}

func statusError(uri string, resp *nethttp.Response) error {
	err := &ResponseError{URL: uri, StatusCode: resp.StatusCode, Status: resp.Status}
	switch {
	case resp.StatusCode == nethttp.StatusNotFound || resp.StatusCode == nethttp.StatusGone:
		return fmt.Errorf("%w: %w", handler.ErrNotFound, err)
	case resp.StatusCode >= 500,
		resp.StatusCode == nethttp.StatusRequestTimeout,
		resp.StatusCode == nethttp.StatusTooManyRequests:
		return handler.Transient(err)
	default:
		return err
	}
}

func decodeBody(resp *nethttp.Response) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, func() {}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
