// Package testutil provides fixtures and fake handlers shared by tests.
package testutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
)

// PNG returns an encoded w x h PNG filled with c.
func PNG(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Image returns a new w x h artifact.
func Image(w, h int) *artifact.Artifact {
	return artifact.New(image.NewNRGBA(image.Rect(0, 0, w, h)))
}

// FakeHandler is a scriptable handler.Handler.
//
// By default it claims every request and returns a fresh 8x8 artifact with
// network provenance. Set Gate to block loads until the channel is closed.
type FakeHandler struct {
	Match   func(*request.Request) bool
	LoadFn  func(ctx context.Context, req *request.Request) (*handler.Result, error)
	Retries int
	Replay  bool
	Gate    chan struct{}

	// RetryWhen overrides ShouldRetry when set.
	RetryWhen func(airplaneMode bool, info network.Info) bool

	// Started receives one value each time Load begins, if non-nil.
	Started chan *request.Request

	calls atomic.Int64
	mu    sync.Mutex
	keys  []string
}

// CanHandle implements handler.Handler.
func (f *FakeHandler) CanHandle(req *request.Request) bool {
	if f.Match == nil {
		return true
	}
	return f.Match(req)
}

// Load implements handler.Handler.
func (f *FakeHandler) Load(ctx context.Context, req *request.Request) (*handler.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, request.Key(req))
	f.mu.Unlock()

	if f.Started != nil {
		f.Started <- req
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.LoadFn != nil {
		return f.LoadFn(ctx, req)
	}
	return &handler.Result{Artifact: Image(8, 8), From: artifact.Network}, nil
}

// RetryCount implements handler.Handler.
func (f *FakeHandler) RetryCount() int { return f.Retries }

// SupportsReplay implements handler.Handler.
func (f *FakeHandler) SupportsReplay() bool { return f.Replay }

// ShouldRetry retries whenever connectivity is present and airplane mode is
// off, unless RetryWhen is set.
func (f *FakeHandler) ShouldRetry(airplaneMode bool, info network.Info) bool {
	if f.RetryWhen != nil {
		return f.RetryWhen(airplaneMode, info)
	}
	return !airplaneMode && info.Connected
}

// Calls returns the number of Load invocations.
func (f *FakeHandler) Calls() int {
	return int(f.calls.Load())
}

// Keys returns the request keys passed to Load, in call order.
func (f *FakeHandler) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

var _ handler.Handler = (*FakeHandler)(nil)
