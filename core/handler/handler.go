package handler

import (
	"context"
	"fmt"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
)

// Result is the outcome of a successful Load.
type Result struct {
	// Artifact is the decoded image.
	Artifact *artifact.Artifact

	// From records where the bytes came from.
	From artifact.Provenance

	// Orientation is the EXIF orientation (1-8) still to be applied to
	// Artifact, or 0 when the image is already upright.
	Orientation int
}

// Handler turns requests into decoded artifacts.
//
// Implementations must be safe for concurrent use; Load is called from
// worker goroutines.
type Handler interface {
	// CanHandle reports whether this handler serves req.
	CanHandle(req *request.Request) bool

	// Load fetches and decodes req. Errors wrapped with Transient may be retried.
	Load(ctx context.Context, req *request.Request) (*Result, error)

	// RetryCount is the number of retries allowed after the first attempt.
	RetryCount() int

	// SupportsReplay reports whether a failed Load may be replayed with the
	// same request, for example after connectivity returns.
	SupportsReplay() bool

	// ShouldRetry decides whether a transient failure is worth retrying
	// under the current connectivity.
	ShouldRetry(airplaneMode bool, info network.Info) bool
}

// Base provides the defaults for handlers that never retry. Embed it and
// override what differs.
type Base struct{}

// RetryCount returns 0.
func (Base) RetryCount() int { return 0 }

// SupportsReplay returns false.
func (Base) SupportsReplay() bool { return false }

// ShouldRetry returns false.
func (Base) ShouldRetry(bool, network.Info) bool { return false }

// Unrecognized matches every request and fails it. It terminates handler lists.
type Unrecognized struct {
	Base
}

// CanHandle always returns true.
func (Unrecognized) CanHandle(*request.Request) bool { return true }

// Load always fails with ErrUnrecognizedRequest.
func (Unrecognized) Load(_ context.Context, req *request.Request) (*Result, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnrecognizedRequest, req.Source())
}

// Select returns the first handler that can serve req, or Unrecognized.
func Select(handlers []Handler, req *request.Request) Handler {
	for _, h := range handlers {
		if h.CanHandle(req) {
			return h
		}
	}
	return Unrecognized{}
}
