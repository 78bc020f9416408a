package imageload

import (
	"errors"

	"github.com/meigma/imageload/core/cache"
	"github.com/meigma/imageload/core/dispatch"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/core/transform"
)

// ErrNilRequest is returned when a request transformer returns nil.
var ErrNilRequest = errors.New("imageload: request transformer returned nil")

// Errors re-exported from core.
var (
	// ErrShutdown is returned by loads submitted after Shutdown.
	ErrShutdown = dispatch.ErrShutdown

	// ErrInvalidRequest is returned for inconsistent request options.
	ErrInvalidRequest = request.ErrInvalidRequest

	// ErrUnrecognizedRequest is delivered when no handler accepts a request.
	ErrUnrecognizedRequest = handler.ErrUnrecognizedRequest

	// ErrNotFound is delivered when the source does not exist.
	ErrNotFound = handler.ErrNotFound

	// ErrDecode is delivered when the source bytes are not a supported image.
	ErrDecode = handler.ErrDecode

	// ErrContractViolation is delivered when a transformation breaks the
	// artifact release contract.
	ErrContractViolation = transform.ErrContractViolation

	// ErrEntryTooLarge is returned when an artifact exceeds the cache limit.
	ErrEntryTooLarge = cache.ErrEntryTooLarge
)
