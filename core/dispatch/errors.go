package dispatch

import "errors"

// Sentinel errors for dispatch.
var (
	// ErrShutdown is returned when submitting to a dispatcher that was shut down.
	ErrShutdown = errors.New("dispatch: dispatcher shut down")

	// ErrPoolShutdown is returned when submitting to a pool that was shut down.
	ErrPoolShutdown = errors.New("dispatch: pool shut down")

	// ErrCancelled is reported for a hunt that was cancelled before it produced a result.
	ErrCancelled = errors.New("dispatch: hunt cancelled")
)
