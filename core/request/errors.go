package request

import "errors"

// ErrInvalidRequest is returned by New when the request options are inconsistent.
var ErrInvalidRequest = errors.New("request: invalid request")
