// Package content loads images embedded inline in data: URIs (RFC 2397).
package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/request"
)

// ErrMalformed is returned for data: URIs that cannot be parsed.
var ErrMalformed = errors.New("content: malformed data uri")

// Handler serves data: URIs.
type Handler struct {
	handler.Base
}

// New creates a Handler.
func New() *Handler {
	return &Handler{}
}

// CanHandle implements handler.Handler.
func (h *Handler) CanHandle(req *request.Request) bool {
	return req.Scheme() == "data"
}

// Load decodes the payload of the data: URI.
func (h *Handler) Load(_ context.Context, req *request.Request) (*handler.Result, error) {
	payload, err := parse(req.URI())
	if err != nil {
		return nil, err
	}
	art, err := handler.DecodeBytes(payload)
	if err != nil {
		return nil, err
	}
	return &handler.Result{Artifact: art, From: artifact.Disk}, nil
}

// parse returns the payload of a data: URI of the form
// data:[<mediatype>][;base64],<data>.
func parse(uri string) ([]byte, error) {
	rest, ok := cutPrefixFold(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("%w: missing data: prefix", ErrMalformed)
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing comma", ErrMalformed)
	}

	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		// Tolerate URL-escaped and unpadded encodings.
		unescaped, err := url.PathUnescape(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		unescaped = strings.TrimRight(unescaped, "=")
		out, err := base64.RawStdEncoding.DecodeString(unescaped)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return out, nil
	}

	out, err := url.PathUnescape(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []byte(out), nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
