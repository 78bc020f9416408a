// Package file loads images from a local or virtual filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/spf13/afero"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/request"
)

// DefaultMaxBytes is the largest file Load reads by default.
const DefaultMaxBytes = 64 << 20

// ErrTooLarge is returned for files larger than the configured limit.
var ErrTooLarge = errors.New("file: image too large")

// Handler serves file:// URIs and absolute paths.
type Handler struct {
	handler.Base
	fs       afero.Fs
	maxBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithFs sets the filesystem. The default is the host filesystem.
func WithFs(fs afero.Fs) Option {
	return func(h *Handler) {
		h.fs = fs
	}
}

// WithMaxBytes limits the size of files Load will read.
func WithMaxBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// New creates a Handler.
func New(opts ...Option) *Handler {
	h := &Handler{maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(h)
	}
	if h.fs == nil {
		h.fs = afero.NewOsFs()
	}
	return h
}

// CanHandle implements handler.Handler.
func (h *Handler) CanHandle(req *request.Request) bool {
	switch req.Scheme() {
	case "file":
		return true
	case "":
		u := req.URL()
		return u != nil && path.IsAbs(u.Path)
	default:
		return false
	}
}

// Load reads and decodes the file.
func (h *Handler) Load(_ context.Context, req *request.Request) (*handler.Result, error) {
	name := path.Clean(req.URL().Path)

	f, err := h.fs.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", handler.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("file: stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("file: %s is a directory", name)
	}
	if info.Size() > h.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, name, info.Size(), h.maxBytes)
	}

	art, err := handler.Decode(io.LimitReader(f, h.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", name, err)
	}
	return &handler.Result{Artifact: art, From: artifact.Disk}, nil
}
