// Package resource loads images bundled with the application from an fs.FS,
// typically an embed.FS.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/request"
)

// Scheme is the URI scheme that addresses bundled resources, as in
// "resource:///icons/logo.png".
const Scheme = "resource"

// Handler serves request.Resource sources and resource: URIs.
type Handler struct {
	handler.Base
	fsys fs.FS
}

// New creates a Handler reading from fsys.
func New(fsys fs.FS) *Handler {
	return &Handler{fsys: fsys}
}

// CanHandle implements handler.Handler.
func (h *Handler) CanHandle(req *request.Request) bool {
	return req.ResourceName() != "" || req.Scheme() == Scheme
}

// Load reads and decodes the named resource.
func (h *Handler) Load(_ context.Context, req *request.Request) (*handler.Result, error) {
	name := resourceName(req)
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("resource: invalid name %q", name)
	}

	data, err := fs.ReadFile(h.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: resource %s", handler.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", name, err)
	}

	art, err := handler.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", name, err)
	}
	return &handler.Result{Artifact: art, From: artifact.Disk}, nil
}

func resourceName(req *request.Request) string {
	if name := req.ResourceName(); name != "" {
		return strings.TrimPrefix(name, "/")
	}
	u := req.URL()
	if u.Opaque != "" {
		return u.Opaque
	}
	return strings.TrimPrefix(u.Host+u.Path, "/")
}
