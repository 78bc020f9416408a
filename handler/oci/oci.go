// Package oci loads images stored as blobs in OCI registries.
//
// Images are addressed as oci://registry/repository@sha256:<hex>, naming the
// image blob directly, or oci://registry/repository:tag, naming a manifest
// whose first image/* layer is loaded. Blob contents are verified against
// their digest before decoding.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
)

const (
	// Scheme is the URI scheme served by the handler.
	Scheme = "oci"

	// DefaultRetryCount is the number of retries after a transient failure.
	DefaultRetryCount = 1

	// DefaultMaxBytes is the largest blob Load fetches.
	DefaultMaxBytes = 64 << 20
)

// Sentinel errors for OCI loads.
var (
	// ErrInvalidReference is returned for URIs that do not name a tag or digest.
	ErrInvalidReference = errors.New("oci: invalid reference")

	// ErrNoImageLayer is returned when a manifest has no loadable layer.
	ErrNoImageLayer = errors.New("oci: manifest has no image layer")

	// ErrTooLarge is returned for blobs larger than the configured limit.
	ErrTooLarge = errors.New("oci: blob too large")

	// ErrUnauthorized is returned when the registry rejects the credentials.
	ErrUnauthorized = errors.New("oci: unauthorized")
)

// Handler serves oci:// URIs.
type Handler struct {
	plainHTTP  bool
	userAgent  string
	anonymous  bool
	credStore  credentials.Store
	httpClient *http.Client
	retries    int
	maxBytes   int64
	authClient *auth.Client
}

// New creates a Handler with the given options.
func New(opts ...Option) *Handler {
	h := &Handler{
		userAgent:  "imageload/1.0",
		httpClient: retry.DefaultClient,
		retries:    DefaultRetryCount,
		maxBytes:   DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	// One auth client so tokens are reused across loads.
	h.authClient = &auth.Client{
		Client: h.httpClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if h.anonymous || h.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return h.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{h.userAgent},
		},
	}
	return h
}

// CanHandle implements handler.Handler.
func (h *Handler) CanHandle(req *request.Request) bool {
	return req.Scheme() == Scheme
}

// RetryCount implements handler.Handler.
func (h *Handler) RetryCount() int { return h.retries }

// SupportsReplay implements handler.Handler.
func (h *Handler) SupportsReplay() bool { return false }

// ShouldRetry retries only with connectivity and airplane mode off.
func (h *Handler) ShouldRetry(airplaneMode bool, info network.Info) bool {
	return !airplaneMode && info.Connected
}

// Load resolves, fetches, verifies and decodes the referenced blob.
func (h *Handler) Load(ctx context.Context, req *request.Request) (*handler.Result, error) {
	ref, err := parseRef(req.URI())
	if err != nil {
		return nil, err
	}
	repo, err := h.repository(ref)
	if err != nil {
		return nil, err
	}

	desc, err := h.resolve(ctx, repo, ref)
	if err != nil {
		return nil, err
	}
	if desc.Size > h.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, desc.Digest, desc.Size)
	}

	data, err := content.FetchAll(ctx, repo.Blobs(), desc)
	if err != nil {
		return nil, mapError(err)
	}

	art, err := handler.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("oci %s: %w", ref, err)
	}
	return &handler.Result{Artifact: art, From: artifact.Network}, nil
}

// repository creates a Repository for ref using the shared auth client.
func (h *Handler) repository(ref registry.Reference) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = h.plainHTTP
	repo.Client = h.authClient
	return repo, nil
}

// resolve returns the descriptor of the image blob ref points at.
func (h *Handler) resolve(ctx context.Context, repo *remote.Repository, ref registry.Reference) (ocispec.Descriptor, error) {
	if dgst, err := ref.Digest(); err == nil {
		desc, err := repo.Blobs().Resolve(ctx, dgst.String())
		if err != nil {
			return ocispec.Descriptor{}, mapError(err)
		}
		return desc, nil
	}

	mdesc, err := repo.Resolve(ctx, ref.Reference)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	raw, err := content.FetchAll(ctx, repo, mdesc)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("oci: parse manifest %s: %w", mdesc.Digest, err)
	}
	return selectLayer(manifest)
}

// selectLayer picks the first image/* layer, or the only layer.
func selectLayer(m ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, l := range m.Layers {
		if strings.HasPrefix(l.MediaType, "image/") {
			return l, nil
		}
	}
	if len(m.Layers) == 1 {
		return m.Layers[0], nil
	}
	return ocispec.Descriptor{}, ErrNoImageLayer
}

// parseRef parses oci://registry/repository(:tag|@digest).
func parseRef(uri string) (registry.Reference, error) {
	raw, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return registry.Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, uri)
	}
	ref, err := registry.ParseReference(raw)
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if ref.Reference == "" {
		return registry.Reference{}, fmt.Errorf("%w: %q has no tag or digest", ErrInvalidReference, uri)
	}
	return ref, nil
}

// mapError maps ORAS errors to handler errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", handler.ErrNotFound, err)
	}

	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch {
		case errResp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", handler.ErrNotFound, err)
		case errResp.StatusCode == http.StatusUnauthorized || errResp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case errResp.StatusCode >= http.StatusInternalServerError:
			return handler.Transient(err)
		}
		return err
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) {
		return handler.Transient(err)
	}
	return err
}
