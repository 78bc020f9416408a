// Package s3 loads images stored as Amazon S3 objects, addressed as
// s3://bucket/key.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	"github.com/meigma/imageload/core/request"
)

const (
	// Scheme is the URI scheme served by the handler.
	Scheme = "s3"

	// DefaultRetryCount is the number of retries after a transient failure.
	DefaultRetryCount = 1

	// DefaultMaxBytes is the largest object Load reads.
	DefaultMaxBytes = 64 << 20
)

// ErrTooLarge is returned for objects larger than the configured limit.
var ErrTooLarge = errors.New("s3: object too large")

// API is the subset of the S3 client the handler uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Handler serves s3:// URIs.
type Handler struct {
	client   API
	retries  int
	maxBytes int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithRetryCount sets how many times a transient failure is retried.
func WithRetryCount(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.retries = n
		}
	}
}

// WithMaxBytes limits the object size.
func WithMaxBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// New creates a Handler using client.
func New(client API, opts ...Option) *Handler {
	h := &Handler{
		client:   client,
		retries:  DefaultRetryCount,
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewFromConfig creates a Handler with an S3 client built from the default
// AWS configuration chain (environment, shared config, instance role).
func NewFromConfig(ctx context.Context, cfgOpts []func(*config.LoadOptions) error, opts ...Option) (*Handler, error) {
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), opts...), nil
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

// Load fetches and decodes the object.
func (h *Handler) Load(ctx context.Context, req *request.Request) (*handler.Result, error) {
	bucket, key, err := parseURI(req)
	if err != nil {
		return nil, err
	}

	out, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError(bucket, key, err)
	}
	defer out.Body.Close()

	if n := aws.ToInt64(out.ContentLength); n > h.maxBytes {
		return nil, fmt.Errorf("%w: s3://%s/%s is %d bytes", ErrTooLarge, bucket, key, n)
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, h.maxBytes+1))
	if err != nil {
		return nil, handler.Transient(fmt.Errorf("s3: read s3://%s/%s: %w", bucket, key, err))
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrTooLarge, bucket, key)
	}

	art, err := handler.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}
	return &handler.Result{Artifact: art, From: artifact.Network}, nil
}

func parseURI(req *request.Request) (bucket, key string, err error) {
	u := req.URL()
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3: %q must be s3://bucket/key", req.URI())
	}
	return bucket, key, nil
}

// mapError classifies S3 errors: missing objects map to ErrNotFound, server
// faults and transport failures are transient.
func mapError(bucket, key string, err error) error {
	wrapped := fmt.Errorf("s3: get s3://%s/%s: %w", bucket, key, err)

	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %w", handler.ErrNotFound, wrapped)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "NotFound" {
			return fmt.Errorf("%w: %w", handler.ErrNotFound, wrapped)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return handler.Transient(wrapped)
		}
		return wrapped
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() < 500 {
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	return handler.Transient(wrapped)
}
