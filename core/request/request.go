package request

import (
	"fmt"
	"net/url"
	"path"

	"github.com/meigma/imageload/core/artifact"
)

// Transformation post-processes a decoded artifact.
//
// Transform must either return its input unchanged and still usable, or
// return a new artifact and release the input. Key identifies the
// transformation in cache keys and must be stable across processes.
type Transformation interface {
	Transform(src *artifact.Artifact) (*artifact.Artifact, error)
	Key() string
}

// CropMode controls how a resized image fills its target size.
type CropMode int

const (
	// CropNone scales to the exact target size.
	CropNone CropMode = iota
	// CropCenter scales to cover the target and crops the overflow around the center.
	CropCenter
	// CropInside scales to fit entirely within the target, preserving aspect ratio.
	CropInside
)

func (m CropMode) String() string {
	switch m {
	case CropCenter:
		return "center"
	case CropInside:
		return "inside"
	default:
		return "none"
	}
}

// Source identifies where image bytes come from: a URI or a named resource.
type Source struct {
	uri      string
	resource string
}

// URI returns a Source for a URI string such as https://, file:// or data:.
func URI(uri string) Source {
	return Source{uri: uri}
}

// Resource returns a Source for a named resource bundled with the application.
func Resource(name string) Source {
	return Source{resource: name}
}

// IsZero reports whether the source names nothing.
func (s Source) IsZero() bool {
	return s.uri == "" && s.resource == ""
}

func (s Source) String() string {
	if s.resource != "" {
		return "resource:" + s.resource
	}
	return s.uri
}

// Request is an immutable description of an image load.
type Request struct {
	source          Source
	parsed          *url.URL
	targetWidth     int
	targetHeight    int
	crop            CropMode
	rotation        float64
	pivotX          float64
	pivotY          float64
	hasPivot        bool
	transformations []Transformation
	stableKey       string
}

// Option configures a Request under construction.
type Option func(*Request) error

// Resize sets the target size. Both dimensions must be positive.
func Resize(width, height int) Option {
	return func(r *Request) error {
		if width <= 0 || height <= 0 {
			return fmt.Errorf("%w: target width and height must be > 0: width=%d height=%d",
				ErrInvalidRequest, width, height)
		}
		r.targetWidth = width
		r.targetHeight = height
		return nil
	}
}

// CenterCrop scales the image to cover the target size and crops the overflow.
// It requires Resize and cannot be combined with CenterInside.
func CenterCrop() Option {
	return func(r *Request) error {
		if r.crop == CropInside {
			return fmt.Errorf("%w: center crop cannot be combined with center inside", ErrInvalidRequest)
		}
		r.crop = CropCenter
		return nil
	}
}

// CenterInside scales the image to fit within the target size.
// It requires Resize and cannot be combined with CenterCrop.
func CenterInside() Option {
	return func(r *Request) error {
		if r.crop == CropCenter {
			return fmt.Errorf("%w: center inside cannot be combined with center crop", ErrInvalidRequest)
		}
		r.crop = CropInside
		return nil
	}
}

// Rotate rotates the image counter-clockwise by degrees.
func Rotate(degrees float64) Option {
	return func(r *Request) error {
		r.rotation = degrees
		r.hasPivot = false
		return nil
	}
}

// RotateAbout rotates the image by degrees around the pivot point (px, py).
func RotateAbout(degrees, px, py float64) Option {
	return func(r *Request) error {
		r.rotation = degrees
		r.pivotX = px
		r.pivotY = py
		r.hasPivot = true
		return nil
	}
}

// Transform appends transformations, applied in the order given.
func Transform(ts ...Transformation) Option {
	return func(r *Request) error {
		for _, t := range ts {
			if t == nil {
				return fmt.Errorf("%w: nil transformation", ErrInvalidRequest)
			}
			if t.Key() == "" {
				return fmt.Errorf("%w: transformation key is empty", ErrInvalidRequest)
			}
			r.transformations = append(r.transformations, t)
		}
		return nil
	}
}

// StableKey replaces the source in the cache key. Use it when the same image
// is reachable through URIs that differ only in volatile parts such as
// signed query parameters.
func StableKey(key string) Option {
	return func(r *Request) error {
		r.stableKey = key
		return nil
	}
}

// New builds and validates a Request.
func New(src Source, opts ...Option) (*Request, error) {
	if src.IsZero() {
		return nil, fmt.Errorf("%w: source is empty", ErrInvalidRequest)
	}
	r := &Request{source: src}
	if src.uri != "" {
		u, err := url.Parse(src.uri)
		if err != nil {
			return nil, fmt.Errorf("%w: parse uri %q: %v", ErrInvalidRequest, src.uri, err)
		}
		r.parsed = u
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.crop != CropNone && !r.HasSize() {
		return nil, fmt.Errorf("%w: center %s requires a target size", ErrInvalidRequest, r.crop)
	}
	return r, nil
}

// With returns a copy of r with additional options applied and revalidated.
func (r *Request) With(opts ...Option) (*Request, error) {
	base := func(dst *Request) error {
		*dst = *r
		dst.transformations = append([]Transformation(nil), r.transformations...)
		return nil
	}
	return New(r.source, append([]Option{base}, opts...)...)
}

// Source returns the request source.
func (r *Request) Source() Source { return r.source }

// URI returns the raw URI, or "" for resource requests.
func (r *Request) URI() string { return r.source.uri }

// URL returns the parsed URI, or nil for resource requests.
func (r *Request) URL() *url.URL {
	if r.parsed == nil {
		return nil
	}
	u := *r.parsed
	return &u
}

// Scheme returns the URI scheme, or "" for resource requests and bare paths.
func (r *Request) Scheme() string {
	if r.parsed == nil {
		return ""
	}
	return r.parsed.Scheme
}

// ResourceName returns the resource name, or "" for URI requests.
func (r *Request) ResourceName() string { return r.source.resource }

// TargetWidth returns the resize width, 0 when unset.
func (r *Request) TargetWidth() int { return r.targetWidth }

// TargetHeight returns the resize height, 0 when unset.
func (r *Request) TargetHeight() int { return r.targetHeight }

// HasSize reports whether a target size was set.
func (r *Request) HasSize() bool { return r.targetWidth != 0 || r.targetHeight != 0 }

// Crop returns the crop mode.
func (r *Request) Crop() CropMode { return r.crop }

// Rotation returns the rotation in degrees.
func (r *Request) Rotation() float64 { return r.rotation }

// Pivot returns the rotation pivot and whether one was set.
func (r *Request) Pivot() (x, y float64, ok bool) {
	return r.pivotX, r.pivotY, r.hasPivot
}

// Transformations returns a copy of the transformation list.
func (r *Request) Transformations() []Transformation {
	return append([]Transformation(nil), r.transformations...)
}

// StableKey returns the caller-supplied key override, if any.
func (r *Request) StableKey() string { return r.stableKey }

// NeedsTransformation reports whether decoded output must be post-processed.
func (r *Request) NeedsTransformation() bool {
	return r.HasSize() || r.rotation != 0 || len(r.transformations) > 0
}

// Name returns a short, human-readable name for logs.
func (r *Request) Name() string {
	if r.source.resource != "" {
		return r.source.resource
	}
	if r.parsed != nil {
		if r.parsed.Scheme == "data" {
			return "data:"
		}
		if p := r.parsed.Path; p != "" {
			return path.Base(p)
		}
		if r.parsed.Opaque != "" {
			return r.parsed.Opaque
		}
	}
	return r.source.uri
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{%s}", Key(r))
}
