// Package artifact defines the decoded image values that flow between
// handlers, the memory cache and callers.
package artifact

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
)

// Provenance records where an artifact was ultimately obtained from.
type Provenance int

const (
	// Memory means the artifact was served from the in-memory cache.
	Memory Provenance = iota
	// Disk means the artifact was read from local storage or a backing cache.
	Disk
	// Network means the artifact was downloaded.
	Network
)

func (p Provenance) String() string {
	switch p {
	case Memory:
		return "memory"
	case Disk:
		return "disk"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Artifact is a decoded, possibly post-processed image.
//
// An Artifact owns its pixel data until Release is called. After release the
// image is dropped and Image returns nil. Release is idempotent and safe for
// concurrent use.
type Artifact struct {
	mu        sync.RWMutex
	img       image.Image
	digest    digest.Digest
	released  atomic.Bool
	onRelease func()
}

// Option configures an Artifact.
type Option func(*Artifact)

// WithDigest records the digest of the encoded bytes the artifact was decoded from.
func WithDigest(d digest.Digest) Option {
	return func(a *Artifact) {
		a.digest = d
	}
}

// WithReleaseHook registers fn to run once when the artifact is released.
func WithReleaseHook(fn func()) Option {
	return func(a *Artifact) {
		a.onRelease = fn
	}
}

// New wraps img in an Artifact.
func New(img image.Image, opts ...Option) *Artifact {
	a := &Artifact{img: img}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Image returns the pixel data, or nil once the artifact has been released.
func (a *Artifact) Image() image.Image {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.img
}

// Bounds returns the image bounds. Released artifacts report an empty rectangle.
func (a *Artifact) Bounds() image.Rectangle {
	img := a.Image()
	if img == nil {
		return image.Rectangle{}
	}
	return img.Bounds()
}

// Digest returns the digest of the source bytes, if known.
func (a *Artifact) Digest() digest.Digest {
	return a.digest
}

// ByteSize returns the weighted in-memory size of the artifact, assuming
// four bytes per pixel.
func (a *Artifact) ByteSize() int {
	b := a.Bounds()
	return b.Dx() * b.Dy() * 4
}

// Release drops the pixel data and runs the release hook. Calls after the
// first are no-ops.
func (a *Artifact) Release() {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	a.img = nil
	hook := a.onRelease
	a.onRelease = nil
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Released reports whether Release has been called.
func (a *Artifact) Released() bool {
	return a.released.Load()
}
