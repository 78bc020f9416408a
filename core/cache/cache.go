package cache

import (
	"errors"

	"github.com/meigma/imageload/core/artifact"
)

// Sentinel errors for cache operations.
var (
	// ErrEntryTooLarge is returned by Set when a single entry exceeds the cache limit.
	ErrEntryTooLarge = errors.New("cache: entry larger than cache")

	// ErrInvalidSize is returned when a cache is constructed with a non-positive limit.
	ErrInvalidSize = errors.New("cache: size limit must be > 0")
)

// Cache stores decoded artifacts by request key.
type Cache interface {
	// Get returns the artifact for key and promotes it to most recently used.
	Get(key string) (*artifact.Artifact, bool)

	// Set stores a under key, evicting least recently used entries as needed.
	// It returns ErrEntryTooLarge if a alone exceeds the limit.
	Set(key string, a *artifact.Artifact) error

	// Clear drops all entries without releasing them.
	Clear()

	// Purge releases and drops all entries.
	Purge()

	// Len returns the number of entries.
	Len() int

	// Size returns the current weighted size.
	Size() int

	// MaxSize returns the configured limit.
	MaxSize() int
}

// NewMemory returns an artifact cache bounded by total pixel bytes.
// Evicted and replaced artifacts are released.
func NewMemory(maxBytes int) (*LRU[*artifact.Artifact], error) {
	return NewLRU(maxBytes,
		WithSizer(func(a *artifact.Artifact) int { return a.ByteSize() }),
		WithEvict(func(_ string, a *artifact.Artifact) { a.Release() }),
	)
}

// NewCounting returns an artifact cache bounded by entry count.
// Evicted and replaced artifacts are released.
func NewCounting(maxEntries int) (*LRU[*artifact.Artifact], error) {
	return NewLRU(maxEntries,
		WithEvict(func(_ string, a *artifact.Artifact) { a.Release() }),
	)
}

var _ Cache = (*LRU[*artifact.Artifact])(nil)
