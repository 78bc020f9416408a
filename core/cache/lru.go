package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// LRU is a size-bounded least recently used cache.
//
// Each entry is weighted by the sizer (1 per entry by default). The weight is
// captured when the entry is stored, so later changes to a value do not skew
// accounting. LRU is safe for concurrent use.
type LRU[V comparable] struct {
	mu      sync.Mutex
	maxSize int
	size    int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	sizer   func(V) int
	onEvict func(key string, value V)
}

type lruEntry[V comparable] struct {
	key   string
	value V
	size  int
}

// LRUOption configures an LRU.
type LRUOption[V comparable] func(*LRU[V])

// WithSizer sets the function used to weigh entries.
func WithSizer[V comparable](fn func(V) int) LRUOption[V] {
	return func(c *LRU[V]) {
		c.sizer = fn
	}
}

// WithEvict sets a hook called for every value that leaves the cache through
// eviction, replacement or Purge. The hook runs with the cache lock held and
// must not call back into the cache.
func WithEvict[V comparable](fn func(key string, value V)) LRUOption[V] {
	return func(c *LRU[V]) {
		c.onEvict = fn
	}
}

// NewLRU creates an LRU bounded by maxSize.
func NewLRU[V comparable](maxSize int, opts ...LRUOption[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, maxSize)
	}
	c := &LRU[V]{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		sizer:   func(V) int { return 1 },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the value for key and promotes it to most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry[V]).value, true //nolint:errcheck // type is guaranteed by Set
}

// Set stores value under key.
//
// Replacing a key with a different value runs the evict hook on the old
// value. Inserting a new key evicts least recently used entries until the new
// entry fits. A single entry larger than the whole cache is rejected with
// ErrEntryTooLarge.
func (c *LRU[V]) Set(key string, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	valueSize := c.sizer(value)
	if valueSize > c.maxSize {
		return fmt.Errorf("%w: entry size=%d cache size=%d", ErrEntryTooLarge, valueSize, c.maxSize)
	}

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry[V]) //nolint:errcheck // type is guaranteed by Set
		if entry.value != value {
			old := entry.value
			c.size += valueSize - entry.size
			entry.value = value
			entry.size = valueSize
			if c.onEvict != nil {
				c.onEvict(key, old)
			}
		}
		c.order.MoveToFront(elem)
	} else {
		for c.size+valueSize > c.maxSize && c.order.Len() > 0 {
			c.evictOldestLocked()
		}
		c.entries[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, size: valueSize})
		c.size += valueSize
	}

	// A replacement can grow an entry past the limit. Trim from the back but
	// never below one entry so the newest value always survives.
	for c.size > c.maxSize && c.order.Len() > 1 {
		c.evictOldestLocked()
	}
	return nil
}

// Remove deletes key without running the evict hook. It reports whether the
// key was present.
func (c *LRU[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Clear drops every entry without running the evict hook.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// Purge runs the evict hook on every entry and drops them all.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvict != nil {
		for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
			entry := elem.Value.(*lruEntry[V]) //nolint:errcheck // type is guaranteed by Set
			c.onEvict(entry.key, entry.value)
		}
	}
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// Keys returns the keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry[V]).key) //nolint:errcheck // type is guaranteed by Set
	}
	return keys
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Size returns the current weighted size.
func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the configured limit.
func (c *LRU[V]) MaxSize() int {
	return c.maxSize
}

// evictOldestLocked removes the least recently used entry and runs the evict hook.
// Caller must hold c.mu.
func (c *LRU[V]) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lruEntry[V]) //nolint:errcheck // type is guaranteed by Set
	c.removeLocked(oldest)
	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value)
	}
}

// removeLocked removes an element from both the list and map.
// Caller must hold c.mu.
func (c *LRU[V]) removeLocked(elem *list.Element) {
	entry := elem.Value.(*lruEntry[V]) //nolint:errcheck // type is guaranteed by Set
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.size -= entry.size
}
