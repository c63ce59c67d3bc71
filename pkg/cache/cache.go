// Package cache provides the bounded caches sitting in front of the block
// maps: decoded clusters, L2 tables and sectors.
//
// When an insert would push the cache over its byte budget, every entry is
// dropped first. Readers must not depend on an entry staying cached.
package cache

// Cache maps keys to byte slices under a total byte budget.
type Cache[K comparable] struct {
	budget int
	used   int
	items  map[K][]byte
}

// New returns a cache holding at most budget bytes.
func New[K comparable](budget int) *Cache[K] {
	return &Cache[K]{budget: budget, items: make(map[K][]byte)}
}

// Get returns the cached value of key.
func (c *Cache[K]) Get(key K) ([]byte, bool) {
	v, ok := c.items[key]
	return v, ok
}

// Put stores value under key. Values larger than the whole budget are not
// cached.
func (c *Cache[K]) Put(key K, value []byte) {
	if len(value) > c.budget {
		return
	}
	if old, ok := c.items[key]; ok {
		c.used -= len(old)
		delete(c.items, key)
	}
	if c.used+len(value) > c.budget {
		c.Reset()
	}
	c.items[key] = value
	c.used += len(value)
}

// Delete drops key.
func (c *Cache[K]) Delete(key K) {
	if old, ok := c.items[key]; ok {
		c.used -= len(old)
		delete(c.items, key)
	}
}

// Reset drops every entry.
func (c *Cache[K]) Reset() {
	clear(c.items)
	c.used = 0
}

// Len is the number of cached entries.
func (c *Cache[K]) Len() int { return len(c.items) }

// Bytes is the total size of the cached values.
func (c *Cache[K]) Bytes() int { return c.used }

// Budget is the byte budget of the cache.
func (c *Cache[K]) Budget() int { return c.budget }
