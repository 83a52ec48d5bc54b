package producer

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Key identifies one producer's state within one stream.
type Key struct {
	StreamID   string
	ProducerID string
}

// Cache is a bounded, TTL-evicting front for the producer-state table:
// entries are dropped a configured TTL after their last write. A hit
// lets the append path reject a write the cached state already rules
// out without opening a transaction; the store remains the source of
// truth and still checks every append it receives, hit or miss.
type Cache struct {
	inner *lru.LRU[Key, State]
}

// NewCache builds a cache holding up to size entries, each evicted ttl
// after its last write.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{inner: lru.NewLRU[Key, State](size, nil, ttl)}
}

// Get returns the cached state for key, if present and unexpired.
func (c *Cache) Get(key Key) (State, bool) {
	return c.inner.Get(key)
}

// Set records the accepted state for key, resetting its TTL.
func (c *Cache) Set(key Key, s State) {
	c.inner.Add(key, s)
}

// Invalidate drops a single producer's cached state (used by the append
// path when the store rejects an append, so the cache no longer holds
// state the store did not confirm).
func (c *Cache) Invalidate(key Key) {
	c.inner.Remove(key)
}

// Len returns the number of live entries, mostly useful for tests and
// metrics.
func (c *Cache) Len() int {
	return c.inner.Len()
}
