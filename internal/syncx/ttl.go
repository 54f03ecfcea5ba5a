package syncx

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTLCache is a size-bounded cache whose entries expire after a fixed TTL.
// When full, the least recently used entry is evicted first.
type TTLCache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
	ttl time.Duration
}

// NewTTLCache returns a cache holding at most size entries for ttl each.
func NewTTLCache[K comparable, V any](size int, ttl time.Duration) *TTLCache[K, V] {
	if size <= 0 {
		size = 1
	}
	return &TTLCache[K, V]{
		lru: expirable.NewLRU[K, V](size, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the live value for k.
func (c *TTLCache[K, V]) Get(k K) (V, bool) { return c.lru.Get(k) }

// Put stores v under k and restarts its TTL.
func (c *TTLCache[K, V]) Put(k K, v V) { c.lru.Add(k, v) }

// Delete removes k.
func (c *TTLCache[K, V]) Delete(k K) { c.lru.Remove(k) }

// Len returns the number of entries, including ones that have expired but
// not yet been swept.
func (c *TTLCache[K, V]) Len() int { return c.lru.Len() }

// TTL returns the configured entry lifetime.
func (c *TTLCache[K, V]) TTL() time.Duration { return c.ttl }

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() { c.lru.Purge() }
