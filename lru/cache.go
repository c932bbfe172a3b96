// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry expiry.
//
// Get, Put and Len are O(1). Expired entries are removed lazily on
// access and count as misses.
package lru

import (
	"sync"
	"time"
)

type node[K comparable, V any] struct {
	key      K
	val      V
	storedAt time.Time
	ttl      time.Duration // 0 means no expiry
	prev     *node[K, V]
	next     *node[K, V]
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets the default lifetime applied by Put.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// WithClock overrides the time source used for expiry.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)
	now      func() time.Time
	metrics  Metrics
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a live value and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.liveLocked(key)
	if !ok {
		c.metrics.Misses++
		var zero V
		return zero, false
	}
	c.metrics.Hits++
	c.moveToFront(n)
	return n.val, true
}

// Put inserts or updates key with the default TTL. It returns the entry
// evicted to make room, if any.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	return c.PutWithTTL(key, val, c.ttl)
}

// PutWithTTL inserts or updates key with its own lifetime. Updating an
// entry resets its stored-at time.
func (c *Cache[K, V]) PutWithTTL(key K, val V, ttl time.Duration) (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if n, ok := c.items[key]; ok {
		n.val = val
		n.storedAt = now
		n.ttl = ttl
		c.moveToFront(n)
		var zk K
		var zv V
		return zk, zv, false
	}

	var (
		evictedKey K
		evictedVal V
		evicted    bool
	)
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.removeLocked(victim)
		c.metrics.Evictions++
		evictedKey, evictedVal, evicted = victim.key, victim.val, true
	}

	n := &node[K, V]{key: key, val: val, storedAt: now, ttl: ttl}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evictedVal, evicted
}

// Len returns the number of stored entries, including expired ones not yet
// reclaimed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge removes every expired entry and returns how many were dropped.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for cur := c.head.next; cur != c.tail; {
		next := cur.next
		if cur.expired(now) {
			c.expireLocked(cur)
			dropped++
		}
		cur = next
	}
	return dropped
}

// Metrics returns a snapshot of the counters.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// expired reports whether more than ttl has elapsed since storedAt.
func (n *node[K, V]) expired(now time.Time) bool {
	return n.ttl > 0 && now.Sub(n.storedAt) > n.ttl
}

// liveLocked returns the node for key, dropping it first if it has expired.
func (c *Cache[K, V]) liveLocked(key K) (*node[K, V], bool) {
	n, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if n.expired(c.now()) {
		c.expireLocked(n)
		return nil, false
	}
	return n, true
}

func (c *Cache[K, V]) expireLocked(n *node[K, V]) {
	c.removeLocked(n)
	c.metrics.Expirations++
}

func (c *Cache[K, V]) removeLocked(n *node[K, V]) {
	c.remove(n)
	delete(c.items, n.key)
}

// --- internal linked list operations (caller must hold lock) ---

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
