// Package cache provides a bounded TTL+LRU map shared by the endpoint
// resolver and session lookup layers.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry pairs a stored value with its expiry and list position.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache is a bounded map combining per-entry TTL with LRU eviction.
// All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	nowFn    func() time.Time

	items map[K]*list.Element
	order *list.List // front = most recently used

	janitorOnce sync.Once
	stopCh      chan struct{}
}

// New constructs a Cache with the given TTL and capacity.
// Non-positive capacity defaults to 1024; non-positive ttl defaults to a minute.
func New[K comparable, V any](ttl time.Duration, capacity int) *Cache[K, V] {
	return NewWithClock[K, V](ttl, capacity, nil)
}

// NewWithClock constructs a Cache with an injectable clock for tests.
func NewWithClock[K comparable, V any](ttl time.Duration, capacity int, nowFn func() time.Time) *Cache[K, V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Cache[K, V]{
		ttl:      ttl,
		capacity: capacity,
		nowFn:    nowFn,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		stopCh:   make(chan struct{}),
	}
}

// Get returns the live value for key and bumps its recency.
// Expired entries are removed and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := elem.Value.(*entry[K, V])
	if !c.nowFn().Before(ent.expiresAt) {
		c.removeElement(elem)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return ent.value, true
}

// Has reports whether a live entry exists for key without bumping recency.
func (c *Cache[K, V]) Has(key K) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	if !c.nowFn().Before(elem.Value.(*entry[K, V]).expiresAt) {
		c.removeElement(elem)
		return false
	}
	return true
}

// Set stores value under key, resetting TTL and recency for existing keys.
// At capacity, expired entries are purged first; if still full the oldest
// tenth of the live entries (at least one) is evicted.
func (c *Cache[K, V]) Set(key K, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if len(c.items) >= c.capacity {
		c.purgeExpiredLocked(now)
	}
	if len(c.items) >= c.capacity {
		c.evictOldestLocked()
	}

	elem := c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: now.Add(c.ttl)})
	c.items[key] = elem
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PurgeExpired removes every expired entry and returns the removal count.
func (c *Cache[K, V]) PurgeExpired() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked(c.nowFn())
}

// StartJanitor launches a background purge loop. Safe to call once; later
// calls are no-ops.
func (c *Cache[K, V]) StartJanitor(interval time.Duration) {
	if c == nil || interval <= 0 {
		return
	}
	c.janitorOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.PurgeExpired()
				case <-c.stopCh:
					return
				}
			}
		}()
	})
}

// Stop terminates the janitor loop. Idempotent.
func (c *Cache[K, V]) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *Cache[K, V]) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry[K, V])
	delete(c.items, ent.key)
	c.order.Remove(elem)
}

func (c *Cache[K, V]) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*entry[K, V]).expiresAt) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// evictOldestLocked drops the least recently used tenth of the entries,
// at least one.
func (c *Cache[K, V]) evictOldestLocked() {
	count := (len(c.items) + 9) / 10
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		c.removeElement(elem)
	}
}
