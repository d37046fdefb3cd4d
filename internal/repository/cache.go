// Package repository provides the read-through caches for per-series
// configuration and operational state.
//
// Both caches share the same mechanics: TTL expiry, LRU eviction at a fixed
// capacity, and singleflight coalescing so concurrent misses on the same
// key issue one underlying load.
package repository

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	key     string
	value   V
	expires time.Time
	elem    *list.Element
}

// ttlCache is an LRU cache with per-entry TTL. Safe for concurrent use.
type ttlCache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry[V]
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration
}

func newTTLCache[V any](capacity int, ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		entries:  make(map[string]*cacheEntry[V]),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expires) {
		c.remove(e)
		return zero, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(e.elem)
		return
	}

	e := &cacheEntry[V]{key: key, value: value, expires: time.Now().Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.remove(oldest.Value.(*cacheEntry[V]))
		}
	}
}

func (c *ttlCache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// remove must be called with mu held.
func (c *ttlCache[V]) remove(e *cacheEntry[V]) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *ttlCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
