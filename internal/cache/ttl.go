// Package cache holds explicit TTL caches with an injected clock.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/frommybrain/fatebox/internal/clock"
)

// entry is one cached value with the time it was fetched.
type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTL caches values per key for a fixed duration.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[K]entry[V]
}

// NewTTL creates a cache whose entries expire ttl after they were fetched.
func NewTTL[K comparable, V any](ttl time.Duration, clk clock.Clock) *TTL[K, V] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TTL[K, V]{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the cached value for key if it is still fresh.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value for key, stamped with the current time.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, fetchedAt: c.clock.Now()}
}

// Invalidate drops key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// GetOrFetch returns the fresh cached value or calls fetch and caches its
// result. Errors are not cached. Concurrent misses may fetch more than once.
func (c *TTL[K, V]) GetOrFetch(ctx context.Context, key K, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *TTL[K, V]) expired(e entry[V]) bool {
	return c.clock.Now().Sub(e.fetchedAt) >= c.ttl
}
