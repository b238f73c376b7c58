// Package cache provides a bounded in-memory TTL cache keyed by string.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCapacity bounds the number of cached entries.
	DefaultCapacity = 1000
	// DefaultMaxEntryBytes is the largest value size a sized cache accepts.
	// With DefaultCapacity this bounds retained values to about 1 GiB.
	DefaultMaxEntryBytes = 1 << 20
	// DefaultMaxTTL caps every entry lifetime.
	DefaultMaxTTL = 24 * time.Hour
	// DefaultKeyPrefix namespaces cached cookie records.
	DefaultKeyPrefix = "cookie:"
)

// Config controls the LRU cache. MaxEntryBytes only applies to caches built
// with NewSizedLRU.
type Config struct {
	Capacity      int
	MaxTTL        time.Duration
	MaxEntryBytes int64
	KeyPrefix     string
	Clock         func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// LRU is a capacity-bounded cache whose entries expire at the earlier of their
// own TTL and MaxTTL. It is safe for concurrent use.
type LRU[V any] struct {
	items         *expirable.LRU[string, entry[V]]
	prefix        string
	maxTTL        time.Duration
	maxEntryBytes int64
	sizer         func(V) int64
	clock         func() time.Time
}

// NewLRU constructs a cache bounded by entry count only.
func NewLRU[V any](cfg Config) *LRU[V] {
	return NewSizedLRU[V](cfg, nil)
}

// NewSizedLRU constructs a cache that also refuses values whose size exceeds
// MaxEntryBytes, which defaults to DefaultMaxEntryBytes.
func NewSizedLRU[V any](cfg Config, sizer func(V) int64) *LRU[V] {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxEntryBytes := cfg.MaxEntryBytes
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	return &LRU[V]{
		items:         expirable.NewLRU[string, entry[V]](capacity, nil, maxTTL),
		prefix:        cfg.KeyPrefix,
		maxTTL:        maxTTL,
		maxEntryBytes: maxEntryBytes,
		sizer:         sizer,
		clock:         clock,
	}
}

// Get returns the live value for key.
func (c *LRU[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	stored, ok := c.items.Get(c.prefix + key)
	if !ok {
		return zero, false, nil
	}
	if !c.clock().Before(stored.expiresAt) {
		c.items.Remove(c.prefix + key)
		return zero, false, nil
	}
	return stored.value, true, nil
}

// Set stores value under key for ttl, clamped to MaxTTL. A non-positive ttl uses MaxTTL.
// An oversized value is skipped and evicts whatever the key held before.
func (c *LRU[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	if c.sizer != nil && c.sizer(value) > c.maxEntryBytes {
		c.items.Remove(c.prefix + key)
		return nil
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	c.items.Add(c.prefix+key, entry[V]{value: value, expiresAt: c.clock().Add(ttl)})
	return nil
}

// Has reports whether key holds a live value without touching recency.
func (c *LRU[V]) Has(_ context.Context, key string) (bool, error) {
	stored, ok := c.items.Peek(c.prefix + key)
	if !ok {
		return false, nil
	}
	return c.clock().Before(stored.expiresAt), nil
}

// Invalidate drops key.
func (c *LRU[V]) Invalidate(_ context.Context, key string) error {
	c.items.Remove(c.prefix + key)
	return nil
}

// Len reports the number of stored entries, including ones not yet reaped.
func (c *LRU[V]) Len() int {
	return c.items.Len()
}
