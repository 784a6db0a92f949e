package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/23skdu/relnode/internal/metrics"
)

// Key identifies a cached result. Version is the commit the result was
// computed against, so results of older commits are never returned for a
// newer one even before Purge runs.
type Key struct {
	Version uint64
	Hash    uint64
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// QueryCache is a bounded LRU of query results. It is safe for concurrent use.
type QueryCache[T any] struct {
	lru *lru.Cache
	ttl time.Duration

	// index label for metrics
	index string
}

// NewQueryCache returns a cache holding at most capacity results. A zero ttl
// keeps entries until they are evicted or purged.
func NewQueryCache[T any](capacity int, ttl time.Duration, index string) (*QueryCache[T], error) {
	l, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &QueryCache[T]{lru: l, ttl: ttl, index: index}, nil
}

func (c *QueryCache[T]) Get(key Key) (T, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		metrics.QueryCacheMissesTotal.WithLabelValues(c.index).Inc()
		var zero T
		return zero, false
	}
	e := v.(entry[T])
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		metrics.QueryCacheMissesTotal.WithLabelValues(c.index).Inc()
		metrics.QueryCacheSize.WithLabelValues(c.index).Set(float64(c.lru.Len()))
		var zero T
		return zero, false
	}
	metrics.QueryCacheHitsTotal.WithLabelValues(c.index).Inc()
	return e.value, true
}

func (c *QueryCache[T]) Put(key Key, value T) {
	e := entry[T]{value: value}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	if evicted := c.lru.Add(key, e); evicted {
		metrics.QueryCacheEvictionsTotal.WithLabelValues(c.index).Inc()
	}
	metrics.QueryCacheSize.WithLabelValues(c.index).Set(float64(c.lru.Len()))
}

// Len reports the number of cached results, expired ones included.
func (c *QueryCache[T]) Len() int {
	return c.lru.Len()
}

// Clear purges the cache
func (c *QueryCache[T]) Clear() {
	c.lru.Purge()
	metrics.QueryCacheSize.WithLabelValues(c.index).Set(0)
}
