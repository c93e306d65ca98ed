package service

import (
	"sync"
	"sync/atomic"
	"time"

	"dbdesk/internal/core"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbdesk_query_cache_hits_total",
		Help: "Query cache hits.",
	})
	cacheMissesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbdesk_query_cache_misses_total",
		Help: "Query cache misses.",
	})
)

// cacheEntry pairs a cached result with its invalidation scope.
type cacheEntry struct {
	connectionID string
	database     string
	result       *core.QueryResult
}

// QueryCache holds results of read-only statements. Entries expire by TTL
// and are evicted coarsely by connection or connection+database whenever a
// write lands: correctness over precision.
type QueryCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, cacheEntry]

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewQueryCache(size int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		lru: expirable.NewLRU[string, cacheEntry](size, nil, ttl),
	}
}

// Get returns a cached result. Counters move on every lookup.
func (c *QueryCache) Get(key string) (*core.QueryResult, bool) {
	c.mu.Lock()
	entry, ok := c.lru.Get(key)
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		cacheMissesMetric.Inc()
		return nil, false
	}
	c.hits.Add(1)
	cacheHitsMetric.Inc()
	return entry.result, true
}

// Put stores a read-only result under its key.
func (c *QueryCache) Put(key, connectionID, database string, result *core.QueryResult) {
	c.mu.Lock()
	c.lru.Add(key, cacheEntry{connectionID: connectionID, database: database, result: result})
	c.mu.Unlock()
}

// EvictDatabase drops every entry for a connection+database pair. An empty
// database drops the whole connection.
func (c *QueryCache) EvictDatabase(connectionID, database string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok || entry.connectionID != connectionID {
			continue
		}
		if database == "" || entry.database == database || entry.database == "" {
			c.lru.Remove(key)
		}
	}
}

// EvictConnection drops every entry scoped to a connection. Registered as a
// registry invalidation hook so cache entries never outlive their
// connection.
func (c *QueryCache) EvictConnection(connectionID string) {
	c.EvictDatabase(connectionID, "")
}

// Stats returns process-lifetime hit/miss counters.
func (c *QueryCache) Stats() core.CacheStats {
	return core.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
