package service

import (
	"testing"
	"time"

	"dbdesk/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedResult() *core.QueryResult {
	return &core.QueryResult{
		Columns:  []string{"n"},
		Rows:     []map[string]interface{}{{"n": int64(1)}},
		RowCount: 1,
	}
}

func TestCacheScopedEviction(t *testing.T) {
	c := NewQueryCache(16, time.Minute)

	c.Put("k1", "conn1", "db1", cachedResult())
	c.Put("k2", "conn1", "db2", cachedResult())
	c.Put("k3", "conn2", "db1", cachedResult())

	c.EvictDatabase("conn1", "db1")

	_, ok := c.Get("k1")
	assert.False(t, ok, "evicted database entry must be gone")
	_, ok = c.Get("k2")
	assert.True(t, ok, "other database on the same connection survives")
	_, ok = c.Get("k3")
	assert.True(t, ok, "other connections are untouched")
}

func TestCacheEvictConnection(t *testing.T) {
	c := NewQueryCache(16, time.Minute)

	c.Put("k1", "conn1", "db1", cachedResult())
	c.Put("k2", "conn1", "db2", cachedResult())
	c.Put("k3", "conn2", "db1", cachedResult())

	c.EvictConnection("conn1")

	_, ok := c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.False(t, ok)
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewQueryCache(16, 20*time.Millisecond)

	c.Put("k", "conn1", "db1", cachedResult())
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entries expire after the TTL")
}

func TestCacheStatsCount(t *testing.T) {
	c := NewQueryCache(16, time.Minute)

	c.Put("k", "conn1", "db1", cachedResult())
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
