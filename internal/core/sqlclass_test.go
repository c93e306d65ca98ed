package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSQL(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t", NormalizeSQL("  SELECT   *\n\tFROM   t  "))
	assert.Equal(t, "SELECT 1", NormalizeSQL("SELECT 1"))
}

func TestIsReadOnly(t *testing.T) {
	readOnly := []string{
		"SELECT * FROM users",
		"  select id from t  ",
		"SHOW TABLES",
		"EXPLAIN SELECT 1",
		"DESCRIBE users",
		"DESC users",
		"PRAGMA table_info(t)",
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
	}
	for _, stmt := range readOnly {
		assert.True(t, IsReadOnly(stmt), "expected read-only: %s", stmt)
	}

	writes := []string{
		"INSERT INTO t VALUES (1)",
		"UPDATE t SET a = 1",
		"DELETE FROM t",
		"CREATE TABLE t (n INTEGER)",
		"DROP TABLE t",
		"TRUNCATE t",
		"WITH src AS (SELECT * FROM a) INSERT INTO b SELECT * FROM src",
	}
	for _, stmt := range writes {
		assert.False(t, IsReadOnly(stmt), "expected write: %s", stmt)
	}
}

func TestCacheKeyStableUnderFormatting(t *testing.T) {
	a := CacheKey("conn1", "db", "SELECT *\n  FROM t", nil)
	b := CacheKey("conn1", "db", "SELECT * FROM t", nil)
	assert.Equal(t, a, b, "whitespace variants share a key")
}

func TestCacheKeyScopes(t *testing.T) {
	base := CacheKey("conn1", "db", "SELECT 1", nil)

	assert.NotEqual(t, base, CacheKey("conn2", "db", "SELECT 1", nil), "connection is part of the key")
	assert.NotEqual(t, base, CacheKey("conn1", "other", "SELECT 1", nil), "database is part of the key")
	assert.NotEqual(t, base, CacheKey("conn1", "db", "SELECT 2", nil))

	withArg := CacheKey("conn1", "db", "SELECT 1", []interface{}{7})
	assert.NotEqual(t, base, withArg, "arguments are part of the key")

	intArg := CacheKey("conn1", "db", "SELECT 1", []interface{}{1})
	strArg := CacheKey("conn1", "db", "SELECT 1", []interface{}{"1"})
	assert.NotEqual(t, intArg, strArg, "argument type is part of the key")
}
