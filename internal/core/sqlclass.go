package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeSQL trims and collapses whitespace so that formatting differences
// do not fragment the cache.
func NormalizeSQL(sqlText string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(sqlText, " "))
}

// readOnlyPrefixes are the statement keywords eligible for result caching.
var readOnlyPrefixes = []string{
	"SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "DESC", "PRAGMA", "WITH",
}

// IsReadOnly classifies a statement as side-effect-free. Only these go
// through the cache; everything else invalidates it on success. WITH is
// treated as read-only only when no data-modifying keyword follows the CTE.
func IsReadOnly(sqlText string) bool {
	normalized := strings.ToUpper(NormalizeSQL(sqlText))
	for _, prefix := range readOnlyPrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") || strings.HasPrefix(normalized, prefix+"(") {
			if prefix == "WITH" {
				return !containsMutation(normalized)
			}
			return true
		}
	}
	return false
}

func containsMutation(upperSQL string) bool {
	for _, kw := range []string{" INSERT ", " UPDATE ", " DELETE ", " MERGE "} {
		if strings.Contains(upperSQL, kw) {
			return true
		}
	}
	return false
}

// CacheKey derives the cache key for one execution: connection, effective
// database, normalized SQL and the bound arguments.
func CacheKey(connectionID, database, sqlText string, args []interface{}) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", connectionID, database, NormalizeSQL(sqlText))
	for _, a := range args {
		// The concrete type is part of the key: 1 and "1" are different
		// executions.
		fmt.Fprintf(h, "\x00%T=%v", a, a)
	}
	return hex.EncodeToString(h.Sum(nil))
}
