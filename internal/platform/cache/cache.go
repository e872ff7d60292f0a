// Package cache provides the result cache behind the search pipeline:
// get/set with TTL plus tag- and pattern-based bulk invalidation. Entries
// are opaque byte slices and are always replaced wholesale, never patched.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired. A miss is a
// normal outcome, not a cache failure.
var ErrMiss = errors.New("cache miss")

// Cache is the capability surface the search service depends on. Adapters
// exist for Redis and for an in-memory store used in development and tests.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	// InvalidateByTag removes every entry written with the given tag and
	// returns the number of entries dropped.
	InvalidateByTag(ctx context.Context, tag string) (int, error)
	// InvalidatePattern removes entries whose key matches a glob pattern.
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// tagKeyPrefix namespaces the sets that map a tag to its member cache keys.
const tagKeyPrefix = "cache_tag:"
