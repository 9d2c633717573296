// Package cache provides the key/value cache shared by the gateway
// components: auth validity records, resolved routes, and serialized
// responses all live behind the same interface.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrConnectionFailed indicates that the cache connection failed.
	ErrConnectionFailed = errors.New("cache connection failed")
)

// Cache is the main interface for key/value caching.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns ErrCacheMiss if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	// A TTL of 0 means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes one or more keys from the cache. Missing keys are
	// not an error.
	Delete(ctx context.Context, keys ...string) error

	// AddToSet adds a member to the set stored at key. The set is
	// created if it does not exist. A positive ttl extends the set's
	// lifetime to at least ttl from now, so an index set lives as long
	// as its longest-lived member; zero leaves the expiry untouched.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of the set stored at key. A
	// missing set yields an empty slice, not an error.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Close closes the cache connection.
	Close() error
}

// Stats contains cache hit/miss counters.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
