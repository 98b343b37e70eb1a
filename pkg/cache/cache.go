// Package cache provides generic, thread-safe cache implementations backing
// the entity store.
//
// Two cache types are offered:
//   - SimpleCache: no eviction policy (stores items indefinitely)
//   - TTLCache: time-to-live eviction with background cleanup
//
// All implementations are thread-safe, collect statistics unconditionally,
// and can optionally export those statistics as Prometheus metrics via
// functional options.
package cache

import (
	"time"

	"github.com/c360/threatdeck/errors"
)

// Cache is the interface all cache implementations satisfy. It is
// parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the zero value and false when
	// the key is absent or expired.
	Get(key string) (V, bool)

	// Set stores a value under key. Returns true if a new entry was created,
	// false if an existing one was updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys currently live in the cache.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close releases background resources (cleanup goroutines).
	Close() error
}

// EvictCallback is invoked when an entry is evicted, with the evicted key
// and value.
type EvictCallback[V any] func(key string, value V)

// validateKey rejects keys the backends cannot store.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    MetricsRegistrar
	metricsPrefix string
	evictCallback EvictCallback[V]
	cleanupEvery  time.Duration
}

// WithMetrics exposes cache statistics as Prometheus metrics under the given
// component prefix. Ignored when registrar is nil or prefix is empty.
func WithMetrics[V any](registrar MetricsRegistrar, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registrar != nil && prefix != "" {
			opts.metricsReg = registrar
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for each evicted entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithCleanupInterval overrides how often the TTL cache sweeps expired
// entries. Ignored when interval is not positive.
func WithCleanupInterval[V any](interval time.Duration) Option[V] {
	return func(opts *cacheOptions[V]) {
		if interval > 0 {
			opts.cleanupEvery = interval
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{
		cleanupEvery: 30 * time.Second,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
