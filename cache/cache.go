// Package cache stores completed analyses keyed by a fingerprint of their
// inputs. Entries expire on their own; there is no in-flight deduplication,
// so concurrent identical analyses both write and the last writer wins.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/finops/storage"
)

// DefaultTTL is how long a cached analysis stays valid.
const DefaultTTL = 24 * time.Hour

// deleteBatch bounds the number of keys per DEL during invalidation.
const deleteBatch = 100

// Cache is the fingerprinted result cache over the shared store.
type Cache struct {
	store  *storage.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache over the given store.
func New(store *storage.Client, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached payload for a fingerprint. Store errors and
// undecodable values are reported as a miss; Get never fails.
func (c *Cache) Get(ctx context.Context, fingerprint string) (json.RawMessage, bool) {
	key := storage.CacheKey(fingerprint)

	callCtx, cancel := c.store.WithTimeout(ctx)
	data, err := c.store.Redis().Get(callCtx, key).Bytes()
	cancel()
	if err != nil {
		if !storage.IsNil(err) {
			c.logger.Warn("Cache read failed, treating as miss", "fingerprint", fingerprint, "error", err)
		}
		return nil, false
	}

	if !json.Valid(data) {
		c.logger.Warn("Discarding malformed cache entry", "fingerprint", fingerprint, "bytes", len(data))
		delCtx, cancel := c.store.WithTimeout(ctx)
		if err := c.store.Redis().Del(delCtx, key).Err(); err != nil {
			c.logger.Debug("Failed to delete malformed cache entry", "fingerprint", fingerprint, "error", err)
		}
		cancel()
		return nil, false
	}

	return json.RawMessage(data), true
}

// Put stores value under the fingerprint with the default TTL, overwriting
// any previous entry. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, fingerprint string, value any) {
	c.PutWithTTL(ctx, fingerprint, value, c.ttl)
}

// PutWithTTL is Put with an explicit lifetime.
func (c *Cache) PutWithTTL(ctx context.Context, fingerprint string, value any, ttl time.Duration) {
	data, err := encode(value)
	if err != nil {
		c.logger.Warn("Cache payload not encodable, skipping write", "fingerprint", fingerprint, "error", err)
		return
	}

	callCtx, cancel := c.store.WithTimeout(ctx)
	defer cancel()
	if err := c.store.Redis().Set(callCtx, storage.CacheKey(fingerprint), data, ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", "fingerprint", fingerprint, "error", err)
		return
	}
	c.logger.Debug("Cached analysis", "fingerprint", fingerprint, "bytes", len(data), "ttl", ttl)
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Scope selects which entries Invalidate removes.
type Scope struct {
	// Fingerprint limits invalidation to a single entry. Empty means all entries.
	Fingerprint string
}

// All is the scope covering every cache entry.
var All = Scope{}

// Invalidate deletes the entries selected by scope and returns how many were
// removed. Full invalidation walks the keyspace with SCAN.
func (c *Cache) Invalidate(ctx context.Context, scope Scope) (int, error) {
	if scope.Fingerprint != "" {
		callCtx, cancel := c.store.WithTimeout(ctx)
		defer cancel()
		n, err := c.store.Redis().Del(callCtx, storage.CacheKey(scope.Fingerprint)).Result()
		if err != nil {
			return 0, storage.Unavailable("invalidate entry", err)
		}
		return int(n), nil
	}

	removed := 0
	err := c.store.ScanKeys(ctx, storage.CacheKeyPattern, func(keys []string) error {
		for start := 0; start < len(keys); start += deleteBatch {
			end := min(start+deleteBatch, len(keys))
			callCtx, cancel := c.store.WithTimeout(ctx)
			n, err := c.store.Redis().Unlink(callCtx, keys[start:end]...).Result()
			cancel()
			if err != nil {
				return storage.Unavailable("invalidate entries", err)
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	c.logger.Info("Cache invalidated", "removed", removed)
	return removed, nil
}

// Stats describes the cache for observability.
type Stats struct {
	EntryCount  int    `json:"entry_count"`
	StoreMemory string `json:"store_memory"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

// Stats counts entries with SCAN and reports store memory usage. Memory is
// left empty when the store does not expose it.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{TTLSeconds: int64(c.ttl / time.Second)}

	seen := make(map[string]struct{})
	err := c.store.ScanKeys(ctx, storage.CacheKeyPattern, func(keys []string) error {
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.EntryCount = len(seen)

	memory, err := c.store.MemoryUsage(ctx)
	if err != nil {
		c.logger.Debug("Store memory unavailable", "error", err)
	}
	stats.StoreMemory = memory
	return stats, nil
}
