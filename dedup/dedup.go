// Package dedup implements the Dedup Cache (spec.md §4.4): a
// TTL-bounded lookup from a task's properties hash to the run that
// already produced a successful, reusable result for it.
//
// The Redis-backed implementation gets "retention bounded by a
// configurable TTL" directly from `SET ... EX`, with no separate sweep
// needed to expire entries. An in-memory implementation is also
// provided for tests and single-node development, which does need an
// explicit prune pass since there's no Redis expiry to lean on.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"swarm.dev/core/task"
)

// Cache looks up and records DedupEntry values keyed by properties hash.
type Cache interface {
	// Lookup returns the DedupEntry for hash, or ok=false if none exists
	// or it has expired.
	Lookup(ctx context.Context, hash [32]byte) (task.DedupEntry, bool, error)

	// Record stores entry under its PropertiesHash with the given TTL.
	// Per spec.md §4.4's "at-most-one concurrent build" note, Record is
	// last-write-wins: callers only call it once a run reaches COMPLETED
	// with exit_code 0, and concurrent winners for the same hash are
	// expected (independent PENDING requests racing to complete first).
	Record(ctx context.Context, entry task.DedupEntry, ttl time.Duration) error
}

func keyFor(hash [32]byte) string {
	return fmt.Sprintf("dedup:%x", hash)
}

// RedisCache is a Cache backed by Redis, grounded on the same
// client.Set(ctx, key, val, ttl) / client.Get(ctx, key) idiom used
// throughout this codebase for TTL'd cross-node state.
type RedisCache struct {
	rdb *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a Cache backed by the given Redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Lookup(ctx context.Context, hash [32]byte) (task.DedupEntry, bool, error) {
	val, err := c.rdb.Get(ctx, keyFor(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return task.DedupEntry{}, false, nil
	}
	if err != nil {
		return task.DedupEntry{}, false, fmt.Errorf("dedup lookup: %w", err)
	}
	var entry task.DedupEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return task.DedupEntry{}, false, fmt.Errorf("dedup decode: %w", err)
	}
	return entry, true, nil
}

func (c *RedisCache) Record(ctx context.Context, entry task.DedupEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dedup encode: %w", err)
	}
	if err := c.rdb.Set(ctx, keyFor(entry.PropertiesHash), b, ttl).Err(); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	return nil
}

// MemoryCache is an in-memory Cache for tests and single-node
// deployments. Unlike RedisCache it has no server-side expiry, so
// Prune must be called periodically (the Lifecycle Timer's job) to
// actually reclaim expired entries; Lookup also treats an
// already-expired entry as absent regardless of whether Prune has run.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[[32]byte]memoryEntry
}

type memoryEntry struct {
	entry     task.DedupEntry
	expiresAt time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-memory Cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[[32]byte]memoryEntry)}
}

func (c *MemoryCache) Lookup(_ context.Context, hash [32]byte) (task.DedupEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok || time.Now().After(e.expiresAt) {
		return task.DedupEntry{}, false, nil
	}
	return e.entry, true, nil
}

func (c *MemoryCache) Record(_ context.Context, entry task.DedupEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.PropertiesHash] = memoryEntry{entry: entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Prune removes expired entries. Called by the Lifecycle Timer's sweep;
// RedisCache has no Prune, since Redis expires its keys itself.
func (c *MemoryCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for h, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, h)
			pruned++
		}
	}
	return pruned
}
