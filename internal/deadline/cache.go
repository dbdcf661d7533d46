package deadline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/acadflow/model"
)

// StatusCache memoizes computed deadline statuses. Because the calculator is
// pure, an entry never needs invalidating: a changed deadline carries a new
// version and therefore a new key.
type StatusCache interface {
	// Get looks up a cached result by key.
	Get(ctx context.Context, key string) (result *model.StatusResult, found bool, err error)

	// Set stores a result keyed by key with a TTL.
	Set(ctx context.Context, key string, result model.StatusResult, ttl time.Duration) error
}

// FormatStatusKey builds the cache key for a status computed at minute.
func FormatStatusKey(d model.Deadline, fact model.SubmissionFact, minute time.Time) string {
	return fmt.Sprintf("dlstatus:%s:%d:%t:%t:%d",
		d.ID, d.Version, fact.Submitted, fact.Late, minute.UTC().Unix()/60)
}

// --- MemoryStatusCache ---

// sweepInterval bounds how often Set scans for expired entries.
const sweepInterval = time.Minute

// MemoryStatusCache is an in-memory StatusCache with TTL support. Keys carry
// their minute and are never read again once it passes, so expired entries
// are swept on write rather than on read.
type MemoryStatusCache struct {
	mu        sync.RWMutex
	entries   map[string]*memEntry
	now       func() time.Time
	nextSweep time.Time
}

type memEntry struct {
	result    model.StatusResult
	expiresAt time.Time
}

// NewMemoryStatusCache creates a new in-memory status cache.
func NewMemoryStatusCache() *MemoryStatusCache {
	return &MemoryStatusCache{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Get returns a cached result, dropping it if expired.
func (c *MemoryStatusCache) Get(_ context.Context, key string) (*model.StatusResult, bool, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	result := entry.result
	return &result, true, nil
}

// Set stores a result with TTL, first dropping expired entries at most once
// per sweepInterval.
func (c *MemoryStatusCache) Set(_ context.Context, key string, result model.StatusResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !now.Before(c.nextSweep) {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.nextSweep = now.Add(sweepInterval)
	}
	c.entries[key] = &memEntry{result: result, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of entries, including expired ones.
func (c *MemoryStatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// --- RedisStatusCache ---

// RedisStatusCache is a Redis-backed StatusCache shared across replicas.
type RedisStatusCache struct {
	client redis.Cmdable
}

// NewRedisStatusCache creates a new Redis-backed status cache.
func NewRedisStatusCache(client redis.Cmdable) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

// Get looks up a cached result in Redis.
func (c *RedisStatusCache) Get(ctx context.Context, key string) (*model.StatusResult, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var result model.StatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("unmarshal status entry %q: %w", key, err)
	}
	return &result, true, nil
}

// Set saves a result in Redis with TTL.
func (c *RedisStatusCache) Set(ctx context.Context, key string, result model.StatusResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal status entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
