// Package idempotency remembers the response to a mutating request so that a
// client retrying with the same X-Idempotency-Key gets the original outcome
// instead of applying the change twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/acadflow/model"
)

// Response is the recorded outcome of a request.
type Response struct {
	Status      int             `json:"status"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Store deduplicates requests by key. Check returns a CONFLICT error when the
// key was already used with a different request hash.
type Store interface {
	Check(ctx context.Context, key, requestHash string) (*Response, bool, error)
	Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

// FormatKey builds the storage key. Keys are scoped to the caller and the
// route so that two users can never collide on a client-chosen key.
func FormatKey(subjectID, route, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", subjectID, route, key)
}

// HashRequest returns a stable digest of a request body.
func HashRequest(method string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func reuseConflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Most keys are never
// retried, so expired entries are swept on Save.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*memEntry
	now       func() time.Time
	nextSweep time.Time
}

const sweepInterval = time.Minute

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.RequestHash != requestHash {
		return nil, true, reuseConflict(key)
	}
	resp := e.data.Response
	return &resp, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.Before(s.nextSweep) {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.nextSweep = now.Add(sweepInterval)
	}
	s.entries[key] = &memEntry{
		data:      entry{RequestHash: requestHash, Response: resp},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps entries in Redis with a native TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.RequestHash != requestHash {
		return nil, true, reuseConflict(key)
	}
	return &e.Response, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
