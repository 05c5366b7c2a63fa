package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss means no live entry exists for the key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry means the stored value is not a page entry.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager stores page responses in Redis. Every key written is also added
// to an index set of its scope so that a full reload can drop all pages of
// one source at once.
type Manager struct {
	redis *redis.Client
}

// NewManager panics on a nil client.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{redis: redisClient}
}

// indexKey names the set listing the page keys of scope.
func indexKey(scope string) string {
	if scope == "" {
		return KeyPrefix + ":index"
	}
	return KeyPrefix + ":index:" + scope
}

// Get returns ErrCacheMiss for absent and expired entries.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	case err != nil:
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	// Redis expiry has second granularity; Expires is authoritative.
	if entry.IsExpired() {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return &entry, nil
}

// Set writes entry with a Redis TTL matching its Expires time and records
// the key in the scope index. An already expired entry is not written.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	k := key.String()
	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, data, ttl)
		pipe.SAdd(ctx, indexKey(key.Scope), k)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}

// Delete removes one entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	k := key.String()
	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.SRem(ctx, indexKey(key.Scope), k)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Invalidate removes every entry written under scope and returns how many
// index members were dropped. Members whose entry already expired count
// as well.
func (m *Manager) Invalidate(ctx context.Context, scope string) (int, error) {
	idx := indexKey(scope)
	keys, err := m.redis.SMembers(ctx, idx).Result()
	if err != nil {
		CacheErrors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("redis smembers: %w", err)
	}
	if err := m.redis.Del(ctx, append(keys, idx)...).Err(); err != nil {
		CacheErrors.WithLabelValues("invalidate").Inc()
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return len(keys), nil
}
