package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/agentfleet/memsync/internal/core"
)

const entryKeyPrefix = "mem:"

// RedisHot implements HotTier on go-redis.
type RedisHot struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewRedisHot connects a hot tier to the given Redis endpoint.
func NewRedisHot(addr, password string, db int, defaultTTL time.Duration) *RedisHot {
	return &RedisHot{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		defaultTTL: defaultTTL,
	}
}

// NewRedisHotFromClient wraps an existing client, used by tests.
func NewRedisHotFromClient(client *redis.Client, defaultTTL time.Duration) *RedisHot {
	return &RedisHot{client: client, defaultTTL: defaultTTL}
}

// Put caches a serialized entry. TTL derives from the entry's expiry when
// set, else the configured default.
func (h *RedisHot) Put(ctx context.Context, entry *core.MemoryEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.defaultTTL
		if entry.ExpiresAt != nil {
			if remaining := time.Until(*entry.ExpiresAt); remaining > 0 && remaining < ttl {
				ttl = remaining
			}
		}
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	if err := h.client.Set(ctx, entryKeyPrefix+entry.ID, b, ttl).Err(); err != nil {
		return fmt.Errorf("hot tier set failed: %w", err)
	}
	return nil
}

// Get returns the cached entry or (nil, nil) on miss.
func (h *RedisHot) Get(ctx context.Context, id string) (*core.MemoryEntry, error) {
	b, err := h.client.Get(ctx, entryKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hot tier get failed: %w", err)
	}

	var entry core.MemoryEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached entry %s: %w", id, err)
	}
	return &entry, nil
}

// Invalidate removes an entry from the cache.
func (h *RedisHot) Invalidate(ctx context.Context, id string) error {
	if err := h.client.Del(ctx, entryKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("hot tier invalidate failed: %w", err)
	}
	return nil
}

// IncrField atomically increments a hash field.
func (h *RedisHot) IncrField(ctx context.Context, key, field string, delta int64) error {
	if err := h.client.HIncrBy(ctx, key, field, delta).Err(); err != nil {
		return fmt.Errorf("hot tier hincrby failed: %w", err)
	}
	return nil
}

// IncrFloatField atomically increments a hash field by a float delta.
func (h *RedisHot) IncrFloatField(ctx context.Context, key, field string, delta float64) error {
	if err := h.client.HIncrByFloat(ctx, key, field, delta).Err(); err != nil {
		return fmt.Errorf("hot tier hincrbyfloat failed: %w", err)
	}
	return nil
}

// GetFields returns every field of a counter hash.
func (h *RedisHot) GetFields(ctx context.Context, key string) (map[string]string, error) {
	fields, err := h.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hot tier hgetall failed: %w", err)
	}
	return fields, nil
}

// DeleteKey removes a counter hash.
func (h *RedisHot) DeleteKey(ctx context.Context, key string) error {
	return h.client.Del(ctx, key).Err()
}

// ScanKeys returns keys matching the glob pattern. Used by the pattern
// sweep to enumerate active counter hashes; bounded by SCAN cursoring.
func (h *RedisHot) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := h.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("hot tier scan failed: %w", err)
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping checks connectivity.
func (h *RedisHot) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (h *RedisHot) Close() error {
	return h.client.Close()
}
