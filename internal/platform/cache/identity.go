package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	identityKeyPrefix  = "review:base:"
	defaultIdentityTTL = 7 * 24 * time.Hour
)

// IdentityCache stores content unit id -> base id resolutions in Redis.
// A variant's base never changes, so entries only expire to bound memory.
// Redis failures degrade to a miss; the store stays the source of truth.
type IdentityCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewIdentityCache creates an identity cache. ttl <= 0 uses a week.
func NewIdentityCache(client redis.Cmdable, ttl time.Duration) *IdentityCache {
	if ttl <= 0 {
		ttl = defaultIdentityTTL
	}
	return &IdentityCache{client: client, ttl: ttl}
}

func identityKey(id string) string {
	return identityKeyPrefix + id
}

// GetBase returns the cached base id for id.
func (c *IdentityCache) GetBase(ctx context.Context, id string) (string, bool) {
	base, err := c.client.Get(ctx, identityKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("identity cache read failed", "id", id, "error", err)
		}
		return "", false
	}
	return base, true
}

// SetBase caches the base id for id.
func (c *IdentityCache) SetBase(ctx context.Context, id, baseID string) {
	if err := c.client.Set(ctx, identityKey(id), baseID, c.ttl).Err(); err != nil {
		slog.Warn("identity cache write failed", "id", id, "base_id", baseID, "error", err)
	}
}

// GetBases returns the cached base ids among ids with a single MGET.
func (c *IdentityCache) GetBases(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = identityKey(id)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("identity cache read failed", "ids", len(ids), "error", err)
		return out
	}
	for i, v := range vals {
		if base, ok := v.(string); ok && base != "" {
			out[ids[i]] = base
		}
	}
	return out
}
