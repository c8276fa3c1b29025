package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	budgetKeyPrefix = "review:budget:"
	budgetKeyTTL    = 48 * time.Hour
)

// TokenBudget tracks daily AI token spend in Redis so every replica draws
// from the same allowance. It satisfies ai.BudgetChecker.
type TokenBudget struct {
	client redis.Cmdable
	limits map[string]int64
	now    func() time.Time
}

// NewTokenBudget creates a budget with daily limits per key. Keys without a
// positive limit are unlimited but still counted.
func NewTokenBudget(client redis.Cmdable, limits map[string]int64) *TokenBudget {
	return &TokenBudget{client: client, limits: limits, now: time.Now}
}

// Budget returns a token budget backed by this connection.
func (c *Cache) Budget(limits map[string]int64) *TokenBudget {
	return NewTokenBudget(c.Client, limits)
}

func (b *TokenBudget) key(key string) string {
	return budgetKeyPrefix + key + ":" + b.now().UTC().Format(time.DateOnly)
}

func (b *TokenBudget) Check(ctx context.Context, key string) (bool, error) {
	limit := b.limits[key]
	if limit <= 0 {
		return true, nil
	}
	used, err := b.used(ctx, key)
	if err != nil {
		return false, err
	}
	return used < limit, nil
}

func (b *TokenBudget) Record(ctx context.Context, key string, tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("tokens must be non-negative, got %d", tokens)
	}
	k := b.key(key)
	pipe := b.client.TxPipeline()
	pipe.IncrBy(ctx, k, int64(tokens))
	pipe.Expire(ctx, k, budgetKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

func (b *TokenBudget) Usage(ctx context.Context, key string) (int64, int64, error) {
	used, err := b.used(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return used, b.limits[key], nil
}

func (b *TokenBudget) used(ctx context.Context, key string) (int64, error) {
	n, err := b.client.Get(ctx, b.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read token usage: %w", err)
	}
	return n, nil
}
