package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned by the router when a budget key has used up
// its token allowance for the day.
var ErrBudgetExceeded = errors.New("AI token budget exceeded")

// BudgetChecker checks and records daily token usage per budget key. The
// router keys spend by task type, so translation can be capped on its own.
type BudgetChecker interface {
	// Check reports whether key still has budget left today.
	Check(ctx context.Context, key string) (bool, error)
	// Record adds tokens to today's usage for key.
	Record(ctx context.Context, key string, tokens int) error
	// Usage returns today's usage and the limit for key. A zero limit means
	// unlimited.
	Usage(ctx context.Context, key string) (used int64, limit int64, err error)
}

// InMemoryBudget tracks usage in process. Usage resets at UTC midnight.
// Deployments with several replicas use the Redis-backed budget instead.
type InMemoryBudget struct {
	mu     sync.Mutex
	limits map[string]int64
	usage  map[string]int64
	day    time.Time
	now    func() time.Time
}

// NewInMemoryBudget creates an in-memory budget. now defaults to time.Now.
func NewInMemoryBudget(now func() time.Time) *InMemoryBudget {
	if now == nil {
		now = time.Now
	}
	return &InMemoryBudget{
		limits: make(map[string]int64),
		usage:  make(map[string]int64),
		now:    now,
	}
}

// SetLimit sets the daily token limit for key. Zero or less removes it.
func (b *InMemoryBudget) SetLimit(key string, tokens int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tokens <= 0 {
		delete(b.limits, key)
		return
	}
	b.limits[key] = tokens
}

func (b *InMemoryBudget) Check(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	limit, ok := b.limits[key]
	if !ok {
		return true, nil
	}
	return b.usage[key] < limit, nil
}

func (b *InMemoryBudget) Record(_ context.Context, key string, tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("tokens must be non-negative, got %d", tokens)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	b.usage[key] += int64(tokens)
	return nil
}

func (b *InMemoryBudget) Usage(_ context.Context, key string) (int64, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	return b.usage[key], b.limits[key], nil
}

// roll clears usage when the UTC day changes. Callers hold b.mu.
func (b *InMemoryBudget) roll() {
	y, m, d := b.now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if !today.Equal(b.day) {
		b.day = today
		clear(b.usage)
	}
}
