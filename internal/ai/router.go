package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoProvider is returned when the router has nothing registered.
var ErrNoProvider = errors.New("no AI provider registered")

// Router tries providers in registration order until one succeeds. With a
// budget set, it refuses requests whose task has spent its daily tokens.
type Router struct {
	providers map[string]Provider
	fallback  []string // ordered fallback chain
	budget    BudgetChecker
	mu        sync.RWMutex
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBudget caps token spend per task type.
func WithBudget(b BudgetChecker) RouterOption {
	return func(r *Router) {
		r.budget = b
	}
}

// NewRouter creates a new AI router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		providers: make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider to the end of the fallback chain.
func (r *Router) Register(name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		r.fallback = append(r.fallback, name)
	}
	r.providers[name] = provider
}

// Complete routes a request to the first provider that answers. A cancelled
// or expired context stops the chain instead of falling through.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.fallback) == 0 {
		return CompletionResponse{}, ErrNoProvider
	}
	if err := r.checkBudget(ctx, req.Task); err != nil {
		return CompletionResponse{}, err
	}

	var errs []error
	for _, name := range r.fallback {
		provider := r.providers[name]

		start := time.Now()
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if ctxErr := ctx.Err(); ctxErr != nil {
				return CompletionResponse{}, fmt.Errorf("AI request aborted: %w", errors.Join(append(errs, ctxErr)...))
			}
			slog.Warn("AI provider failed, trying next",
				"provider", name,
				"task", req.Task.String(),
				"error", err,
			)
			continue
		}

		slog.Debug("AI request completed",
			"provider", name,
			"task", req.Task.String(),
			"model", resp.Model,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		r.recordUsage(ctx, req.Task, resp.TotalTokens())
		return resp, nil
	}

	return CompletionResponse{}, fmt.Errorf("all AI providers failed: %w", errors.Join(errs...))
}

// checkBudget fails closed on an exhausted budget and open when the budget
// store itself is unreachable.
func (r *Router) checkBudget(ctx context.Context, task TaskType) error {
	if r.budget == nil {
		return nil
	}
	ok, err := r.budget.Check(ctx, task.String())
	if err != nil {
		slog.Warn("AI budget check failed, allowing request", "task", task.String(), "error", err)
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: task %s", ErrBudgetExceeded, task)
	}
	return nil
}

func (r *Router) recordUsage(ctx context.Context, task TaskType, tokens int) {
	if r.budget == nil {
		return
	}
	if err := r.budget.Record(ctx, task.String(), tokens); err != nil {
		slog.Warn("AI budget record failed", "task", task.String(), "tokens", tokens, "error", err)
	}
}

// HasProvider returns true if at least one provider is registered.
func (r *Router) HasProvider() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) > 0
}

// HealthCheck succeeds if any registered provider is healthy.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.fallback) == 0 {
		return ErrNoProvider
	}
	var errs []error
	for _, name := range r.fallback {
		if err := r.providers[name].HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}
