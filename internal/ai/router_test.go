package ai_test

import (
	"context"
	"errors"
	"testing"

	"github.com/p-n-ai/pai-review/internal/ai"
)

func TestRouter_SingleProvider(t *testing.T) {
	router := ai.NewRouter()
	mock := ai.NewMockProvider("Hello!")
	router.Register("openai", mock)

	resp, err := router.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
	})

	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello!")
	}
}

func TestRouter_Fallback(t *testing.T) {
	router := ai.NewRouter()

	failing := &ai.MockProvider{Err: errors.New("rate limited")}
	fallback := ai.NewMockProvider("Fallback response")

	router.Register("openai", failing)
	router.Register("ollama", fallback)

	resp, err := router.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
	})

	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Fallback response" {
		t.Errorf("Content = %q, want %q", resp.Content, "Fallback response")
	}
}

func TestRouter_AllProvidersFail(t *testing.T) {
	router := ai.NewRouter()

	router.Register("openai", &ai.MockProvider{Err: errors.New("fail 1")})
	router.Register("ollama", &ai.MockProvider{Err: errors.New("fail 2")})

	_, err := router.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
	})

	if err == nil {
		t.Fatal("Complete() should return error when all providers fail")
	}
}

func TestRouter_NoProviders(t *testing.T) {
	router := ai.NewRouter()

	_, err := router.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
	})

	if !errors.Is(err, ai.ErrNoProvider) {
		t.Fatalf("Complete() error = %v, want ErrNoProvider", err)
	}
}

func TestRouter_HasProvider(t *testing.T) {
	router := ai.NewRouter()
	if router.HasProvider() {
		t.Error("HasProvider() should be false with no providers")
	}

	router.Register("mock", ai.NewMockProvider("ok"))
	if !router.HasProvider() {
		t.Error("HasProvider() should be true after Register")
	}
}

func TestRouter_FallbackOrder(t *testing.T) {
	router := ai.NewRouter()

	// First registered should be tried first.
	first := ai.NewMockProvider("first")
	second := ai.NewMockProvider("second")

	router.Register("first", first)
	router.Register("second", second)

	resp, err := router.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
	})

	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "first" {
		t.Errorf("Content = %q, want %q (first registered should be tried first)", resp.Content, "first")
	}
}

func TestRouter_AllProvidersFail_JoinsErrors(t *testing.T) {
	router := ai.NewRouter()
	rateLimited := errors.New("rate limited")

	router.Register("openai", &ai.MockProvider{Err: rateLimited})
	router.Register("ollama", &ai.MockProvider{Err: errors.New("connection refused")})

	_, err := router.Complete(context.Background(), ai.CompletionRequest{})
	if !errors.Is(err, rateLimited) {
		t.Errorf("Complete() error = %v, want it to wrap the provider error", err)
	}
}

func TestRouter_CancelledContextStopsChain(t *testing.T) {
	router := ai.NewRouter()
	first := ai.NewMockProvider("first")
	second := ai.NewMockProvider("second")
	router.Register("first", first)
	router.Register("second", second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := router.Complete(ctx, ai.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Complete() error = %v, want context.Canceled", err)
	}
	if second.Calls() != 0 {
		t.Errorf("second provider called %d times after cancellation, want 0", second.Calls())
	}
}

func TestRouter_RegisterSameNameReplaces(t *testing.T) {
	router := ai.NewRouter()
	router.Register("openai", ai.NewMockProvider("old"))
	router.Register("openai", ai.NewMockProvider("new"))

	resp, err := router.Complete(context.Background(), ai.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "new" {
		t.Errorf("Content = %q, want %q", resp.Content, "new")
	}
}

func TestRouter_HealthCheck(t *testing.T) {
	router := ai.NewRouter()
	if err := router.HealthCheck(context.Background()); !errors.Is(err, ai.ErrNoProvider) {
		t.Errorf("HealthCheck() error = %v, want ErrNoProvider", err)
	}

	router.Register("down", &ai.MockProvider{Err: errors.New("down")})
	if err := router.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail when every provider is down")
	}

	router.Register("up", ai.NewMockProvider("ok"))
	if err := router.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil with one healthy provider", err)
	}
}

func TestRouter_Budget(t *testing.T) {
	ctx := context.Background()
	budget := ai.NewInMemoryBudget(nil)
	budget.SetLimit(ai.TaskTranslation.String(), 20)
	mock := ai.NewMockProvider("0123456789")
	router := ai.NewRouter(ai.WithBudget(budget))
	router.Register("openai", mock)

	req := ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
		Task:     ai.TaskTranslation,
	}
	// The mock reports 10 input tokens plus one per output byte.
	if _, err := router.Complete(ctx, req); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	used, _, _ := budget.Usage(ctx, ai.TaskTranslation.String())
	if used != 20 {
		t.Errorf("used = %d, want 20", used)
	}

	if _, err := router.Complete(ctx, req); !errors.Is(err, ai.ErrBudgetExceeded) {
		t.Fatalf("Complete() over budget error = %v, want ErrBudgetExceeded", err)
	}
	if mock.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", mock.Calls())
	}

	// Other tasks have their own budget.
	if _, err := router.Complete(ctx, ai.CompletionRequest{Messages: req.Messages}); err != nil {
		t.Errorf("general Complete() error = %v", err)
	}
}

type failingBudget struct{}

func (failingBudget) Check(context.Context, string) (bool, error) {
	return false, errors.New("budget store down")
}
func (failingBudget) Record(context.Context, string, int) error {
	return errors.New("budget store down")
}
func (failingBudget) Usage(context.Context, string) (int64, int64, error) {
	return 0, 0, errors.New("budget store down")
}

func TestRouter_BudgetStoreDown(t *testing.T) {
	router := ai.NewRouter(ai.WithBudget(failingBudget{}))
	router.Register("openai", ai.NewMockProvider("ok"))

	if _, err := router.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{{Role: "user", Content: "hi"}},
		Task:     ai.TaskTranslation,
	}); err != nil {
		t.Errorf("Complete() error = %v, want the request allowed", err)
	}
}
