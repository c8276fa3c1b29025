package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-review/internal/ai"
	"github.com/p-n-ai/pai-review/internal/api"
	"github.com/p-n-ai/pai-review/internal/curriculum"
	"github.com/p-n-ai/pai-review/internal/platform/cache"
	"github.com/p-n-ai/pai-review/internal/platform/config"
	"github.com/p-n-ai/pai-review/internal/platform/database"
	"github.com/p-n-ai/pai-review/internal/platform/jobs"
	"github.com/p-n-ai/pai-review/internal/review"
	"github.com/p-n-ai/pai-review/internal/translate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.New(ctx, database.Options{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
		AppName:  "pai-review",
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool); err != nil {
		return err
	}
	store, err := review.NewPostgresStore(db.Pool)
	if err != nil {
		return err
	}

	checks := map[string]api.Checker{"database": db}
	svcCfg := review.ServiceConfig{
		Store:          store,
		BaseLanguage:   cfg.Review.BaseLanguage,
		BatchSize:      cfg.Review.BatchSize,
		Concurrency:    cfg.Review.BatchConcurrency,
		FallbackToBase: cfg.Review.FallbackToBase,
	}

	limits := map[string]int64{ai.TaskTranslation.String(): cfg.AI.TranslationTokenBudget}
	var budget ai.BudgetChecker = newLocalBudget(limits)

	// The identity cache only saves lookups; run without it if Redis is down.
	// The token budget then falls back to a per-process allowance.
	if c, err := cache.New(ctx, cache.Options{URL: cfg.Cache.URL, ClientName: "pai-review"}); err != nil {
		slog.Warn("cache unavailable, identity lookups go to the database", "error", err)
	} else {
		defer func() { _ = c.Close() }()
		svcCfg.IdentityCache = c.Identity(cfg.Cache.IdentityTTL)
		budget = c.Budget(limits)
		checks["cache"] = c
	}

	router := newAIRouter(cfg.AI, ai.WithBudget(budget))
	svcCfg.Translator = translate.NewAITranslator(router,
		translate.WithTimeout(cfg.Review.TranslationTimeout),
		translate.WithModel(cfg.AI.Model),
	)
	svc := review.NewService(svcCfg)

	if cfg.SeedPath != "" {
		if err := seed(ctx, cfg.SeedPath, store, svc.BaseLanguage()); err != nil {
			return err
		}
	}

	if cfg.Jobs.Enabled {
		runner := jobs.NewRunner()
		if err := runner.ScheduleDailyRollup(cfg.Jobs.RollupAt, svc.Rollup); err != nil {
			return err
		}
		runner.Start()
		defer runner.Stop()
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      api.NewHandler(svc, api.Options{Checks: checks}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func seed(ctx context.Context, path string, sink curriculum.Sink, baseLanguage string) error {
	loader, err := curriculum.NewLoader(path)
	if err != nil {
		return fmt.Errorf("loading seed decks: %w", err)
	}
	res, err := loader.Seed(ctx, sink, baseLanguage)
	if err != nil {
		return fmt.Errorf("seeding decks: %w", err)
	}
	slog.Info("seed decks loaded", "path", path, "scopes", res.Scopes, "cards", res.Cards)
	return nil
}

// newAIRouter registers every configured provider in the order OpenAI,
// Anthropic, Google, DeepSeek, OpenRouter, Ollama. LEARN_AI_MODEL only
// applies to the providers that share a model namespace with it.
func newAIRouter(cfg config.AIConfig, opts ...ai.RouterOption) *ai.Router {
	router := ai.NewRouter(opts...)
	if cfg.OpenAI.APIKey != "" {
		var opts []ai.OpenAIOption
		if cfg.Model != "" {
			opts = append(opts, ai.WithDefaultModel(cfg.Model))
		}
		router.Register("openai", ai.NewOpenAIProvider(cfg.OpenAI.APIKey, opts...))
	}
	if cfg.Anthropic.APIKey != "" {
		router.Register("anthropic", ai.NewAnthropicProvider(cfg.Anthropic.APIKey))
	}
	if cfg.Google.APIKey != "" {
		router.Register("google", ai.NewGoogleProvider(cfg.Google.APIKey))
	}
	if cfg.DeepSeek.APIKey != "" {
		router.Register("deepseek", ai.NewDeepSeekProvider(cfg.DeepSeek.APIKey))
	}
	if cfg.OpenRouter.APIKey != "" {
		router.Register("openrouter", ai.NewOpenRouterProvider(cfg.OpenRouter.APIKey))
	}
	if cfg.Ollama.Enabled {
		var opts []ai.OllamaOption
		if cfg.Model != "" {
			opts = append(opts, ai.WithOllamaModel(cfg.Model))
		}
		router.Register("ollama", ai.NewOllamaProvider(cfg.Ollama.URL, opts...))
	}
	return router
}

func newLocalBudget(limits map[string]int64) *ai.InMemoryBudget {
	b := ai.NewInMemoryBudget(nil)
	for key, tokens := range limits {
		b.SetLimit(key, tokens)
	}
	return b
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
