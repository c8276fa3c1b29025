package review

import (
	"context"
	"fmt"
	"time"

	"github.com/p-n-ai/pai-review/internal/srs"
	"github.com/p-n-ai/pai-review/internal/translate"
)

const defaultBaseLanguage = "en"

// ServiceConfig holds dependencies for the review service.
type ServiceConfig struct {
	Store         Store
	Translator    translate.Translator
	IdentityCache IdentityCache  // optional look-aside for resolveBase
	Scheduler     *srs.Scheduler // default scheduler when nil
	BaseLanguage  string         // language of base units (default "en")
	BatchSize     int            // units per translateMany call (default 20)
	Concurrency   int            // concurrent translation batches (default 4)
	// FallbackToBase serves base-language cards, flagged Degraded, when
	// translation is unavailable.
	FallbackToBase bool
	Now            func() time.Time
}

// Service is the entry point for due sets, attempts and statistics. All
// progress reads and writes go through its Resolver.
type Service struct {
	store          Store
	resolver       *Resolver
	cache          *TranslationCache
	scheduler      *srs.Scheduler
	baseLanguage   string
	fallbackToBase bool
	now            func() time.Time
}

// NewService creates a review service.
func NewService(cfg ServiceConfig) *Service {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	baseLanguage := cfg.BaseLanguage
	if baseLanguage == "" {
		baseLanguage = defaultBaseLanguage
	}
	if lang, err := NormalizeLanguage(baseLanguage); err == nil {
		baseLanguage = lang
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler, _ = srs.NewScheduler(srs.Config{})
	}
	return &Service{
		store:          store,
		resolver:       NewResolver(store, cfg.IdentityCache),
		cache:          NewTranslationCache(store, cfg.Translator, cfg.BatchSize, cfg.Concurrency),
		scheduler:      scheduler,
		baseLanguage:   baseLanguage,
		fallbackToBase: cfg.FallbackToBase,
		now:            now,
	}
}

// Resolver returns the service's identity resolver.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Translations returns the service's translation cache.
func (s *Service) Translations() *TranslationCache {
	return s.cache
}

// BaseLanguage returns the language base units are authored in.
func (s *Service) BaseLanguage() string {
	return s.baseLanguage
}

// ImportUnits stores manually authored base units under scopeID. Units
// without a language take the base language; units in any other language
// are rejected since variants only come from translation.
func (s *Service) ImportUnits(ctx context.Context, scopeID string, units []ContentUnit) ([]ContentUnit, error) {
	for i := range units {
		if units[i].Language == "" {
			units[i].Language = s.baseLanguage
			continue
		}
		lang, err := NormalizeLanguage(units[i].Language)
		if err != nil {
			return nil, opError("importUnits", scopeID, err)
		}
		if lang != s.baseLanguage {
			return nil, opError("importUnits", scopeID, fmt.Errorf("%w: unit %s is %s, base language is %s", ErrInvalidArgument, units[i].ID, lang, s.baseLanguage))
		}
		units[i].Language = lang
	}
	stored, err := s.store.UpsertBaseUnits(ctx, scopeID, units)
	if err != nil {
		return nil, opError("importUnits", scopeID, err)
	}
	return stored, nil
}

// ManualUnits lists the manually authored cards of a scope tree once each,
// translated into language (base language when empty).
func (s *Service) ManualUnits(ctx context.Context, scopeID, language string) ([]ContentUnit, error) {
	const op = "manualUnits"

	lang, err := s.language(language)
	if err != nil {
		return nil, opError(op, scopeID, err)
	}
	units, err := s.store.ManualUnits(ctx, scopeID)
	if err != nil {
		return nil, opError(op, scopeID, err)
	}

	seen := make(map[string]bool, len(units))
	out := make([]ContentUnit, 0, len(units))
	for _, u := range units {
		if !seen[u.ID] {
			seen[u.ID] = true
			out = append(out, u)
		}
	}
	if lang == s.baseLanguage || len(out) == 0 {
		return out, nil
	}
	translated, err := s.cache.GetOrCreateMany(ctx, out, lang)
	if err != nil {
		return nil, opError(op, scopeID, err)
	}
	return translated, nil
}
