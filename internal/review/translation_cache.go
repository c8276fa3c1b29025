package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/p-n-ai/pai-review/internal/translate"
)

const (
	defaultBatchSize        = 20
	defaultBatchConcurrency = 4
)

// TranslationCache returns the variant of a base unit in a target language,
// generating and persisting it on first request. It is the only writer of
// translation mappings.
//
// The external translation call never runs inside a store transaction; only
// the resulting unit and mapping are written, atomically. Concurrent misses
// for the same pair may both translate, but only one mapping is persisted and
// the loser adopts the winner's row.
type TranslationCache struct {
	store       Store
	translator  translate.Translator
	batchSize   int
	concurrency int
	flight      singleflight.Group
}

// NewTranslationCache creates a cache. Zero batchSize or concurrency use
// defaults.
func NewTranslationCache(store Store, translator translate.Translator, batchSize, concurrency int) *TranslationCache {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	return &TranslationCache{
		store:       store,
		translator:  translator,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// GetOrCreate returns base itself when language matches, the cached variant
// when one exists, and otherwise a freshly translated and persisted variant.
// A variant passed as base is replaced by its own base unit first.
func (c *TranslationCache) GetOrCreate(ctx context.Context, base ContentUnit, language string) (ContentUnit, error) {
	const op = "translation.getOrCreate"

	lang, err := NormalizeLanguage(language)
	if err != nil {
		return ContentUnit{}, opError(op, base.ID, err)
	}
	bases, err := c.toBases(ctx, []ContentUnit{base})
	if err != nil {
		return ContentUnit{}, opError(op, base.ID, err)
	}
	base = bases[0]
	if lang == base.Language {
		return base, nil
	}

	hits, err := c.store.Variants(ctx, []string{base.ID}, lang)
	if err != nil {
		return ContentUnit{}, opError(op, base.ID, err)
	}
	if v, ok := hits[base.ID]; ok {
		return v, nil
	}

	// Collapse concurrent misses inside this process into one external call.
	// The shared call outlives any single caller; the translator bounds it
	// with its own timeout.
	ch := c.flight.DoChan(base.ID+"\x00"+lang, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		item, err := c.translator.Translate(fctx, itemOf(base), base.Language, lang)
		if err != nil {
			return ContentUnit{}, fmt.Errorf("%w: %w", ErrTranslationUnavailable, err)
		}
		return c.persist(fctx, base, lang, item)
	})

	select {
	case <-ctx.Done():
		return ContentUnit{}, opError(op, base.ID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			slog.Warn("translation miss failed", "base_id", base.ID, "language", lang, "error", res.Err)
			return ContentUnit{}, opError(op, base.ID, res.Err)
		}
		return res.Val.(ContentUnit), nil
	}
}

// GetOrCreateMany is the batched GetOrCreate. The result has one entry per
// input, in input order. Only bases without a cached variant are sent to the
// translator, in batches, and each base id is translated at most once even
// when it appears several times in bases.
func (c *TranslationCache) GetOrCreateMany(ctx context.Context, bases []ContentUnit, language string) ([]ContentUnit, error) {
	const op = "translation.getOrCreateMany"

	lang, err := NormalizeLanguage(language)
	if err != nil {
		return nil, opError(op, language, err)
	}
	bases, err = c.toBases(ctx, bases)
	if err != nil {
		return nil, opError(op, lang, err)
	}

	out := make([]ContentUnit, len(bases))
	var lookup []string
	for i, b := range bases {
		if b.Language == lang {
			out[i] = b
			continue
		}
		lookup = append(lookup, b.ID)
	}
	if len(lookup) == 0 {
		return out, nil
	}

	found, err := c.store.Variants(ctx, lookup, lang)
	if err != nil {
		return nil, opError(op, lang, err)
	}

	// Missing bases grouped by source language, first occurrence order.
	missing := make(map[string][]ContentUnit)
	var sources []string
	queued := make(map[string]bool)
	for _, b := range bases {
		if b.Language == lang || queued[b.ID] {
			continue
		}
		if _, ok := found[b.ID]; ok {
			continue
		}
		queued[b.ID] = true
		if _, ok := missing[b.Language]; !ok {
			sources = append(sources, b.Language)
		}
		missing[b.Language] = append(missing[b.Language], b)
	}

	if len(queued) > 0 {
		slog.Info("translation cache miss",
			"language", lang,
			"requested", len(bases),
			"cached", len(found),
			"missing", len(queued),
		)

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for _, src := range sources {
			group := missing[src]
			for start := 0; start < len(group); start += c.batchSize {
				batch := group[start:min(start+c.batchSize, len(group))]
				g.Go(func() error {
					created, err := c.translateBatch(gctx, batch, src, lang)
					if err != nil {
						return err
					}
					mu.Lock()
					for id, v := range created {
						found[id] = v
					}
					mu.Unlock()
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return nil, opError(op, lang, err)
		}
	}

	for i, b := range bases {
		if b.Language == lang {
			continue
		}
		v, ok := found[b.ID]
		if !ok {
			// Every miss was either translated or failed the batch above.
			return nil, opError(op, b.ID, fmt.Errorf("%w: no variant produced", ErrTranslationUnavailable))
		}
		out[i] = v
	}
	return out, nil
}

// translateBatch translates one batch and persists every pair. A count
// mismatch fails the whole batch before anything is written.
func (c *TranslationCache) translateBatch(ctx context.Context, batch []ContentUnit, source, target string) (map[string]ContentUnit, error) {
	items := make([]translate.Item, len(batch))
	for i, b := range batch {
		items[i] = itemOf(b)
	}

	translated, err := c.translator.TranslateMany(ctx, items, source, target)
	if err != nil {
		if errors.Is(err, translate.ErrCountMismatch) {
			err = fmt.Errorf("%w: %w", ErrInconsistentTranslationCount, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTranslationUnavailable, err)
	}
	if len(translated) != len(batch) {
		slog.Warn("translation batch count mismatch",
			"language", target,
			"sent", len(batch),
			"received", len(translated),
		)
		return nil, fmt.Errorf("%w: %w: sent %d, received %d",
			ErrTranslationUnavailable, ErrInconsistentTranslationCount, len(batch), len(translated))
	}

	created := make(map[string]ContentUnit, len(batch))
	for i, b := range batch {
		v, err := c.persist(ctx, b, target, translated[i])
		if err != nil {
			return nil, err
		}
		created[b.ID] = v
	}
	return created, nil
}

// persist writes the variant and its mapping. Losing a race to another writer
// is not an error: the fresh duplicate is dropped and the winner is returned.
func (c *TranslationCache) persist(ctx context.Context, base ContentUnit, lang string, item translate.Item) (ContentUnit, error) {
	v, err := c.store.CreateVariant(ctx, base.ID, ContentUnit{
		Language: lang,
		Question: item.Question,
		Answer:   item.Answer,
	})
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrMappingConflict) {
		return ContentUnit{}, err
	}

	winners, err := c.store.Variants(ctx, []string{base.ID}, lang)
	if err != nil {
		return ContentUnit{}, err
	}
	w, ok := winners[base.ID]
	if !ok {
		return ContentUnit{}, fmt.Errorf("%w: winner for %s/%s not readable", ErrMappingConflict, base.ID, lang)
	}
	slog.Info("translation mapping race resolved", "base_id", base.ID, "language", lang, "variant_id", w.ID)
	return w, nil
}

// toBases replaces every translation variant in units with its base unit.
// Translating a variant would chain mappings and break base resolution.
func (c *TranslationCache) toBases(ctx context.Context, units []ContentUnit) ([]ContentUnit, error) {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	mapped, err := c.store.MappingsByVariants(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(mapped) == 0 {
		return units, nil
	}

	baseIDs := make([]string, 0, len(mapped))
	for _, m := range mapped {
		baseIDs = append(baseIDs, m.BaseID)
	}
	found, err := c.store.GetUnits(ctx, baseIDs)
	if err != nil {
		return nil, err
	}

	out := slices.Clone(units)
	for i, u := range out {
		m, ok := mapped[u.ID]
		if !ok {
			continue
		}
		b, ok := found[m.BaseID]
		if !ok {
			return nil, notFound("content unit", m.BaseID)
		}
		out[i] = b
	}
	return out, nil
}

func itemOf(u ContentUnit) translate.Item {
	return translate.Item{Question: u.Question, Answer: u.Answer}
}
