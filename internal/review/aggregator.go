package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Card is a content unit in the requested language together with the base id
// that owns its progress. Clients submit attempts with ContentUnit.ID.
type Card struct {
	ContentUnit
	BaseContentUnitID string         `json:"baseContentUnitId"`
	Schedule          *ScheduleState `json:"schedule,omitempty"`
}

// CardSet is the result of a due-set or all-set computation.
type CardSet struct {
	Cards []Card `json:"cards"`
	// NextAvailableAt is the earliest future review date among cards that
	// are not due, or nil when there is none.
	NextAvailableAt *time.Time `json:"nextAvailableAt"`
	Language        string     `json:"language"`
	// Degraded is set when cards are served in the base language because
	// translation was unavailable.
	Degraded bool `json:"degraded"`
}

// BundledCard is a base card with every known translation and, when a
// learner was given, that learner's schedule.
type BundledCard struct {
	Base     ContentUnit    `json:"base"`
	Variants []ContentUnit  `json:"variants"`
	Schedule *ScheduleState `json:"schedule,omitempty"`
}

// DueSet returns the cards of scope that learnerID must review now, in
// language. limit <= 0 returns every due card.
func (s *Service) DueSet(ctx context.Context, learnerID, scopeID, language string, limit int) (CardSet, error) {
	return s.cardSet(ctx, "dueSet", learnerID, scopeID, language, true, limit)
}

// AllSet returns every card of scope regardless of schedule, for practice.
func (s *Service) AllSet(ctx context.Context, learnerID, scopeID, language string) (CardSet, error) {
	return s.cardSet(ctx, "allSet", learnerID, scopeID, language, false, 0)
}

func (s *Service) cardSet(ctx context.Context, op, learnerID, scopeID, language string, dueOnly bool, limit int) (CardSet, error) {
	lang, err := s.language(language)
	if err != nil {
		return CardSet{}, opError(op, scopeID, err)
	}

	bases, err := s.scopeBases(ctx, scopeID)
	if err != nil {
		return CardSet{}, opError(op, scopeID, err)
	}

	ids := make([]string, len(bases))
	for i, b := range bases {
		ids[i] = b.ID
	}
	states, err := s.store.ScheduleStates(ctx, learnerID, ids)
	if err != nil {
		return CardSet{}, opError(op, scopeID, err)
	}

	now := s.now()
	set := CardSet{Language: lang, Cards: []Card{}}
	var selected []ContentUnit
	for _, b := range bases {
		st, tracked := states[b.ID]
		if tracked && !st.IsDue(now) {
			next := *st.NextReviewDate
			if set.NextAvailableAt == nil || next.Before(*set.NextAvailableAt) {
				set.NextAvailableAt = &next
			}
			if dueOnly {
				continue
			}
		}
		selected = append(selected, b)
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	variants, err := s.cache.GetOrCreateMany(ctx, selected, lang)
	switch {
	case err == nil:
	case s.fallbackToBase && errors.Is(err, ErrTranslationUnavailable):
		slog.Warn("serving base language cards",
			"learner_id", learnerID,
			"scope_id", scopeID,
			"language", lang,
			"error", err,
		)
		variants = selected
		set.Degraded = true
	default:
		return CardSet{}, opError(op, scopeID, err)
	}

	// Every returned card must resolve back to the base whose schedule
	// decided it.
	vids := make([]string, len(variants))
	for i, v := range variants {
		vids[i] = v.ID
	}
	owners, err := s.resolver.ResolveMany(ctx, vids)
	if err != nil {
		return CardSet{}, opError(op, scopeID, err)
	}

	for i, v := range variants {
		baseID := owners[v.ID]
		if baseID != selected[i].ID {
			return CardSet{}, opError(op, v.ID, fmt.Errorf("variant resolves to %s, expected %s", baseID, selected[i].ID))
		}
		card := Card{ContentUnit: v, BaseContentUnitID: baseID}
		if st, ok := states[baseID]; ok {
			card.Schedule = &st
		}
		set.Cards = append(set.Cards, card)
	}

	slog.Debug("card set computed",
		"op", op,
		"learner_id", learnerID,
		"scope_id", scopeID,
		"language", lang,
		"scope_cards", len(bases),
		"returned", len(set.Cards),
	)
	return set, nil
}

// Bundled returns every base card of scope with all its known variants. When
// learnerID is not empty each card carries that learner's schedule.
func (s *Service) Bundled(ctx context.Context, scopeID, learnerID string) ([]BundledCard, error) {
	const op = "bundled"

	bases, err := s.scopeBases(ctx, scopeID)
	if err != nil {
		return nil, opError(op, scopeID, err)
	}
	ids := make([]string, len(bases))
	for i, b := range bases {
		ids[i] = b.ID
	}

	variants, err := s.store.AllVariants(ctx, ids)
	if err != nil {
		return nil, opError(op, scopeID, err)
	}
	var states map[string]ScheduleState
	if learnerID != "" {
		states, err = s.store.ScheduleStates(ctx, learnerID, ids)
		if err != nil {
			return nil, opError(op, scopeID, err)
		}
	}

	out := make([]BundledCard, len(bases))
	for i, b := range bases {
		out[i] = BundledCard{Base: b, Variants: variants[b.ID]}
		if out[i].Variants == nil {
			out[i].Variants = []ContentUnit{}
		}
		if st, ok := states[b.ID]; ok {
			out[i].Schedule = &st
		}
	}
	return out, nil
}

// scopeBases lists the base units of a scope tree once each, in scope order.
// Units are resolved first so a variant that ended up in a scope is counted
// as its base.
func (s *Service) scopeBases(ctx context.Context, scopeID string) ([]ContentUnit, error) {
	units, err := s.store.ScopeUnits(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	owners, err := s.resolver.ResolveMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, u := range units {
		if owners[u.ID] != u.ID {
			missing = append(missing, owners[u.ID])
		}
	}
	var fetched map[string]ContentUnit
	if len(missing) > 0 {
		if fetched, err = s.store.GetUnits(ctx, missing); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(units))
	bases := make([]ContentUnit, 0, len(units))
	for _, u := range units {
		baseID := owners[u.ID]
		if seen[baseID] {
			continue
		}
		seen[baseID] = true
		if baseID != u.ID {
			b, ok := fetched[baseID]
			if !ok {
				return nil, notFound("content unit", baseID)
			}
			u = b
		}
		bases = append(bases, u)
	}
	return bases, nil
}

func (s *Service) language(language string) (string, error) {
	if language == "" {
		return s.baseLanguage, nil
	}
	return NormalizeLanguage(language)
}
