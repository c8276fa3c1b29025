package review

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-review/internal/srs"
)

// AdvanceFunc computes the next schedule from the prior one while the store
// holds the (learner, base unit) row exclusively. prior is nil for a card
// that was never attempted.
type AdvanceFunc func(prior *ScheduleState) (ScheduleState, error)

// Store persists content units, translation mappings and schedules.
//
// Implementations guarantee that CreateVariant writes the unit and its
// mapping atomically and reports ErrMappingConflict when (baseID, language)
// is already mapped, and that ApplyAttempt serialises concurrent attempts on
// the same (learner, base unit).
type Store interface {
	GetUnit(ctx context.Context, id string) (ContentUnit, error)
	GetUnits(ctx context.Context, ids []string) (map[string]ContentUnit, error)
	// ScopeUnits lists the units of a scope and all its descendants in
	// scope order. A unit listed in several sub-scopes appears once per scope.
	ScopeUnits(ctx context.Context, scopeID string) ([]ContentUnit, error)
	ManualUnits(ctx context.Context, scopeID string) ([]ContentUnit, error)

	MappingsByVariants(ctx context.Context, variantIDs []string) (map[string]TranslationMapping, error)
	// Variants returns the existing variant in language for each base id.
	Variants(ctx context.Context, baseIDs []string, language string) (map[string]ContentUnit, error)
	// AllVariants returns every known variant for each base id.
	AllVariants(ctx context.Context, baseIDs []string) (map[string][]ContentUnit, error)
	// CreateVariant rejects a baseID that is itself a variant with
	// ErrInvalidArgument.
	CreateVariant(ctx context.Context, baseID string, variant ContentUnit) (ContentUnit, error)

	ScheduleStates(ctx context.Context, learnerID string, baseIDs []string) (map[string]ScheduleState, error)
	ApplyAttempt(ctx context.Context, learnerID, baseID string, rating srs.Rating, at time.Time, advance AdvanceFunc) (ScheduleState, error)
	ScheduleSummary(ctx context.Context, learnerID string, now time.Time) (ScheduleSummary, error)

	RollupDaily(ctx context.Context, day time.Time) (int, error)
	// DayMetrics computes one learner's metrics for day from the attempt
	// log without persisting them.
	DayMetrics(ctx context.Context, learnerID string, day time.Time) (DailyMetrics, error)
	DailyMetrics(ctx context.Context, learnerID string, from, to time.Time) ([]DailyMetrics, error)

	UpsertScope(ctx context.Context, scope Scope) error
	// UpsertBaseUnits writes base units into a scope. Changing the text of
	// an existing unit drops its translations in the same write.
	UpsertBaseUnits(ctx context.Context, scopeID string, units []ContentUnit) ([]ContentUnit, error)
}

type mappingKey struct {
	baseID   string
	language string
}

type stateKey struct {
	learnerID string
	baseID    string
}

type metricsKey struct {
	learnerID string
	day       time.Time
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	units     map[string]ContentUnit
	scopes    map[string]Scope
	members   map[string][]string
	mappings  map[mappingKey]TranslationMapping
	byVariant map[string]TranslationMapping
	states    map[stateKey]ScheduleState
	events    []AttemptEvent
	metrics   map[metricsKey]DailyMetrics
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:     make(map[string]ContentUnit),
		scopes:    make(map[string]Scope),
		members:   make(map[string][]string),
		mappings:  make(map[mappingKey]TranslationMapping),
		byVariant: make(map[string]TranslationMapping),
		states:    make(map[stateKey]ScheduleState),
		metrics:   make(map[metricsKey]DailyMetrics),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetUnit(_ context.Context, id string) (ContentUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.units[id]
	if !ok {
		return ContentUnit{}, notFound("content unit", id)
	}
	return u, nil
}

func (s *MemoryStore) GetUnits(_ context.Context, ids []string) (map[string]ContentUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ContentUnit, len(ids))
	for _, id := range ids {
		if u, ok := s.units[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemoryStore) ScopeUnits(_ context.Context, scopeID string) ([]ContentUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scopes[scopeID]; !ok {
		return nil, notFound("scope", scopeID)
	}
	var out []ContentUnit
	for _, sid := range s.scopeTree(scopeID) {
		for _, id := range s.members[sid] {
			out = append(out, s.units[id])
		}
	}
	return out, nil
}

func (s *MemoryStore) ManualUnits(ctx context.Context, scopeID string) ([]ContentUnit, error) {
	units, err := s.ScopeUnits(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	manual := units[:0]
	for _, u := range units {
		if u.IsManuallyAuthored {
			manual = append(manual, u)
		}
	}
	return manual, nil
}

// scopeTree returns scopeID followed by its descendants, depth first,
// children ordered by position. Callers hold s.mu.
func (s *MemoryStore) scopeTree(scopeID string) []string {
	children := make(map[string][]Scope)
	for _, sc := range s.scopes {
		if sc.ParentID != "" {
			children[sc.ParentID] = append(children[sc.ParentID], sc)
		}
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Position != list[j].Position {
				return list[i].Position < list[j].Position
			}
			return list[i].ID < list[j].ID
		})
	}

	var order []string
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		for _, c := range children[id] {
			walk(c.ID)
		}
	}
	walk(scopeID)
	return order
}

func (s *MemoryStore) MappingsByVariants(_ context.Context, variantIDs []string) (map[string]TranslationMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TranslationMapping)
	for _, id := range variantIDs {
		if m, ok := s.byVariant[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (s *MemoryStore) Variants(_ context.Context, baseIDs []string, language string) (map[string]ContentUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ContentUnit)
	for _, id := range baseIDs {
		if m, ok := s.mappings[mappingKey{id, language}]; ok {
			out[id] = s.units[m.VariantID]
		}
	}
	return out, nil
}

func (s *MemoryStore) AllVariants(_ context.Context, baseIDs []string) (map[string][]ContentUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(baseIDs))
	for _, id := range baseIDs {
		want[id] = true
	}
	out := make(map[string][]ContentUnit)
	for k, m := range s.mappings {
		if want[k.baseID] {
			out[k.baseID] = append(out[k.baseID], s.units[m.VariantID])
		}
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Language < list[j].Language })
	}
	return out, nil
}

func (s *MemoryStore) CreateVariant(_ context.Context, baseID string, variant ContentUnit) (ContentUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.units[baseID]
	if !ok {
		return ContentUnit{}, notFound("content unit", baseID)
	}
	if _, isVariant := s.byVariant[baseID]; isVariant {
		return ContentUnit{}, fmt.Errorf("%w: %s is a translation variant", ErrInvalidArgument, baseID)
	}
	key := mappingKey{baseID, variant.Language}
	if _, exists := s.mappings[key]; exists {
		return ContentUnit{}, ErrMappingConflict
	}

	if variant.ID == "" {
		variant.ID = uuid.NewString()
	}
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = s.now()
	}
	variant.SourceScope = base.SourceScope
	variant.IsManuallyAuthored = base.IsManuallyAuthored

	m := TranslationMapping{
		BaseID:         baseID,
		TargetLanguage: variant.Language,
		VariantID:      variant.ID,
		CreatedAt:      variant.CreatedAt,
	}
	s.units[variant.ID] = variant
	s.mappings[key] = m
	s.byVariant[variant.ID] = m
	return variant, nil
}

func (s *MemoryStore) ScheduleStates(_ context.Context, learnerID string, baseIDs []string) (map[string]ScheduleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ScheduleState)
	for _, id := range baseIDs {
		if st, ok := s.states[stateKey{learnerID, id}]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyAttempt(_ context.Context, learnerID, baseID string, rating srs.Rating, at time.Time, advance AdvanceFunc) (ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[baseID]; !ok {
		return ScheduleState{}, notFound("content unit", baseID)
	}

	key := stateKey{learnerID, baseID}
	var prior *ScheduleState
	if st, ok := s.states[key]; ok {
		prior = &st
	}

	next, err := advance(prior)
	if err != nil {
		return ScheduleState{}, err
	}
	next.LearnerID = learnerID
	next.BaseContentUnitID = baseID

	s.states[key] = next
	s.events = append(s.events, AttemptEvent{
		ID:                int64(len(s.events) + 1),
		LearnerID:         learnerID,
		BaseContentUnitID: baseID,
		Rating:            rating,
		AttemptAt:         at,
		EaseFactor:        next.EaseFactor,
		IntervalDays:      next.IntervalDays,
		Repetitions:       next.Repetitions,
		NextReviewDate:    derefTime(next.NextReviewDate),
	})
	return next, nil
}

// Events returns a copy of the attempt log.
func (s *MemoryStore) Events() []AttemptEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// MappingCount returns the number of translation mappings.
func (s *MemoryStore) MappingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings)
}

func (s *MemoryStore) ScheduleSummary(_ context.Context, learnerID string, now time.Time) (ScheduleSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum ScheduleSummary
	for k, st := range s.states {
		if k.learnerID != learnerID {
			continue
		}
		sum.Tracked++
		if st.IsDue(now) {
			sum.DueNow++
		}
		if st.IntervalDays >= matureIntervalDays {
			sum.Mature++
		}
	}
	return sum, nil
}

func (s *MemoryStore) RollupDaily(_ context.Context, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := truncateDay(day)
	rows := s.dayMetrics(start, "")
	for learnerID, m := range rows {
		s.metrics[metricsKey{learnerID, start}] = *m
	}
	return len(rows), nil
}

func (s *MemoryStore) DayMetrics(_ context.Context, learnerID string, day time.Time) (DailyMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := truncateDay(day)
	if m, ok := s.dayMetrics(start, learnerID)[learnerID]; ok {
		return *m, nil
	}
	return DailyMetrics{LearnerID: learnerID, Day: start}, nil
}

// dayMetrics aggregates the attempt log for the day starting at start, for
// one learner or, when learnerID is empty, for all of them. Callers hold s.mu.
func (s *MemoryStore) dayMetrics(start time.Time, learnerID string) map[string]*DailyMetrics {
	end := start.AddDate(0, 0, 1)

	// First attempt per card, ties broken by event id.
	first := make(map[stateKey]AttemptEvent)
	for _, e := range s.events {
		k := stateKey{e.LearnerID, e.BaseContentUnitID}
		f, ok := first[k]
		if !ok || e.AttemptAt.Before(f.AttemptAt) || (e.AttemptAt.Equal(f.AttemptAt) && e.ID < f.ID) {
			first[k] = e
		}
	}

	rows := make(map[string]*DailyMetrics)
	for _, e := range s.events {
		if learnerID != "" && e.LearnerID != learnerID {
			continue
		}
		if e.AttemptAt.Before(start) || !e.AttemptAt.Before(end) {
			continue
		}
		m, ok := rows[e.LearnerID]
		if !ok {
			m = &DailyMetrics{LearnerID: e.LearnerID, Day: start}
			rows[e.LearnerID] = m
		}
		m.Attempts++
		if e.Rating.Passed() {
			m.Passes++
		} else {
			m.Failures++
		}
		if first[stateKey{e.LearnerID, e.BaseContentUnitID}].ID == e.ID {
			m.NewCards++
		}
	}
	return rows
}

func (s *MemoryStore) DailyMetrics(_ context.Context, learnerID string, from, to time.Time) ([]DailyMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to = truncateDay(from), truncateDay(to)
	var out []DailyMetrics
	for k, m := range s.metrics {
		if k.learnerID == learnerID && !k.day.Before(from) && !k.day.After(to) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *MemoryStore) UpsertScope(_ context.Context, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope.ParentID != "" {
		if _, ok := s.scopes[scope.ParentID]; !ok {
			return notFound("scope", scope.ParentID)
		}
	}
	s.scopes[scope.ID] = scope
	return nil
}

func (s *MemoryStore) UpsertBaseUnits(_ context.Context, scopeID string, units []ContentUnit) ([]ContentUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scopes[scopeID]; !ok {
		return nil, notFound("scope", scopeID)
	}
	out := make([]ContentUnit, 0, len(units))
	for _, u := range units {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if _, isVariant := s.byVariant[u.ID]; isVariant {
			continue
		}
		if existing, ok := s.units[u.ID]; ok {
			// The first scope a unit was seeded into stays its source.
			u.SourceScope = existing.SourceScope
			if u.CreatedAt.IsZero() {
				u.CreatedAt = existing.CreatedAt
			}
			if textChanged(existing, u) {
				s.dropVariants(u.ID)
			}
		}
		if u.SourceScope == "" {
			u.SourceScope = scopeID
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = s.now()
		}
		s.units[u.ID] = u
		if !slices.Contains(s.members[scopeID], u.ID) {
			s.members[scopeID] = append(s.members[scopeID], u.ID)
		}
		out = append(out, u)
	}
	return out, nil
}

// dropVariants removes every translation of baseID so the next request
// translates the current text. Callers hold s.mu.
func (s *MemoryStore) dropVariants(baseID string) {
	for k, m := range s.mappings {
		if k.baseID != baseID {
			continue
		}
		delete(s.mappings, k)
		delete(s.byVariant, m.VariantID)
		delete(s.units, m.VariantID)
	}
}

func textChanged(old, updated ContentUnit) bool {
	return old.Language != updated.Language || old.Question != updated.Question || old.Answer != updated.Answer
}

const matureIntervalDays = 21

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
