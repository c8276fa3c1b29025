package review_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-review/internal/review"
)

func mustUnit(t *testing.T, store review.Store, id string) review.ContentUnit {
	t.Helper()
	u, err := store.GetUnit(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUnit(%s) error = %v", id, err)
	}
	return u
}

func TestTranslationCache_SameLanguage(t *testing.T) {
	store := seedStore(t)
	tr := &fakeTranslator{}
	cache := review.NewTranslationCache(store, tr, 0, 0)

	base := mustUnit(t, store, "q1")
	got, err := cache.GetOrCreate(context.Background(), base, "EN")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if got.ID != "q1" {
		t.Errorf("GetOrCreate() id = %q, want the base unit", got.ID)
	}
	if tr.Calls() != 0 || store.MappingCount() != 0 {
		t.Errorf("same-language request should not translate (calls=%d, mappings=%d)", tr.Calls(), store.MappingCount())
	}
}

func TestTranslationCache_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	tr := &fakeTranslator{}
	cache := review.NewTranslationCache(store, tr, 0, 0)
	base := mustUnit(t, store, "q1")

	first, err := cache.GetOrCreate(ctx, base, "ms")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.ID == base.ID || first.Language != "ms" || !hasPrefix(first.Question, "ms") {
		t.Errorf("GetOrCreate() = %+v, want a new ms variant", first)
	}
	if first.SourceScope != base.SourceScope {
		t.Errorf("SourceScope = %q, want %q", first.SourceScope, base.SourceScope)
	}

	second, err := cache.GetOrCreate(ctx, base, "ms")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second call id = %q, want cached %q", second.ID, first.ID)
	}
	if tr.Calls() != 1 {
		t.Errorf("translator calls = %d, want 1", tr.Calls())
	}
}

func TestTranslationCache_GetOrCreateMany_CacheHit(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	tr := &fakeTranslator{}
	cache := review.NewTranslationCache(store, tr, 0, 0)
	q1 := mustUnit(t, store, "q1")

	first, err := cache.GetOrCreateMany(ctx, []review.ContentUnit{q1}, "de")
	if err != nil {
		t.Fatalf("GetOrCreateMany() error = %v", err)
	}
	if len(first) != 1 || store.MappingCount() != 1 {
		t.Fatalf("got %d units and %d mappings, want 1 and 1", len(first), store.MappingCount())
	}

	second, err := cache.GetOrCreateMany(ctx, []review.ContentUnit{q1}, "de")
	if err != nil {
		t.Fatalf("GetOrCreateMany() second call error = %v", err)
	}
	if second[0].ID != first[0].ID {
		t.Errorf("second call id = %q, want %q", second[0].ID, first[0].ID)
	}
	if store.MappingCount() != 1 || tr.Calls() != 1 {
		t.Errorf("mappings = %d, calls = %d; want 1 and 1", store.MappingCount(), tr.Calls())
	}
}

func TestTranslationCache_GetOrCreateMany_OnlyMisses(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	tr := &fakeTranslator{}
	cache := review.NewTranslationCache(store, tr, 0, 0)
	q1, q2, q3 := mustUnit(t, store, "q1"), mustUnit(t, store, "q2"), mustUnit(t, store, "q3")

	cached, err := cache.GetOrCreate(ctx, q2, "fr")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	// q1 appears twice and q2 is already translated.
	got, err := cache.GetOrCreateMany(ctx, []review.ContentUnit{q3, q1, q2, q1}, "fr")
	if err != nil {
		t.Fatalf("GetOrCreateMany() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[2].ID != cached.ID {
		t.Errorf("cached unit id = %q, want %q", got[2].ID, cached.ID)
	}
	if got[1].ID != got[3].ID {
		t.Errorf("duplicate inputs gave different variants %q and %q", got[1].ID, got[3].ID)
	}
	wantQ := []string{"[fr] " + q3.Question, "[fr] " + q1.Question, "[fr] " + q2.Question, "[fr] " + q1.Question}
	for i, u := range got {
		if u.Question != wantQ[i] {
			t.Errorf("got[%d].Question = %q, want %q", i, u.Question, wantQ[i])
		}
	}
	if sent := tr.Sent(); !slices.Equal(sent, []int{1, 2}) {
		t.Errorf("translator batches = %v, want [1 2]", sent)
	}
	if store.MappingCount() != 3 {
		t.Errorf("mappings = %d, want 3", store.MappingCount())
	}
}

func TestTranslationCache_Batching(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	var bases []review.ContentUnit
	for _, id := range []string{"q1", "q2", "q3"} {
		bases = append(bases, mustUnit(t, store, id))
	}

	tr := &fakeTranslator{}
	cache := review.NewTranslationCache(store, tr, 2, 1)
	if _, err := cache.GetOrCreateMany(ctx, bases, "es"); err != nil {
		t.Fatalf("GetOrCreateMany() error = %v", err)
	}
	if sent := tr.Sent(); !slices.Equal(sent, []int{2, 1}) {
		t.Errorf("batches = %v, want [2 1]", sent)
	}
}

func TestTranslationCache_CountMismatch(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	tr := &fakeTranslator{dropOne: true}
	cache := review.NewTranslationCache(store, tr, 0, 0)

	_, err := cache.GetOrCreateMany(ctx, []review.ContentUnit{mustUnit(t, store, "q1"), mustUnit(t, store, "q3")}, "ms")
	if !errors.Is(err, review.ErrTranslationUnavailable) {
		t.Errorf("error = %v, want ErrTranslationUnavailable", err)
	}
	if !errors.Is(err, review.ErrInconsistentTranslationCount) {
		t.Errorf("error = %v, want ErrInconsistentTranslationCount", err)
	}
	if store.MappingCount() != 0 {
		t.Errorf("mappings = %d, want none after a failed batch", store.MappingCount())
	}
}

func TestTranslationCache_TranslatorFailure(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	cache := review.NewTranslationCache(store, &fakeTranslator{err: errProviderDown}, 0, 0)

	_, err := cache.GetOrCreate(ctx, mustUnit(t, store, "q1"), "ms")
	if !errors.Is(err, review.ErrTranslationUnavailable) || !errors.Is(err, errProviderDown) {
		t.Errorf("GetOrCreate() error = %v, want ErrTranslationUnavailable wrapping the provider error", err)
	}
	if store.MappingCount() != 0 {
		t.Errorf("mappings = %d, want 0", store.MappingCount())
	}
}

func TestTranslationCache_InvalidLanguage(t *testing.T) {
	store := seedStore(t)
	cache := review.NewTranslationCache(store, &fakeTranslator{}, 0, 0)

	_, err := cache.GetOrCreate(context.Background(), mustUnit(t, store, "q1"), "not a language!")
	if !errors.Is(err, review.ErrInvalidLanguage) {
		t.Errorf("error = %v, want ErrInvalidLanguage", err)
	}
}

// Two cache instances stand in for two processes racing on the same miss.
// Both translate; exactly one mapping is persisted and both callers get it.
func TestTranslationCache_ConcurrentMiss(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	base := mustUnit(t, store, "q1")

	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	tr := &fakeTranslator{barrier: barrier}
	caches := []*review.TranslationCache{
		review.NewTranslationCache(store, tr, 0, 0),
		review.NewTranslationCache(store, tr, 0, 0),
	}

	results := make([]review.ContentUnit, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, c := range caches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreate(ctx, base, "ms")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error = %v", i, err)
		}
	}
	if tr.Calls() != 2 {
		t.Errorf("translator calls = %d, want 2", tr.Calls())
	}
	if store.MappingCount() != 1 {
		t.Errorf("mappings = %d, want exactly 1", store.MappingCount())
	}
	if results[0].ID != results[1].ID {
		t.Errorf("callers got different variants %q and %q", results[0].ID, results[1].ID)
	}
}

// Same race as above through the batched path: every pair of the losing
// batch adopts the winner's variant.
func TestTranslationCache_ConcurrentBatchMiss(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	bases := []review.ContentUnit{mustUnit(t, store, "q1"), mustUnit(t, store, "q2"), mustUnit(t, store, "q3")}

	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	tr := &fakeTranslator{barrier: barrier}
	caches := []*review.TranslationCache{
		review.NewTranslationCache(store, tr, 0, 0),
		review.NewTranslationCache(store, tr, 0, 0),
	}

	results := make([][]review.ContentUnit, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, c := range caches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreateMany(ctx, bases, "de")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error = %v", i, err)
		}
	}
	if tr.Calls() != 2 {
		t.Errorf("translator calls = %d, want 2", tr.Calls())
	}
	if store.MappingCount() != 3 {
		t.Errorf("mappings = %d, want 3", store.MappingCount())
	}
	for i := range bases {
		if results[0][i].ID != results[1][i].ID {
			t.Errorf("item %d: callers got %q and %q", i, results[0][i].ID, results[1][i].ID)
		}
	}
	all, err := store.AllVariants(ctx, []string{"q1", "q2", "q3"})
	if err != nil {
		t.Fatalf("AllVariants() error = %v", err)
	}
	for id, vs := range all {
		if len(vs) != 1 {
			t.Errorf("%s has %d variants, want 1", id, len(vs))
		}
	}
}

// A variant handed in as the base is swapped for its own base, so every
// mapping points at a base unit and resolution stays idempotent.
func TestTranslationCache_VariantInput(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	tr := &fakeTranslator{}
	svc := newService(store, tr, newClock())
	cache := svc.Translations()

	ms, err := cache.GetOrCreate(ctx, mustUnit(t, store, "q1"), "ms")
	if err != nil {
		t.Fatalf("GetOrCreate(q1, ms) error = %v", err)
	}

	fr, err := cache.GetOrCreate(ctx, ms, "fr")
	if err != nil {
		t.Fatalf("GetOrCreate(ms variant, fr) error = %v", err)
	}
	if fr.Question != "[fr] Solve x + 2 = 5" {
		t.Errorf("fr question = %q, want a translation of the base text", fr.Question)
	}
	m, err := store.MappingsByVariants(ctx, []string{fr.ID})
	if err != nil {
		t.Fatalf("MappingsByVariants() error = %v", err)
	}
	if m[fr.ID].BaseID != "q1" {
		t.Errorf("fr mapping base = %q, want q1", m[fr.ID].BaseID)
	}

	first, err := svc.Resolver().ResolveBase(ctx, fr.ID)
	if err != nil {
		t.Fatalf("ResolveBase(fr) error = %v", err)
	}
	second, err := svc.Resolver().ResolveBase(ctx, first)
	if err != nil {
		t.Fatalf("ResolveBase(%s) error = %v", first, err)
	}
	if first != "q1" || second != "q1" {
		t.Errorf("ResolveBase chain = %q -> %q, want q1 -> q1", first, second)
	}

	// Same language as the variant, and the base language, need no translation.
	calls := tr.Calls()
	if got, err := cache.GetOrCreate(ctx, ms, "ms"); err != nil || got.ID != ms.ID {
		t.Errorf("GetOrCreate(ms variant, ms) = %q, %v; want %q", got.ID, err, ms.ID)
	}
	if got, err := cache.GetOrCreate(ctx, ms, "en"); err != nil || got.ID != "q1" {
		t.Errorf("GetOrCreate(ms variant, en) = %q, %v; want q1", got.ID, err)
	}
	if tr.Calls() != calls {
		t.Errorf("translator calls = %d, want %d", tr.Calls(), calls)
	}

	many, err := cache.GetOrCreateMany(ctx, []review.ContentUnit{ms, fr}, "de")
	if err != nil {
		t.Fatalf("GetOrCreateMany() error = %v", err)
	}
	if many[0].ID != many[1].ID {
		t.Errorf("variants of the same base got different de units %q and %q", many[0].ID, many[1].ID)
	}
	if store.MappingCount() != 3 {
		t.Errorf("mappings = %d, want 3 (ms, fr, de of q1)", store.MappingCount())
	}
}

func TestMemoryStore_CreateVariantOfVariant(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)

	ms, err := store.CreateVariant(ctx, "q1", review.ContentUnit{Language: "ms", Question: "s", Answer: "j"})
	if err != nil {
		t.Fatalf("CreateVariant() error = %v", err)
	}
	_, err = store.CreateVariant(ctx, ms.ID, review.ContentUnit{Language: "fr", Question: "q", Answer: "r"})
	if !errors.Is(err, review.ErrInvalidArgument) {
		t.Errorf("CreateVariant(variant base) error = %v, want ErrInvalidArgument", err)
	}
	if store.MappingCount() != 1 {
		t.Errorf("mappings = %d, want 1", store.MappingCount())
	}
}

// One caller going away must not fail another caller waiting on the same
// translation.
func TestTranslationCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := seedStore(t)
	tr := &fakeTranslator{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	cache := review.NewTranslationCache(store, tr, 0, 0)
	base := mustUnit(t, store, "q1")

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(ctxA, base, "ms")
		errA <- err
	}()
	<-tr.entered

	type result struct {
		unit review.ContentUnit
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		u, err := cache.GetOrCreate(context.Background(), base, "ms")
		resB <- result{u, err}
	}()
	// Let B join the in-flight translation before A leaves.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}

	close(tr.hold)
	b := <-resB
	if b.err != nil {
		t.Fatalf("waiting caller error = %v", b.err)
	}
	if b.unit.Language != "ms" || !hasPrefix(b.unit.Question, "ms") {
		t.Errorf("waiting caller got %+v, want the ms variant", b.unit)
	}
	if tr.Calls() != 1 {
		t.Errorf("translator calls = %d, want 1 shared call", tr.Calls())
	}
	if store.MappingCount() != 1 {
		t.Errorf("mappings = %d, want 1", store.MappingCount())
	}
}
