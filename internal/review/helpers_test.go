package review_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-review/internal/review"
	"github.com/p-n-ai/pai-review/internal/translate"
)

// fakeTranslator prefixes every field with the target language.
type fakeTranslator struct {
	mu      sync.Mutex
	calls   int
	sent    []int
	err     error
	dropOne bool
	// barrier, when set, blocks each call until barrier.Wait returns.
	barrier *sync.WaitGroup
	// hold, when set, blocks each call until it is closed or the call's
	// context ends. entered receives a value as each call starts blocking.
	hold    chan struct{}
	entered chan struct{}
}

func (f *fakeTranslator) Translate(ctx context.Context, item translate.Item, source, target string) (translate.Item, error) {
	out, err := f.TranslateMany(ctx, []translate.Item{item}, source, target)
	if err != nil {
		return translate.Item{}, err
	}
	if len(out) != 1 {
		return translate.Item{}, translate.ErrCountMismatch
	}
	return out[0], nil
}

func (f *fakeTranslator) TranslateMany(ctx context.Context, items []translate.Item, _, target string) ([]translate.Item, error) {
	f.mu.Lock()
	f.calls++
	f.sent = append(f.sent, len(items))
	err, drop, barrier := f.err, f.dropOne, f.barrier
	f.mu.Unlock()

	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}
	if f.hold != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]translate.Item, 0, len(items))
	for _, it := range items {
		out = append(out, translate.Item{
			Question: "[" + target + "] " + it.Question,
			Answer:   "[" + target + "] " + it.Answer,
		})
	}
	if drop && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeTranslator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTranslator) Sent() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sent...)
}

var errProviderDown = errors.New("provider down")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// seedStore builds the scope tree
//
//	algebra
//	├── linear   (q1, q2)
//	└── quadratic (q2, q3)
//
// with q2 listed in both sub-scopes.
func seedStore(t *testing.T) *review.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := review.NewMemoryStore()

	scopes := []review.Scope{
		{ID: "algebra", Name: "Algebra"},
		{ID: "linear", ParentID: "algebra", Name: "Linear equations", Position: 1},
		{ID: "quadratic", ParentID: "algebra", Name: "Quadratics", Position: 2},
	}
	for _, sc := range scopes {
		if err := store.UpsertScope(ctx, sc); err != nil {
			t.Fatalf("UpsertScope(%s) error = %v", sc.ID, err)
		}
	}

	units := map[string][]review.ContentUnit{
		"linear": {
			{ID: "q1", Language: "en", Question: "Solve x + 2 = 5", Answer: "x = 3"},
			{ID: "q2", Language: "en", Question: "What is a variable?", Answer: "A symbol for a number"},
		},
		"quadratic": {
			{ID: "q2", Language: "en", Question: "What is a variable?", Answer: "A symbol for a number"},
			{ID: "q3", Language: "en", Question: "Roots of x^2 = 4", Answer: "x = 2 or x = -2"},
		},
	}
	for _, scopeID := range []string{"linear", "quadratic"} {
		if _, err := store.UpsertBaseUnits(ctx, scopeID, units[scopeID]); err != nil {
			t.Fatalf("UpsertBaseUnits(%s) error = %v", scopeID, err)
		}
	}
	return store
}

func newService(store review.Store, tr translate.Translator, c *clock) *review.Service {
	return review.NewService(review.ServiceConfig{
		Store:        store,
		Translator:   tr,
		BaseLanguage: "en",
		Now:          c.Now,
	})
}

func cardIDs(cards []review.Card) []string {
	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.BaseContentUnitID
	}
	return ids
}

func hasPrefix(s, lang string) bool {
	return strings.HasPrefix(s, "["+lang+"] ")
}
