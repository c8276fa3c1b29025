// Package curriculum loads review decks from the filesystem and imports
// manually authored cards into the review store.
package curriculum

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-review/internal/review"
)

// Sink receives seeded scopes and cards.
type Sink interface {
	UpsertScope(ctx context.Context, scope review.Scope) error
	UpsertBaseUnits(ctx context.Context, scopeID string, units []review.ContentUnit) ([]review.ContentUnit, error)
}

// Loader loads and caches deck files from the filesystem.
type Loader struct {
	rootDir string
	decks   map[string]Deck
	mu      sync.RWMutex
}

// NewLoader creates a new deck loader and loads all content.
func NewLoader(rootDir string) (*Loader, error) {
	l := &Loader{
		rootDir: rootDir,
		decks:   make(map[string]Deck),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading decks: %w", err)
	}

	slog.Info("decks loaded", "decks", len(l.decks), "root", rootDir)
	return l, nil
}

// GetDeck returns a deck by ID.
func (l *Loader) GetDeck(id string) (Deck, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.decks[id]
	return d, ok
}

// Decks returns all decks, parents before children, siblings by position.
func (l *Loader) Decks() []Deck {
	l.mu.RLock()
	defer l.mu.RUnlock()

	children := make(map[string][]Deck)
	var roots []Deck
	for _, d := range l.decks {
		if _, ok := l.decks[d.ParentID]; d.ParentID == "" || !ok {
			roots = append(roots, d)
			continue
		}
		children[d.ParentID] = append(children[d.ParentID], d)
	}

	byPosition := func(ds []Deck) {
		sort.Slice(ds, func(i, j int) bool {
			if ds[i].Position != ds[j].Position {
				return ds[i].Position < ds[j].Position
			}
			return ds[i].ID < ds[j].ID
		})
	}

	out := make([]Deck, 0, len(l.decks))
	var walk func(ds []Deck)
	walk = func(ds []Deck) {
		byPosition(ds)
		for _, d := range ds {
			out = append(out, d)
			walk(children[d.ID])
		}
	}
	walk(roots)
	return out
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	Scopes int
	Cards  int
}

// Seed writes every deck and its cards into sink. Cards without a language
// take their deck's language, or baseLanguage when the deck has none.
// Seeding is idempotent: re-running it updates cards in place.
func (l *Loader) Seed(ctx context.Context, sink Sink, baseLanguage string) (SeedResult, error) {
	var res SeedResult
	for _, d := range l.Decks() {
		parent := d.ParentID
		if _, ok := l.GetDeck(parent); !ok && parent != "" {
			slog.Warn("deck parent not found, seeding as root", "deck", d.ID, "parent", parent)
			parent = ""
		}
		if err := sink.UpsertScope(ctx, review.Scope{
			ID:       d.ID,
			ParentID: parent,
			Name:     d.Name,
			Position: d.Position,
		}); err != nil {
			return res, fmt.Errorf("seeding deck %s: %w", d.ID, err)
		}
		res.Scopes++

		if len(d.Cards) == 0 {
			continue
		}
		lang := d.Language
		if lang == "" {
			lang = baseLanguage
		}
		lang, err := review.NormalizeLanguage(lang)
		if err != nil {
			return res, fmt.Errorf("deck %s: %w", d.ID, err)
		}
		if lang != baseLanguage {
			slog.Warn("deck is not in the base language", "deck", d.ID, "language", lang, "base_language", baseLanguage)
		}

		units := make([]review.ContentUnit, 0, len(d.Cards))
		for _, c := range d.Cards {
			units = append(units, review.ContentUnit{
				ID:                 c.ID,
				Language:           lang,
				Question:           c.Question,
				Answer:             c.Answer,
				IsManuallyAuthored: c.Manual,
			})
		}
		written, err := sink.UpsertBaseUnits(ctx, d.ID, units)
		if err != nil {
			return res, fmt.Errorf("seeding cards of deck %s: %w", d.ID, err)
		}
		res.Cards += len(written)
	}

	slog.Info("decks seeded", "scopes", res.Scopes, "cards", res.Cards)
	return res, nil
}

func (l *Loader) loadAll() error {
	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return l.loadDeck(path)
		}
		return nil
	})
}

func (l *Loader) loadDeck(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var deck Deck
	if err := yaml.Unmarshal(data, &deck); err != nil {
		slog.Warn("skipping invalid deck YAML", "path", path, "error", err)
		return nil
	}

	if deck.ID == "" {
		return nil // Not a deck file
	}

	cards := deck.Cards[:0]
	for i, c := range deck.Cards {
		if c.ID == "" || strings.TrimSpace(c.Question) == "" {
			slog.Warn("skipping card without id or question", "path", path, "index", i)
			continue
		}
		cards = append(cards, c)
	}
	deck.Cards = cards

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.decks[deck.ID]; dup {
		return fmt.Errorf("deck %s defined twice, again in %s", deck.ID, path)
	}
	l.decks[deck.ID] = deck

	return nil
}
