// Package translate turns the AI gateway into a flashcard translator.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/p-n-ai/pai-review/internal/ai"
)

const (
	defaultTimeout   = 30 * time.Second
	tokensPerItem    = 256
	minResponseToken = 512
)

// ErrCountMismatch is returned when a batch comes back with a different
// number of items than was sent.
var ErrCountMismatch = errors.New("translated item count does not match request")

// ErrMalformedOutput is returned when the model reply is not the expected JSON.
var ErrMalformedOutput = errors.New("malformed translation output")

// Item is one question/answer pair to translate.
type Item struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Translator translates flashcard text between languages. TranslateMany
// preserves order and count.
type Translator interface {
	Translate(ctx context.Context, item Item, source, target string) (Item, error)
	TranslateMany(ctx context.Context, items []Item, source, target string) ([]Item, error)
}

// Completer is the slice of the AI gateway the translator needs.
type Completer interface {
	Complete(ctx context.Context, req ai.CompletionRequest) (ai.CompletionResponse, error)
}

const outputSchema = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question", "answer"],
        "properties": {
          "question": {"type": "string"},
          "answer": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = mustSchema(outputSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("translate: invalid output schema: %v", err))
	}
	return schema
}

// AITranslator translates through an AI completion gateway.
type AITranslator struct {
	completer Completer
	timeout   time.Duration
	model     string
}

// Option configures an AITranslator.
type Option func(*AITranslator)

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) Option {
	return func(t *AITranslator) {
		t.timeout = d
	}
}

// WithModel pins the completion model.
func WithModel(model string) Option {
	return func(t *AITranslator) {
		t.model = model
	}
}

// NewAITranslator creates a translator over completer.
func NewAITranslator(completer Completer, opts ...Option) *AITranslator {
	t := &AITranslator{
		completer: completer,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *AITranslator) Translate(ctx context.Context, item Item, source, target string) (Item, error) {
	out, err := t.TranslateMany(ctx, []Item{item}, source, target)
	if err != nil {
		return Item{}, err
	}
	return out[0], nil
}

func (t *AITranslator) TranslateMany(ctx context.Context, items []Item, source, target string) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(struct {
		Items []Item `json:"items"`
	}{items})
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := t.completer.Complete(ctx, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: systemPrompt(source, target, len(items))},
			{Role: "user", Content: string(payload)},
		},
		Model:          t.model,
		Task:           ai.TaskTranslation,
		MaxTokens:      max(minResponseToken, tokensPerItem*len(items)),
		ResponseFormat: ai.ResponseFormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("translate %s->%s: %w", source, target, err)
	}

	out, err := parseItems(resp.Content)
	if err != nil {
		return nil, err
	}
	if len(out) != len(items) {
		slog.Warn("translation batch count mismatch",
			"source", source,
			"target", target,
			"sent", len(items),
			"received", len(out),
		)
		return nil, fmt.Errorf("%w: sent %d, received %d", ErrCountMismatch, len(items), len(out))
	}

	slog.Info("translation batch completed",
		"source", source,
		"target", target,
		"items", len(items),
		"model", resp.Model,
		"tokens", resp.TotalTokens(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func parseItems(content string) ([]Item, error) {
	doc := stripCodeFence(content)

	result, err := compiledSchema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(msgs, "; "))
	}

	var parsed struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return parsed.Items, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func systemPrompt(source, target string, n int) string {
	return fmt.Sprintf(`You translate study flashcards from %s to %s.

Input is a JSON object {"items": [{"question": "...", "answer": "..."}]}.
Reply with a JSON object of the same shape containing exactly %d items, in the same order.

RULES:
- Translate both question and answer
- Keep formulas, numbers, code and markdown unchanged
- Do not merge, split, drop or add items
- Reply with JSON only, no commentary`, languageName(source), languageName(target), n)
}

func languageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return fmt.Sprintf("%s (%s)", name, code)
	}
	return code
}
