// Package api exposes the review service over HTTP: due sets, attempts,
// statistics, manual card import and a websocket review session.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/p-n-ai/pai-review/internal/review"
	"github.com/p-n-ai/pai-review/internal/srs"
)

// Reviewer is the part of review.Service the handlers use.
type Reviewer interface {
	DueSet(ctx context.Context, learnerID, scopeID, language string, limit int) (review.CardSet, error)
	AllSet(ctx context.Context, learnerID, scopeID, language string) (review.CardSet, error)
	Bundled(ctx context.Context, scopeID, learnerID string) ([]review.BundledCard, error)
	RecordAttempt(ctx context.Context, learnerID, contentUnitID string, rating srs.Rating) (review.ScheduleState, error)
	LearnerStats(ctx context.Context, learnerID string, days int) (review.Stats, error)
	ImportUnits(ctx context.Context, scopeID string, units []review.ContentUnit) ([]review.ContentUnit, error)
	ManualUnits(ctx context.Context, scopeID, language string) ([]review.ContentUnit, error)
	BaseLanguage() string
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures the handler.
type Options struct {
	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]Checker
	// MaxImportBytes caps the size of an uploaded workbook (default 10 MiB).
	MaxImportBytes int64
	// SessionIdleTimeout closes a review session when the client sends
	// nothing for this long (default 10 minutes).
	SessionIdleTimeout time.Duration
}

const (
	defaultMaxImportBytes     = 10 << 20
	defaultSessionIdleTimeout = 10 * time.Minute
	maxAttemptBytes           = 4 << 10
)

type handler struct {
	svc         Reviewer
	checks      map[string]Checker
	maxImport   int64
	idleTimeout time.Duration
}

// NewHandler returns the service's HTTP handler with request ids, access
// logging and panic recovery applied.
func NewHandler(svc Reviewer, opts Options) http.Handler {
	h := &handler{
		svc:         svc,
		checks:      opts.Checks,
		maxImport:   opts.MaxImportBytes,
		idleTimeout: opts.SessionIdleTimeout,
	}
	if h.maxImport <= 0 {
		h.maxImport = defaultMaxImportBytes
	}
	if h.idleTimeout <= 0 {
		h.idleTimeout = defaultSessionIdleTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	mux.HandleFunc("GET /v1/learners/{learnerID}/scopes/{scopeID}/due", h.handleDueSet)
	mux.HandleFunc("GET /v1/learners/{learnerID}/scopes/{scopeID}/all", h.handleAllSet)
	mux.HandleFunc("GET /v1/learners/{learnerID}/scopes/{scopeID}/session", h.handleSession)
	mux.HandleFunc("POST /v1/learners/{learnerID}/attempts", h.handleAttempt)
	mux.HandleFunc("GET /v1/learners/{learnerID}/stats", h.handleStats)
	mux.HandleFunc("GET /v1/scopes/{scopeID}/bundled", h.handleBundled)
	mux.HandleFunc("POST /v1/scopes/{scopeID}/cards/import", h.handleImport)
	mux.HandleFunc("GET /v1/scopes/{scopeID}/cards/manual", h.handleManual)

	var out http.Handler = mux
	out = recoverMiddleware()(out)
	out = accessLogMiddleware()(out)
	out = requestIDMiddleware()(out)
	return out
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, c := range h.checks {
		if err := c.HealthCheck(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
