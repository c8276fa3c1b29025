package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/p-n-ai/pai-review/internal/curriculum"
	"github.com/p-n-ai/pai-review/internal/review"
	"github.com/p-n-ai/pai-review/internal/srs"
)

const defaultStatsDays = 7

type attemptRequest struct {
	ContentUnitID string     `json:"contentUnitId"`
	Rating        srs.Rating `json:"rating"`
}

type attemptResponse struct {
	BaseContentUnitID string    `json:"baseContentUnitId"`
	NextReviewDate    time.Time `json:"nextReviewDate"`
	IntervalDays      int       `json:"intervalDays"`
	EaseFactor        float64   `json:"easeFactor"`
	Repetitions       int       `json:"repetitions"`
}

func newAttemptResponse(st review.ScheduleState) attemptResponse {
	resp := attemptResponse{
		BaseContentUnitID: st.BaseContentUnitID,
		IntervalDays:      st.IntervalDays,
		EaseFactor:        st.EaseFactor,
		Repetitions:       st.Repetitions,
	}
	if st.NextReviewDate != nil {
		resp.NextReviewDate = *st.NextReviewDate
	}
	return resp
}

type importResponse struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

func (h *handler) handleDueSet(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	set, err := h.svc.DueSet(r.Context(), r.PathValue("learnerID"), r.PathValue("scopeID"), r.URL.Query().Get("lang"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *handler) handleAllSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.svc.AllSet(r.Context(), r.PathValue("learnerID"), r.PathValue("scopeID"), r.URL.Query().Get("lang"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (h *handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if err := decodeJSON(w, r, maxAttemptBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContentUnitID == "" {
		writeError(w, http.StatusBadRequest, "contentUnitId is required")
		return
	}
	st, err := h.svc.RecordAttempt(r.Context(), r.PathValue("learnerID"), req.ContentUnitID, req.Rating)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAttemptResponse(st))
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(w, r, "days", defaultStatsDays)
	if !ok {
		return
	}
	stats, err := h.svc.LearnerStats(r.Context(), r.PathValue("learnerID"), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleBundled(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.svc.Bundled(r.Context(), r.PathValue("scopeID"), r.URL.Query().Get("learner"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": bundle})
}

func (h *handler) handleManual(w http.ResponseWriter, r *http.Request) {
	units, err := h.svc.ManualUnits(r.Context(), r.PathValue("scopeID"), r.URL.Query().Get("lang"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": units})
}

// handleImport reads manually authored cards from an XLSX request body.
// Query parameters override the default layout: sheet, question, answer
// (column letters), startRow and lang.
func (h *handler) handleImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lang := q.Get("lang")
	if lang == "" {
		lang = h.svc.BaseLanguage()
	}
	cfg := curriculum.DefaultImportConfig(lang)
	cfg.SheetName = q.Get("sheet")
	if col := q.Get("question"); col != "" {
		cfg.QuestionColumn = col
	}
	if col := q.Get("answer"); col != "" {
		cfg.AnswerColumn = col
	}
	startRow, ok := queryInt(w, r, "startRow", cfg.StartRow)
	if !ok {
		return
	}
	cfg.StartRow = startRow

	body := http.MaxBytesReader(w, r.Body, h.maxImport)
	res, err := curriculum.ImportSheet(body, r.PathValue("scopeID"), cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.svc.ImportUnits(r.Context(), r.PathValue("scopeID"), res.Units)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, importResponse{Imported: len(stored), Skipped: res.Skipped, Errors: errs})
}

// queryInt parses an optional integer query parameter. On a malformed value
// it writes a 400 and returns false.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return n, true
}
