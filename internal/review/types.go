// Package review owns card identity across languages and the per-learner
// review schedule: identity resolution, the translation cache, due-set
// aggregation and attempt recording.
package review

import (
	"time"

	"github.com/p-n-ai/pai-review/internal/srs"
)

// ContentUnit is one question/answer pair in one language.
type ContentUnit struct {
	ID                 string    `json:"id"`
	Language           string    `json:"language"`
	Question           string    `json:"question"`
	Answer             string    `json:"answer"`
	SourceScope        string    `json:"sourceScope"`
	IsManuallyAuthored bool      `json:"isManuallyAuthored"`
	CreatedAt          time.Time `json:"createdAt"`
}

// TranslationMapping links a base unit to its variant in one other language.
type TranslationMapping struct {
	BaseID         string    `json:"baseId"`
	TargetLanguage string    `json:"targetLanguage"`
	VariantID      string    `json:"variantId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ScheduleState is the latest schedule of one base unit for one learner.
type ScheduleState struct {
	LearnerID         string     `json:"learnerId"`
	BaseContentUnitID string     `json:"baseContentUnitId"`
	EaseFactor        float64    `json:"easeFactor"`
	IntervalDays      int        `json:"intervalDays"`
	Repetitions       int        `json:"repetitions"`
	LastAttemptAt     *time.Time `json:"lastAttemptAt,omitempty"`
	NextReviewDate    *time.Time `json:"nextReviewDate"`
}

// IsDue reports whether the card must be reviewed at now. A state that was
// never attempted is always due.
func (s ScheduleState) IsDue(now time.Time) bool {
	return s.NextReviewDate == nil || !s.NextReviewDate.After(now)
}

func (s ScheduleState) srsState() srs.State {
	st := srs.State{
		EaseFactor:   s.EaseFactor,
		IntervalDays: s.IntervalDays,
		Repetitions:  s.Repetitions,
	}
	if s.LastAttemptAt != nil {
		st.LastAttemptAt = *s.LastAttemptAt
	}
	if s.NextReviewDate != nil {
		st.NextReviewDate = *s.NextReviewDate
	}
	return st
}

func scheduleFromSRS(learnerID, baseID string, st srs.State) ScheduleState {
	last := st.LastAttemptAt
	next := st.NextReviewDate
	return ScheduleState{
		LearnerID:         learnerID,
		BaseContentUnitID: baseID,
		EaseFactor:        st.EaseFactor,
		IntervalDays:      st.IntervalDays,
		Repetitions:       st.Repetitions,
		LastAttemptAt:     &last,
		NextReviewDate:    &next,
	}
}

// AttemptEvent is one row of the append-only review log.
type AttemptEvent struct {
	ID                int64      `json:"id"`
	LearnerID         string     `json:"learnerId"`
	BaseContentUnitID string     `json:"baseContentUnitId"`
	Rating            srs.Rating `json:"rating"`
	AttemptAt         time.Time  `json:"attemptAt"`
	EaseFactor        float64    `json:"easeFactor"`
	IntervalDays      int        `json:"intervalDays"`
	Repetitions       int        `json:"repetitions"`
	NextReviewDate    time.Time  `json:"nextReviewDate"`
}

// Scope is a collection of base units. Scopes nest; a parent scope covers
// the units of all its descendants.
type Scope struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// DailyMetrics is the per-learner, per-day rollup of the attempt log.
type DailyMetrics struct {
	LearnerID string    `json:"learnerId"`
	Day       time.Time `json:"day"`
	Attempts  int       `json:"attempts"`
	Passes    int       `json:"passes"`
	Failures  int       `json:"failures"`
	NewCards  int       `json:"newCards"`
}

// ScheduleSummary counts the cards a learner is tracking.
type ScheduleSummary struct {
	Tracked int `json:"tracked"`
	DueNow  int `json:"dueNow"`
	Mature  int `json:"mature"`
}
