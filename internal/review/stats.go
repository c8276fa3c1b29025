package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const maxStatsDays = 366

// Stats is a learner's recent daily metrics and current schedule summary.
type Stats struct {
	LearnerID string          `json:"learnerId"`
	Days      []DailyMetrics  `json:"days"`
	Summary   ScheduleSummary `json:"summary"`
}

// Rollup recomputes the daily metrics of day (UTC) from the attempt log and
// returns how many learner rows were written. Running it again for the same
// day overwrites the previous result.
func (s *Service) Rollup(ctx context.Context, day time.Time) (int, error) {
	n, err := s.store.RollupDaily(ctx, day)
	if err != nil {
		return 0, opError("rollup", truncateDay(day).Format(time.DateOnly), err)
	}
	slog.Info("daily metrics rolled up", "day", truncateDay(day).Format(time.DateOnly), "learners", n)
	return n, nil
}

// LearnerStats returns the last days days of metrics for learnerID, today
// included. Past days come from the rollup table; today is computed from the
// attempt log on each call and never written.
func (s *Service) LearnerStats(ctx context.Context, learnerID string, days int) (Stats, error) {
	const op = "learnerStats"

	if learnerID == "" {
		return Stats{}, opError(op, learnerID, fmt.Errorf("%w: learner id is required", ErrInvalidArgument))
	}
	if days <= 0 || days > maxStatsDays {
		return Stats{}, opError(op, learnerID, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidArgument, maxStatsDays))
	}

	now := s.now()
	to := truncateDay(now)
	from := to.AddDate(0, 0, -(days - 1))
	stored, err := s.store.DailyMetrics(ctx, learnerID, from, to)
	if err != nil {
		return Stats{}, opError(op, learnerID, err)
	}
	today, err := s.store.DayMetrics(ctx, learnerID, now)
	if err != nil {
		return Stats{}, opError(op, learnerID, err)
	}
	summary, err := s.store.ScheduleSummary(ctx, learnerID, now)
	if err != nil {
		return Stats{}, opError(op, learnerID, err)
	}

	metrics := make([]DailyMetrics, 0, len(stored)+1)
	for _, m := range stored {
		if m.Day.Before(to) {
			metrics = append(metrics, m)
		}
	}
	if today.Attempts > 0 {
		metrics = append(metrics, today)
	}
	return Stats{LearnerID: learnerID, Days: metrics, Summary: summary}, nil
}
