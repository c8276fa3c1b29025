package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-review/internal/srs"
)

// RecordAttempt applies rating to the card identified by contentUnitID, which
// may be a base unit or any of its variants. The schedule and the attempt log
// are always keyed by the base id.
func (s *Service) RecordAttempt(ctx context.Context, learnerID, contentUnitID string, rating srs.Rating) (ScheduleState, error) {
	const op = "recordAttempt"

	if !rating.IsValid() {
		return ScheduleState{}, opError(op, contentUnitID, ErrInvalidRating)
	}
	if learnerID == "" {
		return ScheduleState{}, opError(op, contentUnitID, fmt.Errorf("%w: empty learner id", ErrInvalidArgument))
	}

	baseID, err := s.resolver.ResolveBase(ctx, contentUnitID)
	if err != nil {
		return ScheduleState{}, opError(op, contentUnitID, err)
	}

	at := s.now()
	next, err := s.store.ApplyAttempt(ctx, learnerID, baseID, rating, at, func(prior *ScheduleState) (ScheduleState, error) {
		var p *srs.State
		if prior != nil && prior.LastAttemptAt != nil {
			st := prior.srsState()
			p = &st
		}
		st, err := s.scheduler.Advance(rating, p, at)
		if err != nil {
			return ScheduleState{}, err
		}
		return scheduleFromSRS(learnerID, baseID, st), nil
	})
	if err != nil {
		return ScheduleState{}, opError(op, contentUnitID, err)
	}

	slog.Info("attempt recorded",
		"learner_id", learnerID,
		"content_unit_id", contentUnitID,
		"base_id", baseID,
		"rating", rating.String(),
		"interval_days", next.IntervalDays,
		"repetitions", next.Repetitions,
	)
	return next, nil
}
