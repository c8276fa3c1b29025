package review_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/p-n-ai/pai-review/internal/review"
	"github.com/p-n-ai/pai-review/internal/srs"
)

func TestLearnerStats(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	svc := newService(seedStore(t), &fakeTranslator{}, c)

	// Yesterday: one new card.
	c.Advance(-24 * time.Hour)
	if _, err := svc.RecordAttempt(ctx, "learner-1", "q3", srs.Easy); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	c.Advance(24 * time.Hour)

	for _, a := range []struct {
		id     string
		rating srs.Rating
	}{
		{"q1", srs.Good},
		{"q1", srs.Again},
		{"q2", srs.Hard},
		{"q3", srs.Good},
	} {
		if _, err := svc.RecordAttempt(ctx, "learner-1", a.id, a.rating); err != nil {
			t.Fatalf("RecordAttempt(%s) error = %v", a.id, err)
		}
	}
	if _, err := svc.RecordAttempt(ctx, "learner-2", "q1", srs.Good); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	if _, err := svc.Rollup(ctx, c.Now().AddDate(0, 0, -1)); err != nil {
		t.Fatalf("Rollup() error = %v", err)
	}

	stats, err := svc.LearnerStats(ctx, "learner-1", 7)
	if err != nil {
		t.Fatalf("LearnerStats() error = %v", err)
	}
	if len(stats.Days) != 2 {
		t.Fatalf("len(Days) = %d, want 2", len(stats.Days))
	}

	want := []review.DailyMetrics{
		{Attempts: 1, Passes: 1, Failures: 0, NewCards: 1},
		{Attempts: 4, Passes: 2, Failures: 2, NewCards: 2},
	}
	for i, d := range stats.Days {
		if d.Attempts != want[i].Attempts || d.Passes != want[i].Passes ||
			d.Failures != want[i].Failures || d.NewCards != want[i].NewCards {
			t.Errorf("day %d = %+v, want %+v", i, d, want[i])
		}
	}
	if !stats.Days[1].Day.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Day = %v, want 2026-03-10", stats.Days[1].Day)
	}

	if stats.Summary.Tracked != 3 {
		t.Errorf("Tracked = %d, want 3", stats.Summary.Tracked)
	}
	if stats.Summary.DueNow != 0 {
		t.Errorf("DueNow = %d, want 0", stats.Summary.DueNow)
	}
}

func TestLearnerStats_InvalidDays(t *testing.T) {
	svc := newService(seedStore(t), &fakeTranslator{}, newClock())

	for _, days := range []int{0, -1, 1000} {
		if _, err := svc.LearnerStats(context.Background(), "learner-1", days); !errors.Is(err, review.ErrInvalidArgument) {
			t.Errorf("LearnerStats(days=%d) error = %v, want ErrInvalidArgument", days, err)
		}
	}
}

func TestRollup_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	svc := newService(seedStore(t), &fakeTranslator{}, c)

	if _, err := svc.RecordAttempt(ctx, "learner-1", "q1", srs.Good); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	for range 2 {
		n, err := svc.Rollup(ctx, c.Now())
		if err != nil || n != 1 {
			t.Fatalf("Rollup() = %d, %v; want 1 learner", n, err)
		}
	}
	stats, _ := svc.LearnerStats(ctx, "learner-1", 1)
	if len(stats.Days) != 1 || stats.Days[0].Attempts != 1 {
		t.Errorf("Days = %+v, want a single day with one attempt", stats.Days)
	}
}

func TestLearnerStats_TodayIsReadOnly(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := seedStore(t)
	svc := newService(store, &fakeTranslator{}, c)

	if _, err := svc.RecordAttempt(ctx, "learner-1", "q1", srs.Good); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	stats, err := svc.LearnerStats(ctx, "learner-1", 1)
	if err != nil {
		t.Fatalf("LearnerStats() error = %v", err)
	}
	if len(stats.Days) != 1 || stats.Days[0].Attempts != 1 || stats.Days[0].NewCards != 1 {
		t.Fatalf("Days = %+v, want today with one new card", stats.Days)
	}

	stored, err := store.DailyMetrics(ctx, "learner-1", c.Now(), c.Now())
	if err != nil {
		t.Fatalf("DailyMetrics() error = %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("stored rows = %+v, want none after a stats read", stored)
	}
}

func TestLearnerStats_TodayOverridesEarlierRollup(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	svc := newService(seedStore(t), &fakeTranslator{}, c)

	if _, err := svc.RecordAttempt(ctx, "learner-1", "q1", srs.Good); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if _, err := svc.Rollup(ctx, c.Now()); err != nil {
		t.Fatalf("Rollup() error = %v", err)
	}
	c.Advance(time.Hour)
	if _, err := svc.RecordAttempt(ctx, "learner-1", "q2", srs.Again); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	stats, err := svc.LearnerStats(ctx, "learner-1", 1)
	if err != nil {
		t.Fatalf("LearnerStats() error = %v", err)
	}
	if len(stats.Days) != 1 {
		t.Fatalf("len(Days) = %d, want 1", len(stats.Days))
	}
	if d := stats.Days[0]; d.Attempts != 2 || d.Failures != 1 || d.NewCards != 2 {
		t.Errorf("today = %+v, want 2 attempts, 1 failure, 2 new cards", d)
	}
}

func TestLearnerStats_EmptyLearner(t *testing.T) {
	svc := newService(seedStore(t), &fakeTranslator{}, newClock())
	if _, err := svc.LearnerStats(context.Background(), "", 7); !errors.Is(err, review.ErrInvalidArgument) {
		t.Errorf("LearnerStats(\"\") error = %v, want ErrInvalidArgument", err)
	}
}
