// Package jobs runs periodic background work on a gocron scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

const jobTimeout = 5 * time.Minute

// RollupFunc recomputes the daily metrics of one day.
type RollupFunc func(ctx context.Context, day time.Time) (int, error)

// Runner owns the scheduler and the jobs registered on it. All times are UTC.
type Runner struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
}

// NewRunner creates a stopped runner.
func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		scheduler: gocron.NewScheduler(time.UTC),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// ScheduleDailyRollup rolls up the previous UTC day every day at at (HH:MM).
// Running shortly after midnight lets late attempts of that day land first.
func (r *Runner) ScheduleDailyRollup(at string, rollup RollupFunc) error {
	if _, err := time.Parse("15:04", at); err != nil {
		return fmt.Errorf("invalid rollup time %q: %w", at, err)
	}
	_, err := r.scheduler.Every(1).Day().At(at).Do(r.rollupYesterday, rollup)
	if err != nil {
		return fmt.Errorf("scheduling daily rollup: %w", err)
	}
	slog.Info("daily rollup scheduled", "at_utc", at)
	return nil
}

func (r *Runner) rollupYesterday(rollup RollupFunc) {
	day := r.now().UTC().AddDate(0, 0, -1)
	ctx, cancel := context.WithTimeout(r.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := rollup(ctx, day)
	if err != nil {
		slog.Error("daily rollup failed", "day", day.Format(time.DateOnly), "error", err)
		return
	}
	slog.Info("daily rollup finished",
		"day", day.Format(time.DateOnly),
		"learners", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Jobs returns the number of registered jobs.
func (r *Runner) Jobs() int {
	return len(r.scheduler.Jobs())
}

// Start runs the scheduler in the background.
func (r *Runner) Start() {
	r.scheduler.StartAsync()
}

// Stop cancels running jobs and stops the scheduler.
func (r *Runner) Stop() {
	r.cancel()
	r.scheduler.Stop()
}
