package srs

import (
	"fmt"
	"math"
	"time"
)

const (
	defaultInitialEase     = 2.5
	defaultMinEase         = 1.3
	defaultMaxIntervalDays = 36500

	day = 24 * time.Hour
)

// Ease adjustments per rating. Again and Hard are failures; Good leaves the
// ease untouched so a run of Good ratings never lowers it.
var easeDelta = [...]float64{
	Again: -0.20,
	Hard:  -0.15,
	Good:  0.00,
	Easy:  0.15,
}

// State is the schedule of one card for one learner.
type State struct {
	EaseFactor     float64
	IntervalDays   int
	Repetitions    int
	LastAttemptAt  time.Time
	NextReviewDate time.Time
}

// Config tunes the scheduler. Zero fields fall back to defaults.
type Config struct {
	InitialEase     float64
	MinEase         float64
	MaxIntervalDays int
}

// Scheduler computes schedule transitions.
type Scheduler struct {
	initialEase     float64
	minEase         float64
	maxIntervalDays int
}

var defaultScheduler = mustScheduler(Config{})

// NewScheduler validates cfg and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		initialEase:     cfg.InitialEase,
		minEase:         cfg.MinEase,
		maxIntervalDays: cfg.MaxIntervalDays,
	}
	if s.initialEase == 0 {
		s.initialEase = defaultInitialEase
	}
	if s.minEase == 0 {
		s.minEase = defaultMinEase
	}
	if s.maxIntervalDays == 0 {
		s.maxIntervalDays = defaultMaxIntervalDays
	}

	if s.minEase < 1 {
		return nil, fmt.Errorf("min ease must be >= 1, got %v", s.minEase)
	}
	if s.initialEase < s.minEase {
		return nil, fmt.Errorf("initial ease %v is below min ease %v", s.initialEase, s.minEase)
	}
	if s.maxIntervalDays < 1 {
		return nil, fmt.Errorf("max interval must be >= 1 day, got %d", s.maxIntervalDays)
	}
	return s, nil
}

func mustScheduler(cfg Config) *Scheduler {
	s, err := NewScheduler(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// NewState returns the schedule of a card that has never been attempted.
func (s *Scheduler) NewState() State {
	return State{EaseFactor: s.initialEase}
}

// MinEase returns the ease factor floor.
func (s *Scheduler) MinEase() float64 {
	return s.minEase
}

// Advance applies rating to prior and returns the next state. A nil prior is
// a new card. The rating is validated before anything else is computed.
func (s *Scheduler) Advance(rating Rating, prior *State, now time.Time) (State, error) {
	if !rating.IsValid() {
		return State{}, fmt.Errorf("%w: %d", ErrInvalidRating, int(rating))
	}

	p := s.NewState()
	if prior != nil {
		p = *prior
	}

	next := State{LastAttemptAt: now}
	if rating.Passed() {
		next.Repetitions = p.Repetitions + 1
		switch next.Repetitions {
		case 1:
			next.IntervalDays = 1
		case 2:
			next.IntervalDays = 6
		default:
			next.IntervalDays = int(math.Round(float64(p.IntervalDays) * p.EaseFactor))
		}
	} else {
		next.Repetitions = 0
		next.IntervalDays = 1
	}

	next.EaseFactor = math.Max(s.minEase, p.EaseFactor+easeDelta[rating])
	next.IntervalDays = min(max(next.IntervalDays, 1), s.maxIntervalDays)
	next.NextReviewDate = now.Add(time.Duration(next.IntervalDays) * day)

	return next, nil
}

// Advance applies rating using the default scheduler.
func Advance(rating Rating, prior *State, now time.Time) (State, error) {
	return defaultScheduler.Advance(rating, prior, now)
}
