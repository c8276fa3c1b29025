// Package srs implements the review scheduler: a pure mapping from a rating
// and the prior schedule of a card to its next schedule.
package srs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidRating is returned for ratings outside Again..Easy.
var ErrInvalidRating = errors.New("invalid rating")

// Rating is the learner's assessment of recall quality.
type Rating int

const (
	Again Rating = iota + 1 // Total failure to recall.
	Hard                    // Wrong, but familiar once shown.
	Good                    // Recalled with some effort.
	Easy                    // Trivially easy.
)

var (
	ratingNames  = [...]string{Again: "again", Hard: "hard", Good: "good", Easy: "easy"}
	ratingByName = map[string]Rating{
		"again": Again,
		"hard":  Hard,
		"good":  Good,
		"easy":  Easy,
	}
)

// String returns the lower-case rating name, or "Rating(n)" for invalid values.
func (r Rating) String() string {
	if r.IsValid() {
		return ratingNames[r]
	}
	return fmt.Sprintf("Rating(%d)", int(r))
}

// IsValid reports whether r is one of Again, Hard, Good or Easy.
func (r Rating) IsValid() bool {
	return r >= Again && r <= Easy
}

// Passed reports whether the rating counts as a successful recall.
func (r Rating) Passed() bool {
	return r == Good || r == Easy
}

// ParseRating accepts either the ordinal ("1".."4") or the name ("good").
func ParseRating(s string) (Rating, error) {
	if n, err := strconv.Atoi(s); err == nil {
		r := Rating(n)
		if !r.IsValid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidRating, n)
		}
		return r, nil
	}
	r, ok := ratingByName[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRating, s)
	}
	return r, nil
}

// MarshalJSON encodes the rating as its ordinal.
func (r Rating) MarshalJSON() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRating, int(r))
	}
	return json.Marshal(int(r))
}

// UnmarshalJSON accepts a JSON number or a JSON string. Out-of-range numbers
// are kept as-is so the scheduler can reject them with ErrInvalidRating.
func (r *Rating) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = Rating(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRating, data)
	}
	v, err := ParseRating(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}
