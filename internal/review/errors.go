package review

import (
	"errors"
	"fmt"

	"github.com/p-n-ai/pai-review/internal/srs"
)

// Sentinel errors. Use errors.Is to check them.
var (
	ErrInvalidRating                = srs.ErrInvalidRating
	ErrNotFound                     = errors.New("not found")
	ErrInvalidLanguage              = errors.New("invalid language")
	ErrInvalidArgument              = errors.New("invalid argument")
	ErrTranslationUnavailable       = errors.New("translation unavailable")
	ErrMappingConflict              = errors.New("translation mapping conflict")
	ErrInconsistentTranslationCount = errors.New("inconsistent translation count")
)

// OpError records the operation and the id an error belongs to.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Op == op && oe.ID == id {
		return err
	}
	return &OpError{Op: op, ID: id, Err: err}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}
