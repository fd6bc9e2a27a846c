package plan

import (
	"errors"
	"strings"
)

// Expected failure outcomes of plan operations. They are returned as values
// and never retried by the core; retry policy belongs to callers.
var (
	ErrNotFound           = errors.New("treatment plan not found")
	ErrForbidden          = errors.New("caller is not the owning party")
	ErrInvalidState       = errors.New("operation not allowed in current plan state")
	ErrAlreadyClaimed     = errors.New("treatment plan already claimed")
	ErrAlreadyUsedByOther = errors.New("treatment plan claimed by another patient")
	ErrExpired            = errors.New("treatment plan expired")
	ErrInvalidDate        = errors.New("invalid date")
	ErrNotStarted         = errors.New("treatment plan not started")
)

// ValidationError reports malformed input. Field messages are accumulated so
// a caller sees every problem at once rather than the first one hit.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
