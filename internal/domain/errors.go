package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrChargeNotFound      = errors.New("charge not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTransition   = errors.New("invalid row transition")
	ErrJobNotCancellable   = errors.New("job not cancellable")
	ErrSystemicDispatch    = errors.New("systemic dispatch failure")
	ErrProviderFailure     = errors.New("provider failure")
	ErrUnknownTask         = errors.New("unknown provider task")
)

// Problem is one rejected field of a submission.
type Problem struct {
	RowIndex int    `json:"row_index,omitempty"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

// ValidationError rejects a submission as a whole. Nothing is persisted when
// it is returned.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.RowIndex > 0 {
			parts = append(parts, fmt.Sprintf("row %d: %s %s", p.RowIndex, p.Field, p.Message))
			continue
		}
		parts = append(parts, p.Field+" "+p.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a problem.
func (e *ValidationError) Add(rowIndex int, field, message string) {
	e.Problems = append(e.Problems, Problem{RowIndex: rowIndex, Field: field, Message: message})
}

// OrNil returns e when it carries problems and nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}
