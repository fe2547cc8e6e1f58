// Package generation adapts asynchronous media generation backends to the
// start-then-poll contract the dispatcher and reconciler share.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"batchgen/internal/domain"
)

// TaskState is the normalized lifecycle of a provider task.
type TaskState string

const (
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// StartRequest describes one generation. IdempotencyKey is the row's charge
// reference, so a re-issued start after a crash maps to the same task where the
// backend supports it.
type StartRequest struct {
	IdempotencyKey    string
	Mode              domain.GenerationMode
	Model             string
	Prompt            string
	NegativePrompt    string
	AspectRatio       string
	Style             string
	ReferenceImageURL string
}

// Output is a finished artefact, either inline or behind a URL.
type Output struct {
	URL         string
	Data        []byte
	ContentType string
}

// Result is one observation of a task.
type Result struct {
	State        TaskState
	Progress     int
	Output       *Output
	ErrorCode    string
	ErrorMessage string
}

// Provider is implemented by every generation backend.
type Provider interface {
	StartTask(ctx context.Context, req StartRequest) (string, error)
	GetResult(ctx context.Context, taskID string) (Result, error)
}

// Error carries a backend failure. Transient errors are safe to retry.
type Error struct {
	Status    int
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %s (%s)", e.Message, e.Code)
	}
	if e.Status > 0 {
		return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
	}
	return "provider: " + e.Message
}

func (e *Error) Unwrap() error { return domain.ErrProviderFailure }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"internalerror", "internal error", "service unavailable", "timeout", "connection reset", "throttl"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// ClampProgress keeps progress hints within 0..100.
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
