package tasks

import (
	"errors"
	"fmt"
	"strings"
)

// Admission and control errors, returned synchronously to callers of
// Submit/Stop. These are never published as events.
var (
	ErrScopeBusy        = errors.New("scope already has a running task")
	ErrCapacityExceeded = errors.New("maximum concurrent tasks reached")
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyTerminal  = errors.New("task already finished")
	ErrNotReady         = errors.New("task manager has not recovered yet")
	ErrScopeDenied      = errors.New("scope is outside the allowed workspaces")
)

// ErrorKind classifies execution-phase failures. These are surfaced only
// through terminal events and persisted status, never to a synchronous caller.
const (
	ErrKindTransient   = "transient"
	ErrKindFatal       = "fatal"
	ErrKindBudget      = "budget_exceeded"
	ErrKindTimeout     = "timeout"
	ErrKindCancelled   = "cancelled"
	ErrKindInterrupted = "interrupted"
)

// BudgetExceededError is raised when a task's accumulated cost passes its
// limit. It forces cancellation and is never retried.
type BudgetExceededError struct {
	TaskID string
	Cost   float64
	Limit  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded cost limit: $%.2f > $%.2f", e.TaskID, e.Cost, e.Limit)
}

// BackendError wraps a failure reported by the execution backend.
type BackendError struct {
	Message   string
	Transient bool
}

func (e *BackendError) Error() string { return e.Message }

// IsTransient reports whether an execution error is worth retrying.
// Backend-tagged errors are authoritative; otherwise a small set of
// network/rate-limit heuristics applies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}

	var budget *BudgetExceededError
	if errors.As(err, &budget) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "too many requests", "quota",
		"overloaded", "connection", "timeout", "eof", "dial", "refused",
		"503", "502", "unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
