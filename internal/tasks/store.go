package tasks

import "time"

// StatusUpdate carries the optional fields written alongside a status
// transition. Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	ResultSummary *string
	ErrorKind     *string
	ErrorMessage  *string
	SessionID     *string
	TotalCost     *float64
	RetryCount    *int
	FinishedAt    *time.Time
}

// Store defines the persistence contract for tasks. Every status transition
// is persisted synchronously before the corresponding event is published.
type Store interface {
	Create(t *Task) error
	Get(id string) (*Task, error)
	// UpdateStatus writes a status transition plus optional fields, and bumps
	// last_activity_at. Writing a terminal status over an existing terminal
	// status must be rejected by the caller, not the store.
	UpdateStatus(id string, status Status, upd StatusUpdate) error
	// UpdateProgress accumulates cost, bumps the turn counter, and records the
	// latest output snapshot. It only applies while the task is running;
	// progress against a settled task is a silent no-op.
	UpdateProgress(id string, costDelta float64, lastOutput string) error
	List(limit int) ([]*Task, error)
	ListRunning() ([]*Task, error)
	// RunningForScope returns the running task for a scope, or nil when the
	// scope is idle.
	RunningForScope(scopeKey string) (*Task, error)
	CountRunning() (int, error)
	// LastFinishedForScope returns the most recently finished task for a
	// scope, or nil. Used for conversation continuation.
	LastFinishedForScope(scopeKey string) (*Task, error)
	Close() error
}
