// Package tasks provides the background task orchestration engine: admission
// control, lifecycle management, retry, budget enforcement, and recovery.
package tasks

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further status transition may occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Params holds the immutable input captured at submission time. It must be
// enough to reconstruct intent after a restart.
type Params struct {
	Prompt    string            `json:"prompt"`
	Model     string            `json:"model,omitempty"`
	SessionID string            `json:"session_id,omitempty"` // resume a prior agent session
	WorkDir   string            `json:"work_dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Task represents one background unit of work.
type Task struct {
	ID       string `json:"id"`
	ScopeKey string `json:"scope_key"`
	Owner    string `json:"owner"`
	Params   Params `json:"params"`

	Status     Status  `json:"status"`
	CostLimit  float64 `json:"cost_limit"`
	TotalCost  float64 `json:"total_cost"`
	TotalTurns int     `json:"total_turns"`
	RetryCount int     `json:"retry_count"`
	MaxRetries int     `json:"max_retries"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`

	LastOutput    string `json:"last_output,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
	SessionID     string `json:"session_id,omitempty"` // backend session, for continuation
	ErrorKind     string `json:"error_kind,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// Elapsed returns the wall-clock time the task has been running, or its full
// run duration once finished.
func (t *Task) Elapsed(now time.Time) time.Duration {
	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	if t.FinishedAt != nil {
		return t.FinishedAt.Sub(start)
	}
	return now.Sub(start)
}

// summaryLimit bounds the persisted result summary.
const summaryLimit = 500

// Summarize truncates content to the persisted result summary length,
// cutting on a rune boundary so the summary stays valid UTF-8.
func Summarize(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= summaryLimit {
		return content
	}
	cut := summaryLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:13], "-", "")
}
