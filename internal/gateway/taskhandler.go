package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dohr-michael/drudge/internal/tasks"
)

// TaskHandler bridges the task manager to the HTTP and WebSocket surfaces.
type TaskHandler struct {
	manager *tasks.Manager
}

// NewTaskHandler creates a task handler over the manager.
func NewTaskHandler(manager *tasks.Manager) *TaskHandler {
	return &TaskHandler{manager: manager}
}

// submitParams is the wire form of a submission.
type submitParams struct {
	ScopeKey  string            `json:"scope_key"`
	Owner     string            `json:"owner"`
	Prompt    string            `json:"prompt"`
	Model     string            `json:"model,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	WorkDir   string            `json:"work_dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	CostLimit float64           `json:"cost_limit,omitempty"`
}

type taskSummary struct {
	ID         string       `json:"id"`
	ScopeKey   string       `json:"scope_key"`
	Owner      string       `json:"owner,omitempty"`
	Status     tasks.Status `json:"status"`
	TotalCost  float64      `json:"total_cost"`
	TotalTurns int          `json:"total_turns"`
	Retries    int          `json:"retries"`
	Elapsed    string       `json:"elapsed"`
	LastOutput string       `json:"last_output,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func summarize(t *tasks.Task) taskSummary {
	return taskSummary{
		ID:         t.ID,
		ScopeKey:   t.ScopeKey,
		Owner:      t.Owner,
		Status:     t.Status,
		TotalCost:  t.TotalCost,
		TotalTurns: t.TotalTurns,
		Retries:    t.RetryCount,
		Elapsed:    t.Elapsed(time.Now()).Round(time.Second).String(),
		LastOutput: t.LastOutput,
		Summary:    t.ResultSummary,
		ErrorKind:  t.ErrorKind,
		Error:      t.ErrorMessage,
		SessionID:  t.SessionID,
		CreatedAt:  t.CreatedAt,
	}
}

// Submit parses wire params and submits a task.
func (h *TaskHandler) Submit(raw json.RawMessage) (any, error) {
	var params submitParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return h.submit(params)
}

func (h *TaskHandler) submit(params submitParams) (any, error) {
	taskID, err := h.manager.Submit(tasks.SubmitRequest{
		ScopeKey: params.ScopeKey,
		Owner:    params.Owner,
		Params: tasks.Params{
			Prompt:    params.Prompt,
			Model:     params.Model,
			SessionID: params.SessionID,
			WorkDir:   params.WorkDir,
			Env:       params.Env,
		},
		CostLimit: params.CostLimit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"task_id": taskID, "status": string(tasks.StatusRunning)}, nil
}

// Check returns the status of a task.
func (h *TaskHandler) Check(taskID string) (any, error) {
	t, err := h.manager.Get(taskID)
	if err != nil {
		return nil, err
	}
	return summarize(t), nil
}

// Stop requests cancellation of a running task.
func (h *TaskHandler) Stop(taskID string) error {
	return h.manager.Stop(taskID)
}

// LastForScope returns the most recently finished task for a scope.
func (h *TaskHandler) LastForScope(scopeKey string) (any, error) {
	t, err := h.manager.LastFinishedForScope(scopeKey)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, tasks.ErrNotFound
	}
	return summarize(t), nil
}

// List returns recent tasks, newest first.
func (h *TaskHandler) List(limit int) (any, error) {
	list, err := h.manager.List(limit)
	if err != nil {
		return nil, err
	}
	summaries := make([]taskSummary, len(list))
	for i, t := range list {
		summaries[i] = summarize(t)
	}
	return summaries, nil
}
