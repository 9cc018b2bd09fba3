package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// TaskStartedPayload is published once when a task is admitted and launched.
type TaskStartedPayload struct {
	TaskID    string    `json:"task_id"`
	ScopeKey  string    `json:"scope_key"`
	Owner     string    `json:"owner"`
	Prompt    string    `json:"prompt,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (TaskStartedPayload) EventType() EventType { return EventTaskStarted }

// TaskProgressPayload is published on each heartbeat of a running task.
// Stage is a best-effort classification and may be empty.
type TaskProgressPayload struct {
	TaskID         string  `json:"task_id"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	Cost           float64 `json:"cost"`
	Stage          string  `json:"stage,omitempty"`
}

func (TaskProgressPayload) EventType() EventType { return EventTaskProgress }

type TaskCompletedPayload struct {
	TaskID          string  `json:"task_id"`
	DurationSeconds int     `json:"duration_seconds"`
	Cost            float64 `json:"cost"`
	ResultSummary   string  `json:"result_summary,omitempty"`
	Retries         int     `json:"retries,omitempty"`
}

func (TaskCompletedPayload) EventType() EventType { return EventTaskCompleted }

type TaskFailedPayload struct {
	TaskID          string  `json:"task_id"`
	DurationSeconds int     `json:"duration_seconds"`
	Cost            float64 `json:"cost"`
	ErrorKind       string  `json:"error_kind"`
	ErrorMessage    string  `json:"error_message"`
	LastOutput      string  `json:"last_output,omitempty"`
}

func (TaskFailedPayload) EventType() EventType { return EventTaskFailed }

// TaskTimeoutPayload is published at most once per task, when the heartbeat
// monitor detects a stall or the task exceeds its maximum duration.
type TaskTimeoutPayload struct {
	TaskID         string  `json:"task_id"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	IdleSeconds    int     `json:"idle_seconds"`
	Cost           float64 `json:"cost"`
}

func (TaskTimeoutPayload) EventType() EventType { return EventTaskTimeout }

type TaskCancelledPayload struct {
	TaskID          string  `json:"task_id"`
	DurationSeconds int     `json:"duration_seconds"`
	Cost            float64 `json:"cost"`
	Reason          string  `json:"reason,omitempty"`
}

func (TaskCancelledPayload) EventType() EventType { return EventTaskCancelled }

type BackendHealthPayload struct {
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

func (BackendHealthPayload) EventType() EventType { return EventBackendHealth }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTaskEvent tags the event envelope with the task it belongs to, so
// subscribers can route without unmarshaling the payload.
func NewTaskEvent(source EventSource, payload EventPayload, taskID string) Event {
	return Event{
		ID:        generateEventID(),
		TaskID:    taskID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetTaskStartedPayload(e Event) (TaskStartedPayload, bool) {
	return ExtractPayload[TaskStartedPayload](e)
}

func GetTaskProgressPayload(e Event) (TaskProgressPayload, bool) {
	return ExtractPayload[TaskProgressPayload](e)
}

func GetTaskCompletedPayload(e Event) (TaskCompletedPayload, bool) {
	return ExtractPayload[TaskCompletedPayload](e)
}

func GetTaskFailedPayload(e Event) (TaskFailedPayload, bool) {
	return ExtractPayload[TaskFailedPayload](e)
}

func GetTaskTimeoutPayload(e Event) (TaskTimeoutPayload, bool) {
	return ExtractPayload[TaskTimeoutPayload](e)
}

func GetTaskCancelledPayload(e Event) (TaskCancelledPayload, bool) {
	return ExtractPayload[TaskCancelledPayload](e)
}
