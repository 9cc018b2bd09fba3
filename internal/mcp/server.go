// Package mcp exposes task orchestration over the Model Context Protocol,
// so agent frontends can submit and track background work.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/drudge/internal/tasks"
)

// NewServer creates an MCP server exposing the task tools.
func NewServer(manager *tasks.Manager) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "drudge",
		Version: "0.1.0",
	}, nil)

	addTool(server, submitTaskTool(), handleSubmitTask(manager))
	addTool(server, checkTaskTool(), handleCheckTask(manager))
	addTool(server, stopTaskTool(), handleStopTask(manager))
	addTool(server, listTasksTool(), handleListTasks(manager))

	return server
}

type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// addTool registers a tool whose handler returns a JSON-encodable result.
func addTool(server *mcpsdk.Server, tool *mcpsdk.Tool, handler toolHandler) {
	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		result, err := handler(ctx, req.Params.Arguments)
		if err != nil {
			slog.Debug("mcp tool error", "tool", tool.Name, "error", err)
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		}, nil
	})
	slog.Debug("mcp tool registered", "tool", tool.Name)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func submitTaskTool() *mcpsdk.Tool {
	return &mcpsdk.Tool{
		Name:        "submit_task",
		Description: "Submit a background task for a scope. Only one task may run per scope at a time.",
		InputSchema: objectSchema(map[string]any{
			"scope_key":  map[string]any{"type": "string", "description": "Scope the task operates on, e.g. a project path"},
			"owner":      map[string]any{"type": "string", "description": "Identity the task is attributed to"},
			"prompt":     map[string]any{"type": "string", "description": "Instruction for the execution backend"},
			"session_id": map[string]any{"type": "string", "description": "Backend session to resume"},
			"work_dir":   map[string]any{"type": "string", "description": "Working directory for the backend"},
			"cost_limit": map[string]any{"type": "number", "description": "Maximum dollars this task may spend"},
		}, "scope_key", "prompt"),
	}
}

func checkTaskTool() *mcpsdk.Tool {
	return &mcpsdk.Tool{
		Name:        "check_task",
		Description: "Get the current status, cost, and latest output of a task.",
		InputSchema: objectSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task identifier"},
		}, "task_id"),
	}
}

func stopTaskTool() *mcpsdk.Tool {
	return &mcpsdk.Tool{
		Name:        "stop_task",
		Description: "Cancel a running task.",
		InputSchema: objectSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task identifier"},
		}, "task_id"),
	}
}

func listTasksTool() *mcpsdk.Tool {
	return &mcpsdk.Tool{
		Name:        "list_tasks",
		Description: "List recent tasks, newest first.",
		InputSchema: objectSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum number of tasks to return"},
		}),
	}
}

type taskStatus struct {
	ID        string  `json:"id"`
	ScopeKey  string  `json:"scope_key"`
	Status    string  `json:"status"`
	TotalCost float64 `json:"total_cost"`
	Retries   int     `json:"retries"`
	Elapsed   string  `json:"elapsed"`
	Output    string  `json:"output,omitempty"`
	Summary   string  `json:"summary,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Error     string  `json:"error,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

func statusOf(t *tasks.Task) taskStatus {
	return taskStatus{
		ID:        t.ID,
		ScopeKey:  t.ScopeKey,
		Status:    string(t.Status),
		TotalCost: t.TotalCost,
		Retries:   t.RetryCount,
		Elapsed:   t.Elapsed(time.Now()).Round(time.Second).String(),
		Output:    t.LastOutput,
		Summary:   t.ResultSummary,
		ErrorKind: t.ErrorKind,
		Error:     t.ErrorMessage,
		SessionID: t.SessionID,
	}
}

func handleSubmitTask(manager *tasks.Manager) toolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			ScopeKey  string  `json:"scope_key"`
			Owner     string  `json:"owner"`
			Prompt    string  `json:"prompt"`
			SessionID string  `json:"session_id"`
			WorkDir   string  `json:"work_dir"`
			CostLimit float64 `json:"cost_limit"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("submit_task: parse input: %w", err)
		}

		taskID, err := manager.Submit(tasks.SubmitRequest{
			ScopeKey: params.ScopeKey,
			Owner:    params.Owner,
			Params: tasks.Params{
				Prompt:    params.Prompt,
				SessionID: params.SessionID,
				WorkDir:   params.WorkDir,
			},
			CostLimit: params.CostLimit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"task_id": taskID, "status": string(tasks.StatusRunning)}, nil
	}
}

func taskIDArg(args json.RawMessage, tool string) (string, error) {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("%s: parse input: %w", tool, err)
	}
	if params.TaskID == "" {
		return "", fmt.Errorf("%s: task_id is required", tool)
	}
	return params.TaskID, nil
}

func handleCheckTask(manager *tasks.Manager) toolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		taskID, err := taskIDArg(args, "check_task")
		if err != nil {
			return nil, err
		}
		t, err := manager.Get(taskID)
		if err != nil {
			return nil, err
		}
		return statusOf(t), nil
	}
}

func handleStopTask(manager *tasks.Manager) toolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		taskID, err := taskIDArg(args, "stop_task")
		if err != nil {
			return nil, err
		}
		if err := manager.Stop(taskID); err != nil {
			return nil, err
		}
		return map[string]string{"task_id": taskID, "status": "stopping"}, nil
	}
}

func handleListTasks(manager *tasks.Manager) toolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params struct {
			Limit int `json:"limit"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("list_tasks: parse input: %w", err)
			}
		}
		list, err := manager.List(params.Limit)
		if err != nil {
			return nil, err
		}
		statuses := make([]taskStatus, len(list))
		for i, t := range list {
			statuses[i] = statusOf(t)
		}
		return statuses, nil
	}
}
