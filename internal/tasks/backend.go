package tasks

import "context"

// Progress is a snapshot reported by the backend while it works. Cost is a
// delta since the previous report; Output is the most recent human-readable
// fragment.
type Progress struct {
	Cost   float64
	Output string
}

// ProgressFunc receives incremental progress from a running backend call.
// Returning an error aborts the call (used for budget enforcement).
type ProgressFunc func(Progress) error

// Request is the input to one backend invocation.
type Request struct {
	TaskID    string
	Params    Params
	SessionID string // resumed backend session, if any
}

// Result is the structured outcome of one backend invocation.
type Result struct {
	Content      string
	Cost         float64
	Turns        int
	SessionID    string
	IsError      bool
	ErrorMessage string
}

// Backend performs the actual long-running work. Implementations must honor
// context cancellation on a best-effort basis; the engine releases resources
// regardless of whether the call returns promptly.
type Backend interface {
	Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
	Healthcheck(ctx context.Context) error
}
