package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/events"
	"github.com/dohr-michael/drudge/internal/heartbeat"
	"github.com/dohr-michael/drudge/internal/workspaces"
)

const maxRetryDelay = 10 * time.Minute

// SubmitRequest describes one unit of background work.
type SubmitRequest struct {
	ScopeKey  string
	Owner     string
	Params    Params
	CostLimit float64 // 0 means the configured default
}

// ManagerConfig wires the manager to its collaborators.
type ManagerConfig struct {
	Store      Store
	Backend    Backend
	Bus        *events.Bus
	Tasks      config.TasksConfig
	Stages     *heartbeat.Classifier
	Workspaces *workspaces.Matcher
}

// Manager owns the full lifecycle of background tasks: admission, execution,
// retries, monitoring and terminal bookkeeping. All methods are safe for
// concurrent use.
type Manager struct {
	store   Store
	backend Backend
	bus     *events.Bus
	cfg     config.TasksConfig
	stages  *heartbeat.Classifier
	allow   *workspaces.Matcher

	slots *slots
	ready atomic.Bool

	mu      sync.Mutex
	running map[string]*execution

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// execution is the in-memory state of one running task. The finalized flag
// guarantees that exactly one terminal transition wins, whichever path
// reaches it first (backend result, timeout, budget, stop, shutdown).
type execution struct {
	task      *Task
	cancel    context.CancelFunc
	monitor   *heartbeat.Monitor
	finalized atomic.Bool

	mu          sync.Mutex
	accumulated float64
	lastOutput  string
}

func (ex *execution) snapshot() (cost float64, output string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.accumulated, ex.lastOutput
}

func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     cfg.Store,
		backend:   cfg.Backend,
		bus:       cfg.Bus,
		cfg:       cfg.Tasks,
		stages:    cfg.Stages,
		allow:     cfg.Workspaces,
		slots:     newSlots(cfg.Tasks.MaxConcurrent),
		running:   map[string]*execution{},
		baseCtx:   ctx,
		cancelAll: cancel,
	}
	return m
}

// Recover sweeps tasks left in running state by a previous process and marks
// them failed. It must be called once before the manager accepts submissions.
func (m *Manager) Recover() (int, error) {
	orphans, err := m.store.ListRunning()
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	recovered := 0
	for _, t := range orphans {
		now := time.Now()
		upd := StatusUpdate{
			ErrorKind:    ptr(ErrKindInterrupted),
			ErrorMessage: ptr("interrupted by restart"),
			FinishedAt:   &now,
		}
		if err := m.store.UpdateStatus(t.ID, StatusFailed, upd); err != nil {
			slog.Error("recover task", "task_id", t.ID, "error", err)
			continue
		}
		m.bus.Publish(events.NewTaskEvent(events.SourceManager, events.TaskFailedPayload{
			TaskID:          t.ID,
			DurationSeconds: int(t.Elapsed(now).Seconds()),
			Cost:            t.TotalCost,
			ErrorKind:       ErrKindInterrupted,
			ErrorMessage:    "interrupted by restart",
			LastOutput:      t.LastOutput,
		}, t.ID))
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovered interrupted tasks", "count", recovered)
	}
	m.ready.Store(true)
	return recovered, nil
}

// Submit admits a task, persists it and launches its execution. It returns
// the task id as soon as the task is running; results arrive as events.
func (m *Manager) Submit(req SubmitRequest) (string, error) {
	if !m.ready.Load() {
		return "", ErrNotReady
	}
	if req.ScopeKey == "" {
		return "", fmt.Errorf("scope key is required")
	}
	if req.Params.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	if !m.allow.Allowed(req.ScopeKey) {
		return "", fmt.Errorf("%w: %s", ErrScopeDenied, req.ScopeKey)
	}

	id := GenerateTaskID()
	if err := m.slots.TryAcquire(req.ScopeKey, id); err != nil {
		return "", err
	}

	limit := req.CostLimit
	if limit <= 0 {
		limit = m.cfg.MaxCost
	}
	now := time.Now()
	task := &Task{
		ID:             id,
		ScopeKey:       req.ScopeKey,
		Owner:          req.Owner,
		Params:         req.Params,
		Status:         StatusPending,
		CostLimit:      limit,
		MaxRetries:     m.cfg.Retries(),
		CreatedAt:      now,
		LastActivityAt: now,
		SessionID:      req.Params.SessionID,
	}
	if err := m.store.Create(task); err != nil {
		m.slots.Release(req.ScopeKey, id)
		return "", fmt.Errorf("create task: %w", err)
	}

	started := time.Now()
	if err := m.store.UpdateStatus(id, StatusRunning, StatusUpdate{}); err != nil {
		m.slots.Release(req.ScopeKey, id)
		return "", fmt.Errorf("start task: %w", err)
	}
	task.Status = StatusRunning
	task.StartedAt = &started

	taskCtx, cancel := context.WithCancel(m.baseCtx)
	ex := &execution{task: task, cancel: cancel}
	ex.monitor = heartbeat.NewMonitor(heartbeat.Config{
		TaskID:      id,
		Interval:    m.cfg.HeartbeatInterval.Duration(),
		IdleTimeout: m.cfg.IdleTimeout.Duration(),
		MaxDuration: m.cfg.MaxDuration.Duration(),
		Stages:      m.stages,
		Probe:       func() (heartbeat.Probe, bool) { return m.probe(id) },
		Bus:         m.bus,
		OnTimeout: func(idle, elapsed time.Duration) {
			m.timeoutTask(ex, idle, elapsed)
		},
		OnBudget: func(cost, limit float64) {
			m.budgetTask(ex, cost, limit)
		},
	})

	m.mu.Lock()
	m.running[id] = ex
	m.mu.Unlock()

	m.bus.Publish(events.NewTaskEvent(events.SourceManager, events.TaskStartedPayload{
		TaskID:    id,
		ScopeKey:  req.ScopeKey,
		Owner:     req.Owner,
		Prompt:    req.Params.Prompt,
		StartedAt: started,
	}, id))

	ex.monitor.Start()
	m.wg.Add(1)
	go m.runTask(taskCtx, ex)

	slog.Info("task submitted", "task_id", id, "scope", req.ScopeKey, "owner", req.Owner)
	return id, nil
}

// Stop requests cancellation of a running task. Stopping a task that already
// reached a terminal state returns ErrAlreadyTerminal, which callers should
// treat as a benign no-op.
func (m *Manager) Stop(taskID string) error {
	if !m.ready.Load() {
		return ErrNotReady
	}
	m.mu.Lock()
	ex, ok := m.running[taskID]
	m.mu.Unlock()
	if !ok {
		t, err := m.store.Get(taskID)
		if err != nil {
			return ErrNotFound
		}
		if t.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		// Persisted as active but not managed by this process. Should not
		// happen after Recover, but settle the record rather than wedge it.
		now := time.Now()
		upd := StatusUpdate{
			ErrorKind:    ptr(ErrKindCancelled),
			ErrorMessage: ptr("stopped by request"),
			FinishedAt:   &now,
		}
		if err := m.store.UpdateStatus(taskID, StatusCancelled, upd); err != nil {
			return fmt.Errorf("stop task: %w", err)
		}
		m.bus.Publish(events.NewTaskEvent(events.SourceManager, events.TaskCancelledPayload{
			TaskID:          taskID,
			DurationSeconds: int(t.Elapsed(now).Seconds()),
			Cost:            t.TotalCost,
			Reason:          "stopped by request",
		}, taskID))
		return nil
	}
	if !m.cancelTask(ex, "stopped by request") {
		return ErrAlreadyTerminal
	}
	return nil
}

// Get returns the persisted state of a task.
func (m *Manager) Get(taskID string) (*Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns recent tasks, newest first.
func (m *Manager) List(limit int) ([]*Task, error) {
	return m.store.List(limit)
}

// LastFinishedForScope returns the most recent terminal task for a scope,
// used to offer session continuation.
func (m *Manager) LastFinishedForScope(scopeKey string) (*Task, error) {
	return m.store.LastFinishedForScope(scopeKey)
}

// Running reports how many tasks this process is currently executing.
func (m *Manager) Running() int {
	return m.slots.Running()
}

// Healthcheck probes the execution backend.
func (m *Manager) Healthcheck(ctx context.Context) error {
	return m.backend.Healthcheck(ctx)
}

// Shutdown cancels all running tasks and waits for their wrappers to settle,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.ready.Store(false)
	m.cancelAll()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTask drives the backend for one task, retrying transient failures with
// exponential backoff until the retry budget is spent.
func (m *Manager) runTask(ctx context.Context, ex *execution) {
	defer m.wg.Done()
	task := ex.task
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.retryDelay(attempt)
			slog.Info("retrying task", "task_id", task.ID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				m.cancelTask(ex, "execution cancelled")
				return
			}
			rc := attempt
			if err := m.store.UpdateStatus(task.ID, StatusRunning, StatusUpdate{RetryCount: &rc}); err != nil {
				slog.Warn("persist retry count", "task_id", task.ID, "error", err)
			}
		}

		res, err := m.backend.Execute(ctx, Request{
			TaskID:    task.ID,
			Params:    task.Params,
			SessionID: task.SessionID,
		}, func(p Progress) error {
			return m.onProgress(ex, p)
		})
		if err == nil && res != nil && res.IsError {
			msg := res.ErrorMessage
			if msg == "" {
				msg = "backend reported failure"
			}
			err = &BackendError{Message: msg}
		}

		if err == nil {
			m.completeTask(ex, start, res, attempt)
			return
		}

		if ctx.Err() != nil {
			// A timeout, stop or shutdown already won the terminal race;
			// the backend error is just the abort surfacing.
			m.cancelTask(ex, "execution cancelled")
			return
		}

		var budget *BudgetExceededError
		if errors.As(err, &budget) {
			m.failTask(ex, start, ErrKindBudget, budget.Error(), attempt)
			return
		}

		if !IsTransient(err) {
			m.failTask(ex, start, ErrKindFatal, err.Error(), attempt)
			return
		}

		lastErr = err
		slog.Warn("task attempt failed", "task_id", task.ID, "attempt", attempt, "error", err)
	}

	m.failTask(ex, start, ErrKindTransient,
		fmt.Sprintf("retries exhausted after %d attempts: %v", task.MaxRetries+1, lastErr),
		task.MaxRetries)
}

// onProgress records a cost delta and the latest output line, then enforces
// the cost limit. Returning an error makes the backend abort the call.
func (m *Manager) onProgress(ex *execution, p Progress) error {
	// Once the terminal transition happened, the record is settled. Progress
	// from a backend that ignored cancellation is dropped, and the error
	// tells it to stop.
	if ex.finalized.Load() {
		return context.Canceled
	}

	ex.mu.Lock()
	ex.accumulated += p.Cost
	cost := ex.accumulated
	if p.Output != "" {
		ex.lastOutput = p.Output
	}
	ex.mu.Unlock()

	if err := m.store.UpdateProgress(ex.task.ID, p.Cost, p.Output); err != nil {
		slog.Warn("persist progress", "task_id", ex.task.ID, "error", err)
	}

	if cost > ex.task.CostLimit {
		return &BudgetExceededError{TaskID: ex.task.ID, Cost: cost, Limit: ex.task.CostLimit}
	}
	return nil
}

// probe feeds the heartbeat monitor from persisted task state.
func (m *Manager) probe(taskID string) (heartbeat.Probe, bool) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return heartbeat.Probe{}, false
	}
	startedAt := t.CreatedAt
	if t.StartedAt != nil {
		startedAt = *t.StartedAt
	}
	return heartbeat.Probe{
		Terminal:       t.Status.IsTerminal(),
		StartedAt:      startedAt,
		LastActivityAt: t.LastActivityAt,
		Cost:           t.TotalCost,
		CostLimit:      t.CostLimit,
		LastOutput:     t.LastOutput,
	}, true
}

func (m *Manager) completeTask(ex *execution, start time.Time, res *Result, attempt int) {
	acc, _ := ex.snapshot()
	total := res.Cost
	if total < acc {
		total = acc
	}
	summary := Summarize(res.Content)
	duration := int(time.Since(start).Seconds())

	upd := StatusUpdate{
		ResultSummary: &summary,
		TotalCost:     &total,
		RetryCount:    &attempt,
	}
	if res.SessionID != "" {
		upd.SessionID = &res.SessionID
	}
	if m.finalize(ex, StatusCompleted, upd, events.TaskCompletedPayload{
		TaskID:          ex.task.ID,
		DurationSeconds: duration,
		Cost:            total,
		ResultSummary:   summary,
		Retries:         attempt,
	}) {
		slog.Info("task completed", "task_id", ex.task.ID, "cost", total, "duration", duration, "retries", attempt)
	}
}

func (m *Manager) failTask(ex *execution, start time.Time, kind, msg string, attempt int) {
	acc, last := ex.snapshot()
	duration := int(time.Since(start).Seconds())

	upd := StatusUpdate{
		ErrorKind:    &kind,
		ErrorMessage: &msg,
		RetryCount:   &attempt,
	}
	if m.finalize(ex, StatusFailed, upd, events.TaskFailedPayload{
		TaskID:          ex.task.ID,
		DurationSeconds: duration,
		Cost:            acc,
		ErrorKind:       kind,
		ErrorMessage:    msg,
		LastOutput:      last,
	}) {
		slog.Error("task failed", "task_id", ex.task.ID, "kind", kind, "error", msg)
	}
}

// timeoutTask settles a task the monitor declared stalled. The monitor has
// already published the single TaskTimeout event; the terminal failure event
// follows it.
func (m *Manager) timeoutTask(ex *execution, idle, elapsed time.Duration) {
	acc, last := ex.snapshot()
	msg := fmt.Sprintf("no activity for %s (running %s)", idle.Round(time.Second), elapsed.Round(time.Second))
	upd := StatusUpdate{
		ErrorKind:    ptr(ErrKindTimeout),
		ErrorMessage: &msg,
	}
	if m.finalize(ex, StatusTimedOut, upd, events.TaskFailedPayload{
		TaskID:          ex.task.ID,
		DurationSeconds: int(elapsed.Seconds()),
		Cost:            acc,
		ErrorKind:       ErrKindTimeout,
		ErrorMessage:    msg,
		LastOutput:      last,
	}) {
		slog.Warn("task timed out", "task_id", ex.task.ID, "idle", idle, "elapsed", elapsed)
	}
}

// budgetTask settles a task whose persisted cost passed its limit between
// progress callbacks.
func (m *Manager) budgetTask(ex *execution, cost, limit float64) {
	_, last := ex.snapshot()
	msg := (&BudgetExceededError{TaskID: ex.task.ID, Cost: cost, Limit: limit}).Error()
	elapsed := time.Duration(0)
	if ex.task.StartedAt != nil {
		elapsed = time.Since(*ex.task.StartedAt)
	}
	upd := StatusUpdate{
		ErrorKind:    ptr(ErrKindBudget),
		ErrorMessage: &msg,
	}
	if m.finalize(ex, StatusFailed, upd, events.TaskFailedPayload{
		TaskID:          ex.task.ID,
		DurationSeconds: int(elapsed.Seconds()),
		Cost:            cost,
		ErrorKind:       ErrKindBudget,
		ErrorMessage:    msg,
		LastOutput:      last,
	}) {
		slog.Warn("task exceeded budget", "task_id", ex.task.ID, "cost", cost, "limit", limit)
	}
}

func (m *Manager) cancelTask(ex *execution, reason string) bool {
	acc, _ := ex.snapshot()
	elapsed := time.Duration(0)
	if ex.task.StartedAt != nil {
		elapsed = time.Since(*ex.task.StartedAt)
	}
	upd := StatusUpdate{
		ErrorKind:    ptr(ErrKindCancelled),
		ErrorMessage: &reason,
	}
	ok := m.finalize(ex, StatusCancelled, upd, events.TaskCancelledPayload{
		TaskID:          ex.task.ID,
		DurationSeconds: int(elapsed.Seconds()),
		Cost:            acc,
		Reason:          reason,
	})
	if ok {
		slog.Info("task cancelled", "task_id", ex.task.ID, "reason", reason)
	}
	return ok
}

// finalize performs the single terminal transition for a task: stop the
// monitor, cancel the backend, persist, release the admission slot, then
// publish. The compare-and-swap makes every later caller a no-op, so a late
// backend result can never overwrite a timeout or stop.
func (m *Manager) finalize(ex *execution, status Status, upd StatusUpdate, payload events.EventPayload) bool {
	if !ex.finalized.CompareAndSwap(false, true) {
		return false
	}

	ex.monitor.Stop()
	ex.cancel()

	if upd.FinishedAt == nil {
		now := time.Now()
		upd.FinishedAt = &now
	}
	if err := m.store.UpdateStatus(ex.task.ID, status, upd); err != nil {
		slog.Error("persist terminal status", "task_id", ex.task.ID, "status", status, "error", err)
	}

	m.slots.Release(ex.task.ScopeKey, ex.task.ID)
	m.mu.Lock()
	delete(m.running, ex.task.ID)
	m.mu.Unlock()

	m.bus.Publish(events.NewTaskEvent(events.SourceManager, payload, ex.task.ID))
	return true
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.cfg.RetryBackoff.Duration() << (attempt - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

func ptr[T any](v T) *T { return &v }
