package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/drudge/internal/config"
	"github.com/dohr-michael/drudge/internal/events"
	"github.com/dohr-michael/drudge/internal/workspaces"
)

type fakeBackend struct {
	execute func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
	health  func(ctx context.Context) error
}

func (b *fakeBackend) Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	return b.execute(ctx, req, onProgress)
}

func (b *fakeBackend) Healthcheck(ctx context.Context) error {
	if b.health != nil {
		return b.health(ctx)
	}
	return nil
}

func testTasksConfig() config.TasksConfig {
	retries := 2
	return config.TasksConfig{
		MaxConcurrent:     2,
		MaxCost:           5.0,
		MaxRetries:        &retries,
		RetryBackoff:      config.Duration(5 * time.Millisecond),
		HeartbeatInterval: config.Duration(20 * time.Millisecond),
		IdleTimeout:       config.Duration(time.Hour),
		MaxDuration:       config.Duration(time.Hour),
	}
}

func newTestManager(t *testing.T, backend Backend, tweak func(*config.TasksConfig)) (*Manager, *events.Bus) {
	t.Helper()

	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(256)
	t.Cleanup(bus.Close)

	cfg := testTasksConfig()
	if tweak != nil {
		tweak(&cfg)
	}

	m := NewManager(ManagerConfig{
		Store:   store,
		Backend: backend,
		Bus:     bus,
		Tasks:   cfg,
	})
	if _, err := m.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, bus
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			if err := onProgress(Progress{Cost: 0.4, Output: "reading files"}); err != nil {
				return nil, err
			}
			if err := onProgress(Progress{Cost: 0.3, Output: "writing patch"}); err != nil {
				return nil, err
			}
			return &Result{Content: "patch applied", Cost: 0.7, Turns: 2, SessionID: "sess-1"}, nil
		},
	}
	m, bus := newTestManager(t, backend, nil)

	done, unsub := bus.SubscribeChan(16, events.EventTaskCompleted)
	defer unsub()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1/topic:2", Owner: "alice", Params: Params{Prompt: "fix the build"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e := waitEvent(t, done)
	p, ok := events.GetTaskCompletedPayload(e)
	if !ok {
		t.Fatal("bad completed payload")
	}
	if p.TaskID != id {
		t.Errorf("task id: got %s want %s", p.TaskID, id)
	}
	if p.ResultSummary != "patch applied" {
		t.Errorf("summary: got %q", p.ResultSummary)
	}
	if p.Retries != 0 {
		t.Errorf("retries: got %d", p.Retries)
	}

	task, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("status: got %s", task.Status)
	}
	if task.SessionID != "sess-1" {
		t.Errorf("session id: got %q", task.SessionID)
	}
	if task.TotalCost < 0.69 || task.TotalCost > 0.71 {
		t.Errorf("total cost: got %f", task.TotalCost)
	}
	if task.TotalTurns != 2 {
		t.Errorf("total turns: got %d", task.TotalTurns)
	}
	if task.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if m.Running() != 0 {
		t.Errorf("running after completion: got %d", m.Running())
	}
}

func TestScopeExclusivityAndCapacity(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			select {
			case <-release:
				return &Result{Content: "ok"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	m, bus := newTestManager(t, backend, nil)

	done, unsub := bus.SubscribeChan(16, events.EventTaskCompleted)
	defer unsub()

	first, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "one"}})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	if _, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "dup"}}); !errors.Is(err, ErrScopeBusy) {
		t.Errorf("same scope: got %v want ErrScopeBusy", err)
	}

	if _, err := m.Submit(SubmitRequest{ScopeKey: "chat:2", Params: Params{Prompt: "two"}}); err != nil {
		t.Fatalf("second scope: %v", err)
	}

	if _, err := m.Submit(SubmitRequest{ScopeKey: "chat:3", Params: Params{Prompt: "three"}}); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("over capacity: got %v want ErrCapacityExceeded", err)
	}

	close(release)
	waitEvent(t, done)
	waitEvent(t, done)

	// The scope frees up once its task finished.
	again, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "again"}})
	if err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	if again == first {
		t.Error("task id reused")
	}
	waitEvent(t, done)
}

func TestTransientRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			if calls.Add(1) <= 2 {
				return nil, &BackendError{Message: "connection reset", Transient: true}
			}
			return &Result{Content: "third time lucky"}, nil
		},
	}
	m, bus := newTestManager(t, backend, nil)

	done, unsub := bus.SubscribeChan(16, events.EventTaskCompleted)
	defer unsub()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "retry me"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e := waitEvent(t, done)
	p, _ := events.GetTaskCompletedPayload(e)
	if p.Retries != 2 {
		t.Errorf("event retries: got %d want 2", p.Retries)
	}

	task, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("status: got %s", task.Status)
	}
	if task.RetryCount != 2 {
		t.Errorf("retry count: got %d want 2", task.RetryCount)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls: got %d want 3", got)
	}
}

func TestFatalErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			calls.Add(1)
			return nil, &BackendError{Message: "invalid prompt"}
		},
	}
	m, bus := newTestManager(t, backend, nil)

	done, unsub := bus.SubscribeChan(16, events.EventTaskFailed)
	defer unsub()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "boom"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e := waitEvent(t, done)
	p, _ := events.GetTaskFailedPayload(e)
	if p.ErrorKind != ErrKindFatal {
		t.Errorf("error kind: got %q", p.ErrorKind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls: got %d want 1", got)
	}

	task, _ := m.Get(id)
	if task.Status != StatusFailed {
		t.Errorf("status: got %s", task.Status)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			calls.Add(1)
			return nil, &BackendError{Message: "429 too many requests", Transient: true}
		},
	}
	m, bus := newTestManager(t, backend, nil)

	done, unsub := bus.SubscribeChan(16, events.EventTaskFailed)
	defer unsub()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "flaky"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e := waitEvent(t, done)
	p, _ := events.GetTaskFailedPayload(e)
	if p.ErrorKind != ErrKindTransient {
		t.Errorf("error kind: got %q", p.ErrorKind)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls: got %d want 3", got)
	}

	task, _ := m.Get(id)
	if task.Status != StatusFailed {
		t.Errorf("status: got %s", task.Status)
	}
	if task.RetryCount != 2 {
		t.Errorf("retry count: got %d want 2", task.RetryCount)
	}
}

func TestBudgetAbortsExecution(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			calls.Add(1)
			for {
				if err := onProgress(Progress{Cost: 0.6, Output: "still going"}); err != nil {
					return nil, err
				}
			}
		},
	}
	m, bus := newTestManager(t, backend, nil)

	done, unsub := bus.SubscribeChan(16, events.EventTaskFailed)
	defer unsub()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "spend"}, CostLimit: 1.0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e := waitEvent(t, done)
	p, _ := events.GetTaskFailedPayload(e)
	if p.ErrorKind != ErrKindBudget {
		t.Errorf("error kind: got %q", p.ErrorKind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls: got %d want 1 (budget errors never retry)", got)
	}

	task, _ := m.Get(id)
	if task.Status != StatusFailed {
		t.Errorf("status: got %s", task.Status)
	}
	if task.TotalCost < 1.0 {
		t.Errorf("total cost: got %f", task.TotalCost)
	}
}

func TestStopCancelsRunningTask(t *testing.T) {
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			<-ctx.Done()
			// A backend that swallows cancellation and reports success must
			// not overwrite the cancelled status.
			return &Result{Content: "late success"}, nil
		},
	}
	m, bus := newTestManager(t, backend, nil)

	cancelled, unsub := bus.SubscribeChan(16, events.EventTaskCancelled)
	defer unsub()
	completed, unsub2 := bus.SubscribeChan(16, events.EventTaskCompleted)
	defer unsub2()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "long"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}

	e := waitEvent(t, cancelled)
	if e.TaskID != id {
		t.Errorf("cancelled task id: got %s", e.TaskID)
	}

	if err := m.Stop(id); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second stop: got %v want ErrAlreadyTerminal", err)
	}

	select {
	case <-completed:
		t.Fatal("late backend result produced a completed event")
	case <-time.After(100 * time.Millisecond):
	}

	task, _ := m.Get(id)
	if task.Status != StatusCancelled {
		t.Errorf("status: got %s", task.Status)
	}
}

func TestStopUnknownTask(t *testing.T) {
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			return &Result{}, nil
		},
	}
	m, _ := newTestManager(t, backend, nil)

	if err := m.Stop("task_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v want ErrNotFound", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m, bus := newTestManager(t, backend, func(cfg *config.TasksConfig) {
		cfg.HeartbeatInterval = config.Duration(10 * time.Millisecond)
		cfg.IdleTimeout = config.Duration(40 * time.Millisecond)
	})

	timeouts, unsub := bus.SubscribeChan(16, events.EventTaskTimeout)
	defer unsub()
	failed, unsub2 := bus.SubscribeChan(16, events.EventTaskFailed)
	defer unsub2()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "stall"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitEvent(t, timeouts)
	e := waitEvent(t, failed)
	p, _ := events.GetTaskFailedPayload(e)
	if p.ErrorKind != ErrKindTimeout {
		t.Errorf("error kind: got %q", p.ErrorKind)
	}

	select {
	case <-timeouts:
		t.Fatal("second timeout event published")
	case <-time.After(100 * time.Millisecond):
	}

	task, _ := m.Get(id)
	if task.Status != StatusTimedOut {
		t.Errorf("status: got %s", task.Status)
	}
}

func TestRecoverMarksInterrupted(t *testing.T) {
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"task_a1", "task_a2"} {
		task := &Task{
			ID:             id,
			ScopeKey:       "chat:" + id,
			Params:         Params{Prompt: "left behind"},
			Status:         StatusPending,
			CreatedAt:      time.Now().Add(-time.Minute),
			LastActivityAt: time.Now().Add(-time.Minute),
		}
		if err := store.Create(task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.UpdateStatus(id, StatusRunning, StatusUpdate{}); err != nil {
			t.Fatalf("mark running: %v", err)
		}
	}

	bus := events.NewBus(64)
	defer bus.Close()
	failed, unsub := bus.SubscribeChan(16, events.EventTaskFailed)
	defer unsub()

	backend := &fakeBackend{execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
		return &Result{}, nil
	}}
	m := NewManager(ManagerConfig{Store: store, Backend: backend, Bus: bus, Tasks: testTasksConfig()})

	if _, err := m.Submit(SubmitRequest{ScopeKey: "chat:x", Params: Params{Prompt: "early"}}); !errors.Is(err, ErrNotReady) {
		t.Errorf("submit before recover: got %v want ErrNotReady", err)
	}

	n, err := m.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered: got %d want 2", n)
	}

	for i := 0; i < 2; i++ {
		e := waitEvent(t, failed)
		p, _ := events.GetTaskFailedPayload(e)
		if p.ErrorKind != ErrKindInterrupted {
			t.Errorf("error kind: got %q", p.ErrorKind)
		}
	}

	for _, id := range []string{"task_a1", "task_a2"} {
		task, err := store.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.Status != StatusFailed {
			t.Errorf("%s status: got %s", id, task.Status)
		}
		if task.ErrorKind != ErrKindInterrupted {
			t.Errorf("%s error kind: got %q", id, task.ErrorKind)
		}
	}
}

func TestWorkspaceAllowlist(t *testing.T) {
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	bus := events.NewBus(64)
	defer bus.Close()

	matcher, err := workspaces.NewMatcher([]string{"projects/**"})
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	backend := &fakeBackend{execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
		return &Result{}, nil
	}}
	m := NewManager(ManagerConfig{Store: store, Backend: backend, Bus: bus, Tasks: testTasksConfig(), Workspaces: matcher})
	if _, err := m.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	if _, err := m.Submit(SubmitRequest{ScopeKey: "home/secret", Params: Params{Prompt: "nope"}}); !errors.Is(err, ErrScopeDenied) {
		t.Errorf("denied scope: got %v want ErrScopeDenied", err)
	}

	done, unsub := bus.SubscribeChan(16, events.EventTaskCompleted)
	defer unsub()
	if _, err := m.Submit(SubmitRequest{ScopeKey: "projects/demo", Params: Params{Prompt: "yep"}}); err != nil {
		t.Fatalf("allowed scope: %v", err)
	}
	waitEvent(t, done)
}

func TestSubmitValidation(t *testing.T) {
	backend := &fakeBackend{execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
		return &Result{}, nil
	}}
	m, _ := newTestManager(t, backend, nil)

	if _, err := m.Submit(SubmitRequest{Params: Params{Prompt: "no scope"}}); err == nil {
		t.Error("missing scope accepted")
	}
	if _, err := m.Submit(SubmitRequest{ScopeKey: "chat:1"}); err == nil {
		t.Error("missing prompt accepted")
	}
	if m.Running() != 0 {
		t.Errorf("running after rejected submits: got %d", m.Running())
	}
}

func TestLateProgressAfterStopIsDropped(t *testing.T) {
	settled := make(chan struct{})
	progressErr := make(chan error, 1)
	backend := &fakeBackend{
		execute: func(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
			// Ignore cancellation on purpose and report progress only after
			// the task has been settled.
			<-settled
			progressErr <- onProgress(Progress{Cost: 100, Output: "zombie progress"})
			return nil, ctx.Err()
		},
	}
	m, bus := newTestManager(t, backend, nil)

	cancelled, unsub := bus.SubscribeChan(16, events.EventTaskCancelled)
	defer unsub()

	id, err := m.Submit(SubmitRequest{ScopeKey: "chat:1", Params: Params{Prompt: "linger"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitEvent(t, cancelled)
	close(settled)

	select {
	case err := <-progressErr:
		if err == nil {
			t.Error("late progress was accepted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the late progress call")
	}

	task, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Errorf("status: got %s", task.Status)
	}
	if task.TotalCost != 0 {
		t.Errorf("terminal cost mutated: got %f", task.TotalCost)
	}
	if task.LastOutput != "" {
		t.Errorf("terminal last output mutated: got %q", task.LastOutput)
	}
}
