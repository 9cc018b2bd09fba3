// Package heartbeat provides per-task liveness and progress monitoring.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/drudge/internal/events"
)

// Probe is a point-in-time view of a running task, supplied by the owner of
// the task record. Terminal probes stop the monitor immediately.
type Probe struct {
	Terminal       bool
	StartedAt      time.Time
	LastActivityAt time.Time
	Cost           float64
	CostLimit      float64
	LastOutput     string
}

// Config holds the knobs and callbacks for one Monitor.
type Config struct {
	TaskID      string
	Interval    time.Duration // time between heartbeats
	IdleTimeout time.Duration // max time without observed output change
	MaxDuration time.Duration // max total wall-clock time
	Stages      *Classifier   // optional; nil disables stage detection

	// Probe returns the current task state. A false second return stops the
	// monitor (task unknown or deleted).
	Probe func() (Probe, bool)

	Bus *events.Bus

	// OnTimeout is invoked at most once, after the single TaskTimeout event,
	// to ask the task manager to cancel the task.
	OnTimeout func(idle, elapsed time.Duration)
	// OnBudget is invoked at most once when accumulated cost passes the limit.
	OnBudget func(cost, limit float64)
}

// Monitor observes one running task. It is started and stopped only by the
// task manager and publishes advisory progress plus at most one timeout.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	fired  bool // timeout or budget already raised
}

// NewMonitor creates a monitor for a single task.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Monitor{cfg: cfg}
}

// Start begins the heartbeat loop in a background goroutine.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return // already running
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit, guaranteeing no further
// events are published for this task.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one observation. It returns false when the monitor should
// stop (task terminal, unknown, or a violation was raised).
func (m *Monitor) tick(ctx context.Context) bool {
	probe, ok := m.cfg.Probe()
	if !ok || probe.Terminal {
		return false
	}

	// Monitor was stopped while probing; do not publish after the task
	// manager reported the task terminal.
	if ctx.Err() != nil {
		return false
	}

	now := time.Now()
	elapsed := now.Sub(probe.StartedAt)
	idle := now.Sub(probe.LastActivityAt)

	// Budget enforcement at heartbeat granularity. Progress callbacks catch
	// this sooner when the backend reports incrementally.
	if probe.CostLimit > 0 && probe.Cost > probe.CostLimit {
		m.raiseBudget(probe.Cost, probe.CostLimit)
		return false
	}

	if idle > m.cfg.IdleTimeout || (m.cfg.MaxDuration > 0 && elapsed > m.cfg.MaxDuration) {
		m.raiseTimeout(idle, elapsed, probe.Cost)
		return false
	}

	payload := events.TaskProgressPayload{
		TaskID:         m.cfg.TaskID,
		ElapsedSeconds: int(elapsed.Seconds()),
		Cost:           probe.Cost,
	}
	if m.cfg.Stages != nil {
		payload.Stage = m.cfg.Stages.Classify(probe.LastOutput)
	}
	m.cfg.Bus.Publish(events.NewTaskEvent(events.SourceHeartbeat, payload, m.cfg.TaskID))
	return true
}

func (m *Monitor) raiseTimeout(idle, elapsed time.Duration, cost float64) {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	m.mu.Unlock()

	slog.Warn("task heartbeat timeout",
		"task_id", m.cfg.TaskID,
		"idle_seconds", int(idle.Seconds()),
		"elapsed_seconds", int(elapsed.Seconds()))

	m.cfg.Bus.Publish(events.NewTaskEvent(events.SourceHeartbeat, events.TaskTimeoutPayload{
		TaskID:         m.cfg.TaskID,
		ElapsedSeconds: int(elapsed.Seconds()),
		IdleSeconds:    int(idle.Seconds()),
		Cost:           cost,
	}, m.cfg.TaskID))

	// Invoked on a fresh goroutine: the handler may call Stop, which waits
	// for this loop to exit.
	if m.cfg.OnTimeout != nil {
		go m.cfg.OnTimeout(idle, elapsed)
	}
}

func (m *Monitor) raiseBudget(cost, limit float64) {
	m.mu.Lock()
	if m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	m.mu.Unlock()

	slog.Warn("task exceeded cost limit", "task_id", m.cfg.TaskID, "cost", cost, "limit", limit)

	if m.cfg.OnBudget != nil {
		go m.cfg.OnBudget(cost, limit)
	}
}
