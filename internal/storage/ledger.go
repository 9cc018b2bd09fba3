package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dohr-michael/drudge/internal/events"
)

// OwnerSpend is the accumulated spend of one task owner.
type OwnerSpend struct {
	Owner     string    `json:"owner"`
	TotalCost float64   `json:"total_cost"`
	Tasks     int       `json:"tasks"`
	LastAt    time.Time `json:"last_at"`
}

// OwnerResolver maps a task id to its owner. Terminal event payloads carry
// only the task id.
type OwnerResolver func(taskID string) (string, bool)

// Ledger subscribes to terminal task events and accumulates spend per owner.
// Totals survive restarts via a JSON file written on every credit.
type Ledger struct {
	mu          sync.Mutex
	path        string
	resolve     OwnerResolver
	totals      map[string]*OwnerSpend
	unsubscribe func()
}

// NewLedger loads existing totals from path and subscribes to terminal
// events on the bus.
func NewLedger(path string, bus *events.Bus, resolve OwnerResolver) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		resolve: resolve,
		totals:  map[string]*OwnerSpend{},
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	l.unsubscribe = bus.Subscribe(l.handleEvent,
		events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskCancelled)
	return l, nil
}

// Close unsubscribes the ledger from the event bus.
func (l *Ledger) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

func (l *Ledger) handleEvent(e events.Event) {
	var cost float64
	switch e.Type {
	case events.EventTaskCompleted:
		if p, ok := events.GetTaskCompletedPayload(e); ok {
			cost = p.Cost
		}
	case events.EventTaskFailed:
		if p, ok := events.GetTaskFailedPayload(e); ok {
			cost = p.Cost
		}
	case events.EventTaskCancelled:
		if p, ok := events.GetTaskCancelledPayload(e); ok {
			cost = p.Cost
		}
	}

	owner, ok := l.resolve(e.TaskID)
	if !ok {
		slog.Debug("spend ledger: owner unknown", "task_id", e.TaskID)
		return
	}
	l.Credit(owner, cost, e.Timestamp)
}

// Credit adds one finished task's cost to an owner's totals and persists.
func (l *Ledger) Credit(owner string, cost float64, at time.Time) {
	if owner == "" {
		owner = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.totals[owner]
	if !ok {
		s = &OwnerSpend{Owner: owner}
		l.totals[owner] = s
	}
	s.TotalCost += cost
	s.Tasks++
	if at.After(s.LastAt) {
		s.LastAt = at
	}

	if err := l.persist(); err != nil {
		slog.Error("spend ledger: persist", "error", err)
	}
}

// For returns one owner's spend.
func (l *Ledger) For(owner string) (OwnerSpend, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.totals[owner]
	if !ok {
		return OwnerSpend{}, false
	}
	return *s, true
}

// Totals returns a snapshot of all owners' spend.
func (l *Ledger) Totals() []OwnerSpend {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OwnerSpend, 0, len(l.totals))
	for _, s := range l.totals {
		out = append(out, *s)
	}
	return out
}

// ReadLedger reads persisted totals without subscribing to a bus. Used by
// the CLI to report spend while the server owns the live ledger.
func ReadLedger(path string) ([]OwnerSpend, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spend ledger: %w", err)
	}
	var list []OwnerSpend
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode spend ledger: %w", err)
	}
	return list, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read spend ledger: %w", err)
	}
	var list []*OwnerSpend
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode spend ledger: %w", err)
	}
	for _, s := range list {
		l.totals[s.Owner] = s
	}
	return nil
}

// persist writes the ledger atomically via temp file + rename. Caller holds
// the lock.
func (l *Ledger) persist() error {
	list := make([]*OwnerSpend, 0, len(l.totals))
	for _, s := range l.totals {
		list = append(list, s)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
