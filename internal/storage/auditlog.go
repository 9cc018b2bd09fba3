// Package storage persists event audit trails and owner spend totals.
package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dohr-michael/drudge/internal/events"
)

// AuditLogger persists bus events to JSONL files organized by task. Progress
// heartbeats are skipped; they are advisory and would dominate the files.
type AuditLogger struct {
	dir         string
	unsubscribe func()
}

// NewAuditLogger creates an AuditLogger that subscribes to the bus and
// appends every lifecycle event under dir, one file per task.
func NewAuditLogger(dir string, bus *events.Bus) *AuditLogger {
	al := &AuditLogger{dir: dir}
	al.unsubscribe = bus.Subscribe(al.handleEvent)
	return al
}

// Close unsubscribes the logger from the event bus.
func (al *AuditLogger) Close() {
	if al.unsubscribe != nil {
		al.unsubscribe()
	}
}

func (al *AuditLogger) handleEvent(e events.Event) {
	if e.Type == events.EventTaskProgress {
		return
	}
	_ = al.writeEvent(e)
}

func (al *AuditLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := al.logPath(e.TaskID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (al *AuditLogger) logPath(taskID string) string {
	if taskID == "" {
		return filepath.Join(al.dir, "_global.jsonl")
	}
	return filepath.Join(al.dir, taskID+".jsonl")
}

// ReadTaskLog loads the audit trail for one task, oldest first. Corrupted
// lines are skipped.
func (al *AuditLogger) ReadTaskLog(taskID string) ([]events.Event, error) {
	f, err := os.Open(al.logPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
