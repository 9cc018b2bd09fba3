package tasks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore persists tasks in a single SQLite database. The connection pool is
// pinned to one connection so writes serialize without busy errors.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	scope_key        TEXT NOT NULL,
	owner            TEXT NOT NULL DEFAULT '',
	params           TEXT NOT NULL,
	status           TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','timed_out','cancelled')),
	cost_limit       REAL NOT NULL DEFAULT 0,
	total_cost       REAL NOT NULL DEFAULT 0,
	total_turns      INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	last_activity_at TEXT NOT NULL,
	finished_at      TEXT,
	last_output      TEXT NOT NULL DEFAULT '',
	result_summary   TEXT NOT NULL DEFAULT '',
	session_id       TEXT NOT NULL DEFAULT '',
	error_kind       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope_key, created_at DESC);
`

// OpenSQLStore opens (or creates) the task database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(taskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init task schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(t *Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode task params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (
			id, scope_key, owner, params, status,
			cost_limit, total_cost, total_turns, retry_count, max_retries,
			created_at, started_at, last_activity_at, finished_at,
			last_output, result_summary, session_id, error_kind, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ScopeKey, t.Owner, string(params), string(t.Status),
		t.CostLimit, t.TotalCost, t.TotalTurns, t.RetryCount, t.MaxRetries,
		encodeTime(t.CreatedAt), encodeTimePtr(t.StartedAt), encodeTime(t.LastActivityAt), encodeTimePtr(t.FinishedAt),
		t.LastOutput, t.ResultSummary, t.SessionID, t.ErrorKind, t.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) UpdateStatus(id string, status Status, upd StatusUpdate) error {
	now := encodeTime(time.Now())
	sets := []string{"status = ?", "last_activity_at = ?"}
	args := []any{string(status), now}

	if status == StatusRunning {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if upd.ResultSummary != nil {
		sets = append(sets, "result_summary = ?")
		args = append(args, *upd.ResultSummary)
	}
	if upd.ErrorKind != nil {
		sets = append(sets, "error_kind = ?")
		args = append(args, *upd.ErrorKind)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *upd.SessionID)
	}
	if upd.TotalCost != nil {
		sets = append(sets, "total_cost = ?")
		args = append(args, *upd.TotalCost)
	}
	if upd.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *upd.RetryCount)
	}
	if upd.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, encodeTime(*upd.FinishedAt))
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpdateProgress(id string, costDelta float64, lastOutput string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET
			total_cost = total_cost + ?,
			total_turns = total_turns + 1,
			last_activity_at = ?,
			last_output = CASE WHEN ? = '' THEN last_output ELSE ? END
		WHERE id = ? AND status = ?`,
		costDelta, encodeTime(time.Now()), lastOutput, lastOutput, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("update task %s progress: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s progress: %w", id, err)
	}
	if n == 0 {
		// Progress against a settled task is a no-op, not an error.
		if _, err := s.Get(id); err != nil {
			return ErrNotFound
		}
	}
	return nil
}

func (s *SQLStore) List(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(taskSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLStore) ListRunning() ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+` WHERE status = 'running' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLStore) RunningForScope(scopeKey string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE scope_key = ? AND status = 'running' ORDER BY created_at DESC LIMIT 1`, scopeKey)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running task for scope %s: %w", scopeKey, err)
	}
	return t, nil
}

func (s *SQLStore) CountRunning() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return n, nil
}

func (s *SQLStore) LastFinishedForScope(scopeKey string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+`
		WHERE scope_key = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`, scopeKey)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last finished task for scope %s: %w", scopeKey, err)
	}
	return t, nil
}

const taskSelect = `
	SELECT id, scope_key, owner, params, status,
		cost_limit, total_cost, total_turns, retry_count, max_retries,
		created_at, started_at, last_activity_at, finished_at,
		last_output, result_summary, session_id, error_kind, error_message
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t          Task
		params     string
		status     string
		createdAt  string
		startedAt  sql.NullString
		activityAt string
		finishedAt sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.ScopeKey, &t.Owner, &params, &status,
		&t.CostLimit, &t.TotalCost, &t.TotalTurns, &t.RetryCount, &t.MaxRetries,
		&createdAt, &startedAt, &activityAt, &finishedAt,
		&t.LastOutput, &t.ResultSummary, &t.SessionID, &t.ErrorKind, &t.ErrorMessage,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode task params: %w", err)
	}
	t.Status = Status(status)

	var err error
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if t.LastActivityAt, err = decodeTime(activityAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = decodeTimePtr(finishedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode stored time %q: %w", s, err)
	}
	return t, nil
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
