// Package taskqueue implements the Task Queue (spec §4.12): a
// persistent, single-table, FIFO queue backed by SQLite, drained by one
// background worker so goals never run concurrently against the same
// workspace.
//
// Grounded on rcliao-agent-memory's internal/store/sqlite.go
// (modernc.org/sqlite opened with _pragma=journal_mode(wal), oklog/ulid
// for time-sortable IDs) and nstogner-operative's pkg/store/sqlite
// (single struct wrapping *sql.DB, migrate-on-open), adapted from their
// domain-object stores to this spec's one-table task record.
package taskqueue

import (
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is one row of the task table (spec §4.12: "id, goal, status,
// timestamps, log path, result").
type Task struct {
	ID         string
	Goal       string
	Status     Status
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	LogPath    string
	Result     string
}

type store struct {
	db      *sql.DB
	mu      sync.Mutex
	entropy *rand.Rand
}

func openStore(dbPath string) (*store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open db: %w", err)
	}
	s := &store{db: db, entropy: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		goal        TEXT NOT NULL,
		status      TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		started_at  DATETIME,
		finished_at DATETIME,
		log_path    TEXT NOT NULL DEFAULT '',
		result      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// insertPending inserts a new pending task and returns its id.
func (s *store) insertPending(goal, logPath string) (string, error) {
	id := s.newID()
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, goal, status, created_at, log_path) VALUES (?, ?, ?, ?, ?)`,
		id, goal, StatusQueued, time.Now(), logPath,
	)
	if err != nil {
		return "", fmt.Errorf("taskqueue: insert task: %w", err)
	}
	return id, nil
}

// claimNextPending atomically marks the oldest pending task running and
// returns it, or (Task{}, false, nil) if the queue is empty.
func (s *store) claimNextPending() (Task, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Task{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, goal, status, created_at, started_at, finished_at, log_path, result
		FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1`, StatusQueued)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}

	now := time.Now()
	if _, err := tx.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`, StatusRunning, now, t.ID); err != nil {
		return Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, err
	}
	t.Status = StatusRunning
	t.StartedAt = &now
	return t, true, nil
}

// setLogPath records the per-task log file path assigned once the
// task's id is known (spec §6: logs named by epoch and id).
func (s *store) setLogPath(id, logPath string) error {
	_, err := s.db.Exec(`UPDATE tasks SET log_path = ? WHERE id = ?`, logPath, id)
	return err
}

func (s *store) finish(id string, status Status, result string) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ?, finished_at = ?, result = ? WHERE id = ?`, status, time.Now(), result, id)
	return err
}

// recoverCrashed scrubs any task left "running" from a previous process
// to "failed" (spec §4.12: "on start, any running tasks are scrubbed to
// failed").
func (s *store) recoverCrashed() (int, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, finished_at = ?, result = ? WHERE status = ?`,
		StatusFailed, time.Now(), "crashed: process restarted while task was running", StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *store) get(id string) (Task, error) {
	row := s.db.QueryRow(`SELECT id, goal, status, created_at, started_at, finished_at, log_path, result FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *store) list() ([]Task, error) {
	rows, err := s.db.Query(`SELECT id, goal, status, created_at, started_at, finished_at, log_path, result FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var started, finished sql.NullTime
	if err := r.Scan(&t.ID, &t.Goal, &t.Status, &t.CreatedAt, &started, &finished, &t.LogPath, &t.Result); err != nil {
		return Task{}, err
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return t, nil
}

func (s *store) close() error { return s.db.Close() }
