// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides task and phase result persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; pragmas below are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			state       TEXT NOT NULL,
			error       TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (state IN ('CREATED', 'IN_PROGRESS', 'COMPLETED', 'FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

		CREATE TABLE IF NOT EXISTS phase_results (
			task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq          INTEGER NOT NULL,
			phase        TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			provider     TEXT NOT NULL,
			model        TEXT,
			text         TEXT NOT NULL,
			confidence   REAL NOT NULL,
			latency_ns   INTEGER NOT NULL,
			fallback     INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT NOT NULL,

			PRIMARY KEY (task_id, seq),
			CHECK (confidence >= 0 AND confidence <= 1)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "phase_results",
			column: "attempts",
			apply:  `ALTER TABLE phase_results ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is RFC3339 with fixed-width nanoseconds so stored values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTask inserts a new task. Phase results already on the task are not written.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, description, task_type, state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Description,
		task.TaskType,
		string(task.State),
		nullString(task.Error),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "task_id", task.ID, "task_type", task.TaskType)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var state, createdAtStr, updatedAtStr string
	var errText sql.NullString

	if err := row.Scan(
		&task.ID,
		&task.Description,
		&task.TaskType,
		&state,
		&errText,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	task.State = TaskState(state)
	task.Error = errText.String

	var err error
	if task.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask retrieves a task and its phase results by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `
		SELECT id, description, task_type, state, error, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	if task.Results, err = s.loadResults(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) loadResults(ctx context.Context, taskID string) ([]PhaseResult, error) {
	query := `
		SELECT phase, agent_id, provider, model, text, confidence, latency_ns, fallback, attempts, completed_at
		FROM phase_results
		WHERE task_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying phase results: %w", err)
	}
	defer rows.Close()

	var results []PhaseResult
	for rows.Next() {
		var r PhaseResult
		var model sql.NullString
		var latencyNS int64
		var fallback int
		var completedAtStr string

		if err := rows.Scan(
			&r.Phase,
			&r.AgentID,
			&r.Provider,
			&model,
			&r.Text,
			&r.Confidence,
			&latencyNS,
			&fallback,
			&r.Attempts,
			&completedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning phase result row: %w", err)
		}

		r.Model = model.String
		r.Latency = time.Duration(latencyNS)
		r.Fallback = fallback != 0
		if r.CompletedAt, err = parseTime("completed_at", completedAtStr); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating phase result rows: %w", err)
	}
	return results, nil
}

// UpdateTask updates a task's state, error and updated_at.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET state = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.State),
		nullString(task.Error),
		formatTime(task.UpdatedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated task", "task_id", task.ID, "state", task.State)
	return nil
}

// AppendPhaseResult adds the next phase result to a task.
// Returns ErrNotFound for an unknown task and ErrPhaseLimit when the task is full.
func (s *SQLiteStore) AppendPhaseResult(ctx context.Context, taskID string, r PhaseResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM phase_results WHERE task_id = ?)
		FROM tasks WHERE id = ?
	`, taskID, taskID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("counting phase results: %w", err)
	}
	if count >= MaxPhaseResults {
		return ErrPhaseLimit
	}

	fallback := 0
	if r.Fallback {
		fallback = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO phase_results (task_id, seq, phase, agent_id, provider, model, text, confidence, latency_ns, fallback, attempts, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		taskID,
		count,
		r.Phase,
		r.AgentID,
		r.Provider,
		nullString(r.Model),
		r.Text,
		r.Confidence,
		int64(r.Latency),
		fallback,
		r.Attempts,
		formatTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting phase result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, formatTime(r.CompletedAt), taskID); err != nil {
		return fmt.Errorf("touching task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing phase result: %w", err)
	}

	s.logger.Debug("appended phase result", "task_id", taskID, "phase", r.Phase, "provider", r.Provider)
	return nil
}

// ListTasks retrieves tasks newest first.
// If the limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `
		SELECT id, description, task_type, state, error, created_at, updated_at
		FROM tasks
	`
	var args []any
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	rows.Close()

	// Results are loaded after the cursor is closed; the pool has one connection.
	for _, task := range tasks {
		if task.Results, err = s.loadResults(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}
