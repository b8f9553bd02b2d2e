package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task has no persisted run.
var ErrNotFound = errors.New("task run not found")

var schema = map[string][]string{
	"postgres": {
		`CREATE TABLE IF NOT EXISTS task_runs (
			task_id      TEXT PRIMARY KEY,
			query        TEXT NOT NULL,
			user_id      TEXT,
			status       TEXT NOT NULL,
			completeness TEXT,
			phase        TEXT NOT NULL,
			cycles       INTEGER NOT NULL DEFAULT 0,
			passes       INTEGER NOT NULL DEFAULT 0,
			error        TEXT,
			report       JSONB,
			diagnostics  JSONB,
			submitted_at TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			task_id    TEXT NOT NULL,
			seq        BIGINT NOT NULL,
			phase      TEXT NOT NULL,
			prev       TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			cycle      INTEGER NOT NULL DEFAULT 0,
			pass       INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (task_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_user ON task_runs (user_id, submitted_at DESC)`,
	},
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS task_runs (
			task_id      TEXT PRIMARY KEY,
			query        TEXT NOT NULL,
			user_id      TEXT,
			status       TEXT NOT NULL,
			completeness TEXT,
			phase        TEXT NOT NULL,
			cycles       INTEGER NOT NULL DEFAULT 0,
			passes       INTEGER NOT NULL DEFAULT 0,
			error        TEXT,
			report       TEXT,
			diagnostics  TEXT,
			submitted_at TIMESTAMP NOT NULL,
			finished_at  TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			task_id    TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			phase      TEXT NOT NULL,
			prev       TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			cycle      INTEGER NOT NULL DEFAULT 0,
			pass       INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (task_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_user ON task_runs (user_id, submitted_at DESC)`,
	},
}

// Migrate creates the tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	stmts, ok := schema[c.db.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for driver %q", c.db.DriverName())
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveTaskRun inserts or replaces the run of run.TaskID.
func (c *Client) SaveTaskRun(ctx context.Context, run *TaskRun) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO task_runs (
			task_id, query, user_id, status, completeness, phase, cycles, passes,
			error, report, diagnostics, submitted_at, finished_at
		) VALUES (
			:task_id, :query, :user_id, :status, :completeness, :phase, :cycles, :passes,
			:error, :report, :diagnostics, :submitted_at, :finished_at
		)
		ON CONFLICT (task_id) DO UPDATE SET
			status = excluded.status,
			completeness = excluded.completeness,
			phase = excluded.phase,
			cycles = excluded.cycles,
			passes = excluded.passes,
			error = excluded.error,
			report = excluded.report,
			diagnostics = excluded.diagnostics,
			finished_at = excluded.finished_at`, run)
	if err != nil {
		return fmt.Errorf("save task run %s: %w", run.TaskID, err)
	}
	return nil
}

// SaveTaskEvent appends one transition; replays of the same seq are ignored.
func (c *Client) SaveTaskEvent(ctx context.Context, ev *TaskEvent) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO task_events (task_id, seq, phase, prev, outcome, reason, cycle, pass, created_at)
		VALUES (:task_id, :seq, :phase, :prev, :outcome, :reason, :cycle, :pass, :created_at)
		ON CONFLICT (task_id, seq) DO NOTHING`, ev)
	if err != nil {
		return fmt.Errorf("save task event %s/%d: %w", ev.TaskID, ev.Seq, err)
	}
	return nil
}

// GetTaskRun loads a persisted run.
func (c *Client) GetTaskRun(ctx context.Context, taskID string) (*TaskRun, error) {
	var run TaskRun
	err := c.db.GetContext(ctx, &run, c.db.Rebind(`
		SELECT task_id, query, user_id, status, completeness, phase, cycles, passes,
		       error, report, diagnostics, submitted_at, finished_at
		FROM task_runs WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTaskEvents returns the persisted transitions of a task in order.
func (c *Client) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	var events []TaskEvent
	err := c.db.SelectContext(ctx, &events, c.db.Rebind(`
		SELECT task_id, seq, phase, prev, outcome, reason, cycle, pass, created_at
		FROM task_events WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, err
	}
	return events, nil
}
