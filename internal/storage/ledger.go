package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dreadnought-foundry/maestro-agents-sub000/pkg/models"
)

// RunLedger records runner invocations and step attempts in SQLite so run
// history survives independently of the kanban tree.
type RunLedger struct {
	db *sql.DB
}

// OpenRunLedger opens or creates the ledger database at path.
func OpenRunLedger(path string) (*RunLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	l := &RunLedger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating run ledger: %w", err)
	}
	return l, nil
}

// Close releases the database handle.
func (l *RunLedger) Close() error {
	return l.db.Close()
}

var ledgerMigrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		sprint_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		success INTEGER NOT NULL DEFAULT 0,
		stopped_at_review INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		steps_completed INTEGER NOT NULL DEFAULT 0,
		steps_total INTEGER NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_sprint ON runs(sprint_id);`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		sprint_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		success INTEGER NOT NULL,
		output TEXT,
		error TEXT,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);`,
}

func (l *RunLedger) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	var version int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for i, stmt := range ledgerMigrations {
		v := i + 1
		if v <= version {
			continue
		}
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := l.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("recording migration %d: %w", v, err)
		}
	}
	return nil
}

// StartRun inserts the row for a new run.
func (l *RunLedger) StartRun(ctx context.Context, runID, sprintID, mode string, startedAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, sprint_id, mode, started_at) VALUES (?, ?, ?, ?)`,
		runID, sprintID, mode, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording run %s: %w", runID, err)
	}
	return nil
}

// RecordAttempt appends one step attempt to a run.
func (l *RunLedger) RecordAttempt(ctx context.Context, a models.StepAttempt) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, sprint_id, step_id, attempt, success, output, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.SprintID, a.StepID, a.Attempt, a.Success, a.Output, a.Error, a.At.UTC())
	if err != nil {
		return fmt.Errorf("recording attempt for step %s: %w", a.StepID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (l *RunLedger) FinishRun(ctx context.Context, res *models.RunResult, finishedAt time.Time) error {
	out, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, success = ?, stopped_at_review = ?, failure_reason = ?,
		 steps_completed = ?, steps_total = ?, duration_seconds = ? WHERE run_id = ?`,
		finishedAt.UTC(), res.Success, res.StoppedAtReview, res.FailureReason,
		res.StepsCompleted, res.StepsTotal, res.DurationSeconds, res.RunID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", res.RunID, err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing run %s: %w", res.RunID, sql.ErrNoRows)
	}
	return nil
}

// ListRuns returns the most recent runs first. An empty sprintID lists all
// sprints; limit <= 0 means no limit.
func (l *RunLedger) ListRuns(ctx context.Context, sprintID string, limit int) ([]models.RunRecord, error) {
	query := `SELECT run_id, sprint_id, mode, started_at, finished_at, success, stopped_at_review,
		COALESCE(failure_reason, ''), steps_completed, steps_total, duration_seconds FROM runs`
	var args []any
	if sprintID != "" {
		query += " WHERE sprint_id = ?"
		args = append(args, sprintID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.SprintID, &r.Mode, &r.StartedAt, &finished, &r.Success,
			&r.StoppedAtReview, &r.FailureReason, &r.StepsCompleted, &r.StepsTotal, &r.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Attempts returns the attempts of one run in the order they were made.
func (l *RunLedger) Attempts(ctx context.Context, runID string) ([]models.StepAttempt, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, sprint_id, step_id, attempt, success, COALESCE(output, ''), COALESCE(error, ''), at
		 FROM attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.StepAttempt
	for rows.Next() {
		var a models.StepAttempt
		if err := rows.Scan(&a.RunID, &a.SprintID, &a.StepID, &a.Attempt, &a.Success, &a.Output, &a.Error, &a.At); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
