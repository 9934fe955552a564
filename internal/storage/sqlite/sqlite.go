// Package sqlite persists run history for audit. Every step result,
// finding, and final report lands here; an engagement must be replayable
// after the fact from the database alone.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/probelab/pentagent/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id   TEXT PRIMARY KEY,
	goal     TEXT NOT NULL,
	outcome  TEXT NOT NULL,
	reason   TEXT,
	steps    INTEGER NOT NULL DEFAULT 0,
	started  TIMESTAMP NOT NULL,
	finished TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	exit_code     INTEGER NOT NULL,
	stdout        TEXT,
	stderr        TEXT,
	tool_calls    INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	sandbox_id    TEXT,
	error_kind    TEXT,
	error_message TEXT,
	recorded_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);

CREATE TABLE IF NOT EXISTS findings (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id             TEXT NOT NULL,
	finding_id         TEXT NOT NULL,
	category           TEXT NOT NULL,
	severity           TEXT NOT NULL,
	evidence           TEXT NOT NULL,
	source_task_id     TEXT,
	discovered_at_step INTEGER NOT NULL DEFAULT 0,
	fingerprint        TEXT NOT NULL,
	recorded_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(run_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);
`

// Store is a SQLite-backed audit store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for better concurrency between the run loop and readers.
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordStep persists one execution result.
func (s *Store) RecordStep(ctx context.Context, runID string, res *types.ExecutionResult) error {
	if res == nil {
		return fmt.Errorf("result cannot be nil")
	}

	var errKind, errMessage sql.NullString
	if res.Err != nil {
		errKind = sql.NullString{String: string(res.Err.Kind), Valid: true}
		errMessage = sql.NullString{String: res.Err.Message, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, task_id, exit_code, stdout, stderr, tool_calls, duration_ms, sandbox_id, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, res.TaskID, res.ExitCode, res.Stdout, res.Stderr,
		res.ToolCallsMade, res.Duration.Milliseconds(), res.SandboxID, errKind, errMessage)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// RecordFindings persists findings. The unique fingerprint constraint makes
// this idempotent per run, so replaying a batch cannot duplicate rows.
func (s *Store) RecordFindings(ctx context.Context, runID string, findings []*types.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range findings {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("refusing to record finding: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO findings (run_id, finding_id, category, severity, evidence, source_task_id, discovered_at_step, fingerprint)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, fingerprint) DO NOTHING
		`, runID, f.ID, f.Category, string(f.Severity), f.Evidence, f.SourceTaskID, f.DiscoveredAtStep, f.Fingerprint())
		if err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
	}

	return tx.Commit()
}

// RecordReport persists the run summary row.
func (s *Store) RecordReport(ctx context.Context, report *types.RunReport) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, goal, outcome, reason, steps, started, finished)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			outcome = excluded.outcome,
			reason = excluded.reason,
			steps = excluded.steps,
			finished = excluded.finished
	`, report.RunID, report.Goal, string(report.Outcome), report.Reason,
		report.Steps, report.Started.UTC(), report.Finished.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetReport reloads a run report from the database. Returns nil when the
// run is unknown.
func (s *Store) GetReport(ctx context.Context, runID string) (*types.RunReport, error) {
	var report types.RunReport
	var reason sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, goal, outcome, reason, steps, started, finished
		FROM runs WHERE run_id = ?
	`, runID).Scan(&report.RunID, &report.Goal, (*string)(&report.Outcome),
		&reason, &report.Steps, &report.Started, &report.Finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if reason.Valid {
		report.Reason = reason.String
	}

	report.History, err = s.stepsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	report.Findings, err = s.findingsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &report, nil
}

func (s *Store) stepsForRun(ctx context.Context, runID string) ([]*types.ExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, exit_code, stdout, stderr, tool_calls, duration_ms, sandbox_id, error_kind, error_message
		FROM steps WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var history []*types.ExecutionResult
	for rows.Next() {
		var res types.ExecutionResult
		var stdout, stderr, sandboxID, errKind, errMessage sql.NullString
		var durationMs int64

		if err := rows.Scan(&res.TaskID, &res.ExitCode, &stdout, &stderr,
			&res.ToolCallsMade, &durationMs, &sandboxID, &errKind, &errMessage); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		res.Stdout = stdout.String
		res.Stderr = stderr.String
		res.SandboxID = sandboxID.String
		res.Duration = time.Duration(durationMs) * time.Millisecond
		if errKind.Valid {
			res.Err = &types.ResultError{
				Kind:    types.ErrorKind(errKind.String),
				Message: errMessage.String,
			}
		}
		history = append(history, &res)
	}
	return history, rows.Err()
}

func (s *Store) findingsForRun(ctx context.Context, runID string) ([]*types.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT finding_id, category, severity, evidence, source_task_id, discovered_at_step
		FROM findings WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []*types.Finding
	for rows.Next() {
		var f types.Finding
		var sourceTaskID sql.NullString

		if err := rows.Scan(&f.ID, &f.Category, (*string)(&f.Severity),
			&f.Evidence, &sourceTaskID, &f.DiscoveredAtStep); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		f.SourceTaskID = sourceTaskID.String
		findings = append(findings, &f)
	}
	return findings, rows.Err()
}

// RunSummary is one row of ListRuns output.
type RunSummary struct {
	RunID    string
	Goal     string
	Outcome  types.RunOutcome
	Steps    int
	Findings int
	Finished time.Time
}

// ListRuns returns recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.goal, r.outcome, r.steps,
		       (SELECT COUNT(*) FROM findings f WHERE f.run_id = r.run_id),
		       r.finished
		FROM runs r
		ORDER BY r.finished DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.RunID, &rs.Goal, (*string)(&rs.Outcome),
			&rs.Steps, &rs.Findings, &rs.Finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, &rs)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
