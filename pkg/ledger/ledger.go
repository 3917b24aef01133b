// Package ledger records pipeline runs and their stage summaries in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID         string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Stage is the recorded outcome of one stage within a run.
type Stage struct {
	ID         string
	RunID      string
	Name       string
	Rows       int
	Output     string
	Metrics    map[string]float64
	DurationMS int64
	RecordedAt time.Time
}

// Ledger is a SQLite-backed run store.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "ledger: create directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "ledger: exec %s", pragma)
		}
	}
	return &Ledger{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	name        TEXT NOT NULL,
	rows        INTEGER NOT NULL,
	output      TEXT NOT NULL,
	metrics     TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run_id ON stage_runs(run_id);
`

// Migrate creates the ledger tables.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "ledger: migrate")
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun inserts a running run.
func (l *Ledger) StartRun(ctx context.Context) (*Run, error) {
	run := &Run{ID: uuid.New().String(), Status: StatusRunning, StartedAt: time.Now().UTC()}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: insert run")
	}
	return run, nil
}

// RecordStage appends a stage outcome to a run.
func (l *Ledger) RecordStage(ctx context.Context, st Stage) (*Stage, error) {
	st.ID = uuid.New().String()
	st.RecordedAt = time.Now().UTC()
	if st.Metrics == nil {
		st.Metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(st.Metrics)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: marshal metrics")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO stage_runs (id, run_id, name, rows, output, metrics, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.RunID, st.Name, st.Rows, st.Output, string(metricsJSON), st.DurationMS, st.RecordedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: insert stage %s for run %s", st.Name, st.RunID)
	}
	return &st, nil
}

// FinishRun marks a run complete, or failed when runErr is non-nil.
func (l *Ledger) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := StatusComplete, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "ledger: rows affected")
	}
	if n == 0 {
		return eris.Errorf("ledger: run not found: %s", runID)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, status, error, started_at, finished_at FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Status, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "ledger: scan run")
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "ledger: list runs iterate")
}

// StagesForRun returns the stages of a run in recording order.
func (l *Ledger) StagesForRun(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, name, rows, output, metrics, duration_ms, recorded_at
		 FROM stage_runs WHERE run_id = ? ORDER BY recorded_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: stages for run %s", runID)
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		var metricsJSON string
		if err := rows.Scan(&st.ID, &st.RunID, &st.Name, &st.Rows, &st.Output, &metricsJSON, &st.DurationMS, &st.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "ledger: scan stage")
		}
		if err := json.Unmarshal([]byte(metricsJSON), &st.Metrics); err != nil {
			return nil, eris.Wrap(err, "ledger: unmarshal metrics")
		}
		stages = append(stages, st)
	}
	return stages, eris.Wrap(rows.Err(), "ledger: stages iterate")
}
