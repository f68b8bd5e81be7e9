// Package sqlitestore is a durable store.Store backed by SQLite. Runs, job
// executions, artifact blobs and deployment records survive restarts, which
// is what lets `pipegrid status` inspect a run after the process that ran it
// has exited.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/store"
	"github.com/vk/pipegrid/internal/trigger"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  pipeline TEXT NOT NULL,
  trigger_json TEXT NOT NULL,
  status TEXT NOT NULL,
  job_order TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS job_executions (
  run_id INTEGER NOT NULL REFERENCES runs(id),
  job TEXT NOT NULL,
  state TEXT NOT NULL,
  started_at INTEGER NOT NULL DEFAULT 0,
  finished_at INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  exit_json TEXT NOT NULL DEFAULT '{}',
  outputs_json TEXT NOT NULL DEFAULT '{}',
  steps_json TEXT NOT NULL DEFAULT '[]',
  PRIMARY KEY (run_id, job)
);
CREATE TABLE IF NOT EXISTS artifacts (
  run_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  producer TEXT NOT NULL,
  blob BLOB NOT NULL,
  digest TEXT NOT NULL,
  size INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (run_id, name)
);
CREATE TABLE IF NOT EXISTS deployments (
  environment TEXT PRIMARY KEY,
  run_id INTEGER NOT NULL,
  job TEXT NOT NULL,
  outputs_json TEXT NOT NULL,
  url TEXT NOT NULL,
  at INTEGER NOT NULL
);
`

// SQLite implements store.Store.
type SQLite struct {
	db *sql.DB
}

var _ store.Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// private throwaway database.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which keeps job transitions
	// atomic and keeps ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CreateRun inserts the run and one Pending row per job in a transaction.
func (s *SQLite) CreateRun(ctx context.Context, pipeline string, event trigger.Event, jobs []string) (*execution.Run, error) {
	triggerJSON, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	orderJSON, err := json.Marshal(jobs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (pipeline, trigger_json, status, job_order, created_at) VALUES (?, ?, ?, ?, ?)`,
		pipeline, string(triggerJSON), string(execution.StatusPending), string(orderJSON), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_executions (run_id, job, state) VALUES (?, ?, ?)`,
			id, job, string(execution.StatePending),
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return store.NewRun(id, pipeline, event, jobs, now), nil
}

// GetRun loads the run with all of its job executions.
func (s *SQLite) GetRun(ctx context.Context, id int64) (*execution.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, trigger_json, status, job_order, created_at, finished_at FROM runs WHERE id = ?`, id,
	)
	var (
		run                   execution.Run
		triggerJSON, orderStr string
		status                string
		createdMs, finishedMs int64
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &triggerJSON, &status, &orderStr, &createdMs, &finishedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(triggerJSON), &run.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger of run %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(orderStr), &run.Order); err != nil {
		return nil, fmt.Errorf("decoding job order of run %d: %w", id, err)
	}
	run.Status = execution.Status(status)
	run.CreatedAt = fromMillis(createdMs)
	run.FinishedAt = fromMillis(finishedMs)

	rows, err := s.db.QueryContext(ctx, selectJob+` WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	run.Jobs = make(map[string]*execution.JobExecution)
	for rows.Next() {
		je, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		run.Jobs[je.Job] = je
	}
	return &run, rows.Err()
}

// SetRunStatus updates the run status.
func (s *SQLite) SetRunStatus(ctx context.Context, id int64, status execution.Status) error {
	var finished int64
	if status.Terminal() {
		finished = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = CASE WHEN ? > 0 THEN ? ELSE finished_at END WHERE id = ?`,
		string(status), finished, finished, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectJob = `SELECT run_id, job, state, started_at, finished_at, attempts, exit_json, outputs_json, steps_json FROM job_executions`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*execution.JobExecution, error) {
	var (
		je                             execution.JobExecution
		state                          string
		startedMs, finishedMs          int64
		exitJSON, outputsJSON, stepsJS string
	)
	if err := row.Scan(&je.RunID, &je.Job, &state, &startedMs, &finishedMs, &je.Attempts, &exitJSON, &outputsJSON, &stepsJS); err != nil {
		return nil, err
	}
	je.State = execution.State(state)
	je.StartedAt = fromMillis(startedMs)
	je.FinishedAt = fromMillis(finishedMs)
	if err := json.Unmarshal([]byte(exitJSON), &je.Exit); err != nil {
		return nil, fmt.Errorf("decoding exit detail of %s: %w", je.Job, err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &je.Outputs); err != nil {
		return nil, fmt.Errorf("decoding outputs of %s: %w", je.Job, err)
	}
	if err := json.Unmarshal([]byte(stepsJS), &je.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps of %s: %w", je.Job, err)
	}
	if len(je.Outputs) == 0 {
		je.Outputs = nil
	}
	if len(je.Steps) == 0 {
		je.Steps = nil
	}
	return &je, nil
}

// GetJob loads a single job execution.
func (s *SQLite) GetJob(ctx context.Context, runID int64, job string) (*execution.JobExecution, error) {
	je, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE run_id = ? AND job = ?`, runID, job))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return je, err
}

// TransitionJob reads, checks and writes the job row in one transaction.
func (s *SQLite) TransitionJob(ctx context.Context, runID int64, job string, to execution.State, update func(*execution.JobExecution)) (*execution.JobExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	je, err := scanJob(tx.QueryRowContext(ctx, selectJob+` WHERE run_id = ? AND job = ?`, runID, job))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := store.ApplyTransition(je, to, update); err != nil {
		return nil, err
	}

	exitJSON, err := json.Marshal(je.Exit)
	if err != nil {
		return nil, err
	}
	outputs := je.Outputs
	if outputs == nil {
		outputs = map[string]string{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	steps := je.Steps
	if steps == nil {
		steps = []execution.StepRecord{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE job_executions
         SET state = ?, started_at = ?, finished_at = ?, attempts = ?, exit_json = ?, outputs_json = ?, steps_json = ?
         WHERE run_id = ? AND job = ?`,
		string(je.State), toMillis(je.StartedAt), toMillis(je.FinishedAt), je.Attempts,
		string(exitJSON), string(outputsJSON), string(stepsJSON), runID, job,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return je, nil
}

// PutArtifact inserts or replaces an artifact.
func (s *SQLite) PutArtifact(ctx context.Context, a *store.Artifact) error {
	blob := a.Blob
	if blob == nil {
		blob = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, name, producer, blob, digest, size, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(run_id, name) DO UPDATE SET
           producer = excluded.producer, blob = excluded.blob, digest = excluded.digest,
           size = excluded.size, created_at = excluded.created_at`,
		a.RunID, a.Name, a.Producer, blob, a.Digest, a.Size, toMillis(a.CreatedAt),
	)
	return err
}

// GetArtifact returns the artifact with its blob.
func (s *SQLite) GetArtifact(ctx context.Context, runID int64, name string) (*store.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, producer, blob, digest, size, created_at FROM artifacts WHERE run_id = ? AND name = ?`,
		runID, name,
	)
	var (
		a         store.Artifact
		createdMs int64
	)
	if err := row.Scan(&a.RunID, &a.Name, &a.Producer, &a.Blob, &a.Digest, &a.Size, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = fromMillis(createdMs)
	return &a, nil
}

// ListArtifacts returns artifact metadata for a run.
func (s *SQLite) ListArtifacts(ctx context.Context, runID int64) ([]*store.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, producer, digest, size, created_at FROM artifacts WHERE run_id = ? ORDER BY name`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Artifact
	for rows.Next() {
		var (
			a         store.Artifact
			createdMs int64
		)
		if err := rows.Scan(&a.RunID, &a.Name, &a.Producer, &a.Digest, &a.Size, &createdMs); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(createdMs)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetDeployment returns the last deployment of an environment.
func (s *SQLite) GetDeployment(ctx context.Context, environment string) (*store.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, job, outputs_json, url, at FROM deployments WHERE environment = ?`, environment,
	)
	var (
		d           store.Deployment
		outputsJSON string
		atMs        int64
	)
	if err := row.Scan(&d.RunID, &d.Job, &outputsJSON, &d.URL, &atMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(outputsJSON), &d.Outputs); err != nil {
		return nil, fmt.Errorf("decoding deployment outputs of %s: %w", environment, err)
	}
	if len(d.Outputs) == 0 {
		d.Outputs = nil
	}
	d.At = fromMillis(atMs)
	return &d, nil
}

// PutDeployment replaces the last deployment of an environment in a single
// statement.
func (s *SQLite) PutDeployment(ctx context.Context, environment string, d *store.Deployment) error {
	outputs := d.Outputs
	if outputs == nil {
		outputs = map[string]string{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (environment, run_id, job, outputs_json, url, at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(environment) DO UPDATE SET
           run_id = excluded.run_id, job = excluded.job, outputs_json = excluded.outputs_json,
           url = excluded.url, at = excluded.at`,
		environment, d.RunID, d.Job, string(outputsJSON), d.URL, toMillis(d.At),
	)
	return err
}
