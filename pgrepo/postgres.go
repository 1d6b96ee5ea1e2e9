// Package pgrepo provides a sagaflow.Repository backed by PostgreSQL.
//
// The repository uses database/sql and works with any driver that speaks
// PostgreSQL placeholders, e.g. github.com/lib/pq. Create the tables with
// Schema before use.
package pgrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fortressi/sagaflow"
)

// DefaultTable is the run table name used unless WithTable is given.
// Step states live in "<table>_steps".
const DefaultTable = "sagaflow_runs"

// Schema returns the DDL for the run and step tables.
func Schema(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    run_id          VARCHAR(64) PRIMARY KEY,
    workflow_name   VARCHAR(255) NOT NULL,
    status          VARCHAR(32) NOT NULL,
    initial_context JSONB,
    current_context JSONB,
    error           TEXT,
    started_at      TIMESTAMPTZ NOT NULL,
    completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_name_started ON %[1]s(workflow_name, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);

CREATE TABLE IF NOT EXISTS %[1]s_steps (
    run_id       VARCHAR(64) NOT NULL REFERENCES %[1]s(run_id) ON DELETE CASCADE,
    seq          INT NOT NULL,
    step_name    VARCHAR(255) NOT NULL,
    status       VARCHAR(32) NOT NULL,
    context      JSONB,
    result       JSONB,
    error        TEXT,
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    attempt      INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 1,
    PRIMARY KEY (run_id, seq)
);
`, table)
}

// Repository stores workflow runs in PostgreSQL.
type Repository struct {
	db    *sql.DB
	runs  string
	steps string
	clock sagaflow.Clock
}

// Option configures a Repository.
type Option func(*Repository)

// WithTable sets the run table name.
func WithTable(table string) Option {
	return func(r *Repository) {
		if table != "" {
			r.runs = table
			r.steps = table + "_steps"
		}
	}
}

// WithClock sets the clock Cleanup measures age against.
func WithClock(clock sagaflow.Clock) Option {
	return func(r *Repository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New creates a repository on db.
func New(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:    db,
		runs:  DefaultTable,
		steps: DefaultTable + "_steps",
		clock: sagaflow.SystemClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema creates the tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema(r.runs)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateWorkflow inserts a new run and any step states it carries.
func (r *Repository) CreateWorkflow(ctx context.Context, state *sagaflow.WorkflowState) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("create workflow: run id is required")
	}
	initial, current, err := marshalContexts(state)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (run_id, workflow_name, status, initial_context, current_context, error, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (run_id) DO NOTHING
		`, r.runs)
		res, err := tx.ExecContext(ctx, query,
			state.RunID,
			state.WorkflowName,
			string(state.Status),
			initial,
			current,
			state.Error,
			state.StartedAt,
			state.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", sagaflow.ErrRunExists, state.RunID)
		}
		for _, step := range state.Steps {
			if err := r.insertStep(ctx, tx, state.RunID, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWorkflow loads a run and its step states.
func (r *Repository) GetWorkflow(ctx context.Context, runID string) (*sagaflow.WorkflowState, error) {
	query := fmt.Sprintf(`
		SELECT run_id, workflow_name, status, initial_context, current_context, error, started_at, completed_at
		FROM %s
		WHERE run_id = $1
	`, r.runs)

	state, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if state.Steps, err = r.loadSteps(ctx, runID); err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateWorkflow replaces a stored run, including its step states.
func (r *Repository) UpdateWorkflow(ctx context.Context, state *sagaflow.WorkflowState) error {
	if state == nil {
		return fmt.Errorf("update workflow: state is nil")
	}
	initial, current, err := marshalContexts(state)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			UPDATE %s
			SET workflow_name = $1, status = $2, initial_context = $3, current_context = $4, error = $5, started_at = $6, completed_at = $7
			WHERE run_id = $8
		`, r.runs)
		res, err := tx.ExecContext(ctx, query,
			state.WorkflowName,
			string(state.Status),
			initial,
			current,
			state.Error,
			state.StartedAt,
			state.CompletedAt,
			state.RunID,
		)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, state.RunID)
		}

		del := fmt.Sprintf("DELETE FROM %s WHERE run_id = $1", r.steps)
		if _, err := tx.ExecContext(ctx, del, state.RunID); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		for _, step := range state.Steps {
			if err := r.insertStep(ctx, tx, state.RunID, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteWorkflow removes a run. Step states are removed by the foreign key
// cascade.
func (r *Repository) DeleteWorkflow(ctx context.Context, runID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE run_id = $1", r.runs)
	res, err := r.db.ExecContext(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	return nil
}

// AddStepState appends a step record to a stored run.
func (r *Repository) AddStepState(ctx context.Context, runID string, step sagaflow.StepState) error {
	ok, err := r.exists(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	return r.insertStep(ctx, r.db, runID, step)
}

func (r *Repository) insertStep(ctx context.Context, db execer, runID string, step sagaflow.StepState) error {
	stepCtx, result, err := marshalStep(step)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, seq, step_name, status, context, result, error, started_at, completed_at, attempt, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, seq) DO NOTHING
	`, r.steps)
	res, err := db.ExecContext(ctx, query,
		runID,
		step.Seq,
		step.StepName,
		step.Status.String(),
		stepCtx,
		result,
		step.Error,
		step.StartedAt,
		step.CompletedAt,
		step.Attempt,
		step.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s step %d", sagaflow.ErrStepExists, runID, step.Seq)
	}
	return nil
}

// GetStepState loads one step record.
func (r *Repository) GetStepState(ctx context.Context, runID string, seq int) (*sagaflow.StepState, error) {
	query := fmt.Sprintf(`
		SELECT seq, step_name, status, context, result, error, started_at, completed_at, attempt, max_attempts
		FROM %s
		WHERE run_id = $1 AND seq = $2
	`, r.steps)

	step, err := scanStep(r.db.QueryRowContext(ctx, query, runID, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missingStep(ctx, runID, seq)
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

// UpdateStepState replaces the step record with the same Seq.
func (r *Repository) UpdateStepState(ctx context.Context, runID string, step sagaflow.StepState) error {
	stepCtx, result, err := marshalStep(step)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET step_name = $1, status = $2, context = $3, result = $4, error = $5, started_at = $6, completed_at = $7, attempt = $8, max_attempts = $9
		WHERE run_id = $10 AND seq = $11
	`, r.steps)
	res, err := r.db.ExecContext(ctx, query,
		step.StepName,
		step.Status.String(),
		stepCtx,
		result,
		step.Error,
		step.StartedAt,
		step.CompletedAt,
		step.Attempt,
		step.MaxAttempts,
		runID,
		step.Seq,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingStep(ctx, runID, step.Seq)
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, runID string) (bool, error) {
	var ok bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE run_id = $1)", r.runs)
	if err := r.db.QueryRowContext(ctx, query, runID).Scan(&ok); err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return ok, nil
}

// missingStep distinguishes an unknown run from an unknown step.
func (r *Repository) missingStep(ctx context.Context, runID string, seq int) error {
	ok, err := r.exists(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	return fmt.Errorf("%w: run %s step %d", sagaflow.ErrStepNotFound, runID, seq)
}

// ListRunning returns runs that are running or compensating, oldest first.
func (r *Repository) ListRunning(ctx context.Context) ([]*sagaflow.WorkflowState, error) {
	query := fmt.Sprintf(`
		SELECT run_id, workflow_name, status, initial_context, current_context, error, started_at, completed_at
		FROM %s
		WHERE status IN ($1, $2)
		ORDER BY started_at ASC, run_id ASC
	`, r.runs)
	return r.list(ctx, query, string(sagaflow.WorkflowRunning), string(sagaflow.WorkflowCompensating))
}

// ListHistory returns the runs of one workflow, newest first.
func (r *Repository) ListHistory(ctx context.Context, workflowName string, page sagaflow.Page) ([]*sagaflow.WorkflowState, error) {
	query := fmt.Sprintf(`
		SELECT run_id, workflow_name, status, initial_context, current_context, error, started_at, completed_at
		FROM %s
		WHERE workflow_name = $1
		ORDER BY started_at DESC, run_id DESC
	`, r.runs)
	args := []any{workflowName}
	if page.Limit > 0 {
		query += " LIMIT $2 OFFSET $3"
		args = append(args, page.Limit, max(page.Offset, 0))
	} else {
		query += " OFFSET $2"
		args = append(args, max(page.Offset, 0))
	}
	return r.list(ctx, query, args...)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*sagaflow.WorkflowState, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var states []*sagaflow.WorkflowState
	for rows.Next() {
		state, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	for _, state := range states {
		if state.Steps, err = r.loadSteps(ctx, state.RunID); err != nil {
			return nil, err
		}
	}
	return states, nil
}

func (r *Repository) loadSteps(ctx context.Context, runID string) ([]sagaflow.StepState, error) {
	query := fmt.Sprintf(`
		SELECT seq, step_name, status, context, result, error, started_at, completed_at, attempt, max_attempts
		FROM %s
		WHERE run_id = $1
		ORDER BY seq ASC
	`, r.steps)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []sagaflow.StepState{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return steps, nil
}

// Cleanup deletes terminal runs that completed more than olderThan ago.
func (r *Repository) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4
	`, r.runs)
	res, err := r.db.ExecContext(ctx, query,
		string(sagaflow.WorkflowCompleted),
		string(sagaflow.WorkflowFailed),
		string(sagaflow.WorkflowCompensated),
		r.clock.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var _ sagaflow.Repository = (*Repository)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*sagaflow.WorkflowState, error) {
	var (
		state       sagaflow.WorkflowState
		status      string
		initial     []byte
		current     []byte
		errStr      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&state.RunID,
		&state.WorkflowName,
		&status,
		&initial,
		&current,
		&errStr,
		&state.StartedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	state.Status = sagaflow.WorkflowStatus(status)
	state.Error = errStr.String
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	if err := unmarshalContext(initial, &state.InitialContext); err != nil {
		return nil, fmt.Errorf("unmarshal initial_context: %w", err)
	}
	if err := unmarshalContext(current, &state.CurrentContext); err != nil {
		return nil, fmt.Errorf("unmarshal current_context: %w", err)
	}
	return &state, nil
}

func scanStep(row scanner) (*sagaflow.StepState, error) {
	var (
		step        sagaflow.StepState
		status      string
		stepCtx     []byte
		result      []byte
		errStr      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&step.Seq,
		&step.StepName,
		&status,
		&stepCtx,
		&result,
		&errStr,
		&startedAt,
		&completedAt,
		&step.Attempt,
		&step.MaxAttempts,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if step.Status, err = sagaflow.ParseStepStatus(status); err != nil {
		return nil, err
	}
	step.Error = errStr.String
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	if err := unmarshalContext(stepCtx, &step.Context); err != nil {
		return nil, fmt.Errorf("unmarshal step context: %w", err)
	}
	if err := unmarshalContext(result, &step.Result); err != nil {
		return nil, fmt.Errorf("unmarshal step result: %w", err)
	}
	return &step, nil
}

func marshalContexts(state *sagaflow.WorkflowState) (initial, current []byte, err error) {
	if initial, err = json.Marshal(state.InitialContext); err != nil {
		return nil, nil, fmt.Errorf("marshal initial_context: %w", err)
	}
	if current, err = json.Marshal(state.CurrentContext); err != nil {
		return nil, nil, fmt.Errorf("marshal current_context: %w", err)
	}
	return initial, current, nil
}

func marshalStep(step sagaflow.StepState) (stepCtx, result any, err error) {
	if stepCtx, err = marshalOptional(step.Context); err != nil {
		return nil, nil, fmt.Errorf("marshal step context: %w", err)
	}
	if result, err = marshalOptional(step.Result); err != nil {
		return nil, nil, fmt.Errorf("marshal step result: %w", err)
	}
	return stepCtx, result, nil
}

// marshalOptional stores a nil context as SQL NULL.
func marshalOptional(c sagaflow.Context) (any, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalContext(data []byte, dst *sagaflow.Context) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}
