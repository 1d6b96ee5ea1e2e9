package sagaflow

import (
	"context"
	"time"
)

// WorkflowStatus is the persisted status of one saga run.
type WorkflowStatus string

const (
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCompensating WorkflowStatus = "compensating"
	WorkflowCompensated  WorkflowStatus = "compensated"
)

// IsTerminal reports whether no further transitions are expected.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCompensated:
		return true
	}
	return false
}

// IsActive reports whether the run is still making progress.
func (s WorkflowStatus) IsActive() bool {
	return s == WorkflowRunning || s == WorkflowCompensating
}

// WorkflowState is the durable record of a run.
type WorkflowState struct {
	WorkflowName   string         `json:"workflow_name"`
	RunID          string         `json:"run_id"`
	Status         WorkflowStatus `json:"status"`
	InitialContext Context        `json:"initial_context"`
	CurrentContext Context        `json:"current_context"`
	Steps          []StepState    `json:"steps"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Clone returns a deep enough copy for repositories to hand out without
// sharing slices or maps with their internal records.
func (w *WorkflowState) Clone() *WorkflowState {
	if w == nil {
		return nil
	}
	out := *w
	out.InitialContext = w.InitialContext.Clone()
	out.CurrentContext = w.CurrentContext.Clone()
	out.Steps = make([]StepState, len(w.Steps))
	for i := range w.Steps {
		out.Steps[i] = w.Steps[i].Clone()
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Step returns the step state with the given sequence number.
func (w *WorkflowState) Step(seq int) (*StepState, bool) {
	for i := range w.Steps {
		if w.Steps[i].Seq == seq {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepState is the durable record of one step occurrence within a run.
//
// Step names are not unique within a saga, so a step is identified by Seq,
// its position in the flattened stage list.
type StepState struct {
	Seq         int        `json:"seq"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Context     Context    `json:"context,omitempty"`
	Result      Context    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
}

// Clone copies the step state including its maps and timestamps.
func (s StepState) Clone() StepState {
	out := s
	if s.Context != nil {
		out.Context = s.Context.Clone()
	}
	if s.Result != nil {
		out.Result = s.Result.Clone()
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Page selects a window of a history listing. A zero Limit means no limit.
type Page struct {
	Offset int
	Limit  int
}

// Window applies the page to a slice length and returns the bounds.
func (p Page) Window(n int) (start, end int) {
	start = max(p.Offset, 0)
	if start > n {
		start = n
	}
	end = n
	if p.Limit > 0 && start+p.Limit < n {
		end = start + p.Limit
	}
	return start, end
}

// Repository persists workflow and step execution state.
//
// The engine is the only producer of state transitions; a repository is a
// sink that never feeds back into a running saga. Implementations must be
// safe for concurrent use and must fail with ErrRunNotFound or
// ErrStepNotFound rather than silently ignoring unknown identifiers.
type Repository interface {
	// CreateWorkflow stores a new run. Returns ErrRunExists for a duplicate id.
	CreateWorkflow(ctx context.Context, state *WorkflowState) error

	// GetWorkflow loads a run by id.
	GetWorkflow(ctx context.Context, runID string) (*WorkflowState, error)

	// UpdateWorkflow replaces the stored run, including its step states.
	UpdateWorkflow(ctx context.Context, state *WorkflowState) error

	// DeleteWorkflow removes a run and its step states.
	DeleteWorkflow(ctx context.Context, runID string) error

	// AddStepState appends a step record to an existing run.
	AddStepState(ctx context.Context, runID string, step StepState) error

	// GetStepState loads the step record with sequence number seq.
	GetStepState(ctx context.Context, runID string, seq int) (*StepState, error)

	// UpdateStepState replaces the step record matching step.Seq.
	UpdateStepState(ctx context.Context, runID string, step StepState) error

	// ListRunning returns runs that are running or compensating.
	ListRunning(ctx context.Context) ([]*WorkflowState, error)

	// ListHistory returns the runs of one workflow, newest first.
	ListHistory(ctx context.Context, workflowName string, page Page) ([]*WorkflowState, error)

	// Cleanup deletes terminal runs that completed more than olderThan ago
	// and returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}
