package sagaflow

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// MemoryRepository is an in-process Repository for tests and for services
// that do not need state to survive a restart.
//
// Runs are stored copy-on-write: every write swaps in a fresh
// *WorkflowState, and reads hand out clones.
type MemoryRepository struct {
	runs  *xsync.MapOf[string, *WorkflowState]
	index *btree.BTreeG[runKey]
	clock Clock
}

// runKey orders runs by start time, then id.
type runKey struct {
	startedAt time.Time
	runID     string
}

func runKeyLess(a, b runKey) bool {
	if !a.startedAt.Equal(b.startedAt) {
		return a.startedAt.Before(b.startedAt)
	}
	return a.runID < b.runID
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithMemoryClock sets the clock Cleanup measures age against.
func WithMemoryClock(clock Clock) MemoryOption {
	return func(m *MemoryRepository) {
		m.clock = clock
	}
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	m := &MemoryRepository{
		runs:  xsync.NewMapOf[string, *WorkflowState](),
		index: btree.NewBTreeG(runKeyLess),
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateWorkflow stores a new run.
func (m *MemoryRepository) CreateWorkflow(_ context.Context, state *WorkflowState) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("create workflow: run id is required")
	}
	if _, loaded := m.runs.LoadOrStore(state.RunID, state.Clone()); loaded {
		return fmt.Errorf("%w: %s", ErrRunExists, state.RunID)
	}
	m.index.Set(runKey{startedAt: state.StartedAt, runID: state.RunID})
	return nil
}

// GetWorkflow returns a copy of the stored run.
func (m *MemoryRepository) GetWorkflow(_ context.Context, runID string) (*WorkflowState, error) {
	st, ok := m.runs.Load(runID)
	if !ok {
		return nil, runNotFound(runID)
	}
	return st.Clone(), nil
}

// UpdateWorkflow replaces the stored run.
func (m *MemoryRepository) UpdateWorkflow(_ context.Context, state *WorkflowState) error {
	if state == nil {
		return fmt.Errorf("update workflow: state is nil")
	}
	next := state.Clone()
	var prev *WorkflowState
	_, ok := m.runs.Compute(state.RunID, func(old *WorkflowState, loaded bool) (*WorkflowState, bool) {
		if !loaded {
			return nil, true
		}
		prev = old
		return next, false
	})
	if !ok {
		return runNotFound(state.RunID)
	}
	if !prev.StartedAt.Equal(next.StartedAt) {
		m.index.Delete(runKey{startedAt: prev.StartedAt, runID: prev.RunID})
		m.index.Set(runKey{startedAt: next.StartedAt, runID: next.RunID})
	}
	return nil
}

// DeleteWorkflow removes a run and its step states.
func (m *MemoryRepository) DeleteWorkflow(_ context.Context, runID string) error {
	st, ok := m.runs.LoadAndDelete(runID)
	if !ok {
		return runNotFound(runID)
	}
	m.index.Delete(runKey{startedAt: st.StartedAt, runID: runID})
	return nil
}

// AddStepState appends a step record to a stored run.
func (m *MemoryRepository) AddStepState(_ context.Context, runID string, step StepState) error {
	return m.mutate(runID, func(st *WorkflowState) error {
		if _, exists := st.Step(step.Seq); exists {
			return fmt.Errorf("%w: run %s step %d", ErrStepExists, runID, step.Seq)
		}
		st.Steps = append(st.Steps, step.Clone())
		return nil
	})
}

// GetStepState returns a copy of one step record.
func (m *MemoryRepository) GetStepState(_ context.Context, runID string, seq int) (*StepState, error) {
	st, ok := m.runs.Load(runID)
	if !ok {
		return nil, runNotFound(runID)
	}
	ss, ok := st.Step(seq)
	if !ok {
		return nil, stepNotFound(runID, seq)
	}
	out := ss.Clone()
	return &out, nil
}

// UpdateStepState replaces the step record with the same Seq.
func (m *MemoryRepository) UpdateStepState(_ context.Context, runID string, step StepState) error {
	return m.mutate(runID, func(st *WorkflowState) error {
		ss, ok := st.Step(step.Seq)
		if !ok {
			return stepNotFound(runID, step.Seq)
		}
		*ss = step.Clone()
		return nil
	})
}

// mutate applies fn to a private copy of the run and stores it if fn
// succeeds.
func (m *MemoryRepository) mutate(runID string, fn func(*WorkflowState) error) error {
	var fnErr error
	_, ok := m.runs.Compute(runID, func(old *WorkflowState, loaded bool) (*WorkflowState, bool) {
		if !loaded {
			return nil, true
		}
		next := old.Clone()
		if fnErr = fn(next); fnErr != nil {
			return old, false
		}
		return next, false
	})
	if !ok {
		return runNotFound(runID)
	}
	return fnErr
}

// ListRunning returns runs that are running or compensating, oldest first.
func (m *MemoryRepository) ListRunning(_ context.Context) ([]*WorkflowState, error) {
	var out []*WorkflowState
	m.index.Scan(func(k runKey) bool {
		if st, ok := m.runs.Load(k.runID); ok && st.Status.IsActive() {
			out = append(out, st.Clone())
		}
		return true
	})
	return out, nil
}

// ListHistory returns the runs of one workflow, newest first.
func (m *MemoryRepository) ListHistory(_ context.Context, workflowName string, page Page) ([]*WorkflowState, error) {
	var all []*WorkflowState
	m.index.Reverse(func(k runKey) bool {
		if st, ok := m.runs.Load(k.runID); ok && st.WorkflowName == workflowName {
			all = append(all, st)
		}
		return true
	})
	start, end := page.Window(len(all))
	out := make([]*WorkflowState, 0, end-start)
	for _, st := range all[start:end] {
		out = append(out, st.Clone())
	}
	return out, nil
}

// Cleanup deletes terminal runs that completed more than olderThan ago.
func (m *MemoryRepository) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-olderThan)
	var stale []*WorkflowState
	m.runs.Range(func(_ string, st *WorkflowState) bool {
		if isExpired(st, cutoff) {
			stale = append(stale, st)
		}
		return true
	})

	removed := 0
	for _, st := range stale {
		deleted := false
		// Runs rewritten since the scan are left alone.
		m.runs.Compute(st.RunID, func(cur *WorkflowState, loaded bool) (*WorkflowState, bool) {
			if !loaded {
				return nil, true
			}
			deleted = cur == st
			return cur, deleted
		})
		if deleted {
			m.index.Delete(runKey{startedAt: st.StartedAt, runID: st.RunID})
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored runs.
func (m *MemoryRepository) Len() int {
	return m.runs.Size()
}

func isExpired(st *WorkflowState, cutoff time.Time) bool {
	return st.Status.IsTerminal() && st.CompletedAt != nil && st.CompletedAt.Before(cutoff)
}
