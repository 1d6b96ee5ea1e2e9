package sagaflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// DefaultHistoryLimit is the number of results retained per workflow.
const DefaultHistoryLimit = 10

// Registry is a named catalog of saga templates.
//
// Every run executes a fresh clone of the stored template, so concurrent
// runs of the same workflow share no execution state. Each workflow keeps a
// bounded history of its most recent results.
type Registry struct {
	workflows    *xsync.MapOf[string, *workflowEntry]
	historyLimit int
	repo         Repository
	logger       *zap.Logger
	clock        Clock
}

type workflowEntry struct {
	mu        sync.Mutex
	template  *Saga
	createdAt time.Time
	updatedAt time.Time
	history   []ExecutionResult
}

// ExecutionResult summarizes one registry run.
type ExecutionResult struct {
	WorkflowName string
	RunID        string
	Success      bool
	Status       WorkflowStatus
	FinalContext Context
	// Err is the original step error of a failed run.
	Err error
	// CompensationErrors lists rollbacks that failed during this run.
	CompensationErrors []error
	ExecutedAt         time.Time
	Duration           time.Duration
}

// WorkflowDefinition describes a registered workflow. LastExecutedAt is nil
// until the first run has been recorded; History holds the retained results,
// oldest first.
type WorkflowDefinition struct {
	Name           string
	Saga           *Saga
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastExecutedAt *time.Time
	History        []ExecutionResult
}

// WorkflowStats is derived from the retained history only, so once results
// have been evicted the totals cover the most recent window, not all time.
type WorkflowStats struct {
	TotalExecutions      int
	SuccessfulExecutions int
	FailedExecutions     int
	LastExecutedAt       *time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHistoryLimit sets how many results are retained per workflow.
// Values below one are ignored.
func WithHistoryLimit(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithRegistryRepository wires a repository into every registered template.
func WithRegistryRepository(repo Repository) RegistryOption {
	return func(r *Registry) {
		r.repo = repo
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryClock sets the clock used for registration and execution times.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		workflows:    xsync.NewMapOf[string, *workflowEntry](),
		historyLimit: DefaultHistoryLimit,
		logger:       zap.NewNop(),
		clock:        SystemClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HistoryLimit returns the per-workflow history capacity.
func (r *Registry) HistoryLimit() int {
	return r.historyLimit
}

// template clones saga and tags the copy with the workflow name and the
// registry's repository.
func (r *Registry) template(name string, saga *Saga) *Saga {
	tmpl := saga.Clone()
	tmpl.SetWorkflowName(name)
	if r.repo != nil {
		tmpl.SetRepository(r.repo)
	}
	return tmpl
}

// RegisterWorkflow stores a clone of saga under name. Later changes to the
// stages of the passed saga do not affect the stored template.
func (r *Registry) RegisterWorkflow(name string, saga *Saga) error {
	if saga == nil {
		return fmt.Errorf("register workflow %q: saga is nil", name)
	}
	now := r.clock.Now()
	entry := &workflowEntry{
		template:  r.template(name, saga),
		createdAt: now,
		updatedAt: now,
	}
	if _, loaded := r.workflows.LoadOrStore(name, entry); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, name)
	}

	saga.SetWorkflowName(name)
	if r.repo != nil {
		saga.SetRepository(r.repo)
	}
	r.logger.Info("workflow registered", zap.String("workflow", name))
	return nil
}

// UpdateWorkflow replaces the stored template with a clone of saga.
// History is kept.
func (r *Registry) UpdateWorkflow(name string, saga *Saga) error {
	if saga == nil {
		return fmt.Errorf("update workflow %q: saga is nil", name)
	}
	entry, ok := r.workflows.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	tmpl := r.template(name, saga)

	entry.mu.Lock()
	entry.template = tmpl
	entry.updatedAt = r.clock.Now()
	entry.mu.Unlock()

	r.logger.Info("workflow updated", zap.String("workflow", name))
	return nil
}

// RunWorkflow executes a fresh clone of the named template.
//
// The result is recorded in history before RunWorkflow returns. A failed
// run returns both the result and the original step error.
func (r *Registry) RunWorkflow(ctx context.Context, name string, initial Context) (*ExecutionResult, error) {
	entry, ok := r.workflows.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	entry.mu.Lock()
	run := entry.template.Clone()
	entry.mu.Unlock()

	executedAt := r.clock.Now()
	out := run.Run(ctx, initial)

	result := ExecutionResult{
		WorkflowName:       name,
		RunID:              out.RunID,
		Success:            out.Succeeded(),
		Status:             out.Status,
		FinalContext:       out.Context,
		Err:                out.Err,
		CompensationErrors: out.CompensationErrors,
		ExecutedAt:         executedAt,
		Duration:           r.clock.Now().Sub(executedAt),
	}
	entry.record(result, r.historyLimit)

	log := r.logger.With(zap.String("workflow", name), zap.String("run_id", out.RunID))
	if out.Err != nil {
		log.Warn("workflow run failed",
			zap.String("status", string(out.Status)),
			zap.Int("compensation_errors", len(out.CompensationErrors)),
			zap.Error(out.Err))
		return &result, out.Err
	}
	log.Info("workflow run completed")
	return &result, nil
}

// record appends result and trims the oldest entries beyond limit.
func (e *workflowEntry) record(result ExecutionResult, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, result)
	if over := len(e.history) - limit; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
}

// GetWorkflow returns the definition registered under name. The returned
// saga is a clone of the stored template.
func (r *Registry) GetWorkflow(name string) (*WorkflowDefinition, error) {
	entry, ok := r.workflows.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	def := &WorkflowDefinition{
		Name:      name,
		Saga:      entry.template.Clone(),
		CreatedAt: entry.createdAt,
		UpdatedAt: entry.updatedAt,
		History:   slices.Clone(entry.history),
	}
	if n := len(entry.history); n > 0 {
		t := entry.history[n-1].ExecutedAt
		def.LastExecutedAt = &t
	}
	return def, nil
}

// ListWorkflows returns the registered names in sorted order.
func (r *Registry) ListWorkflows() []string {
	names := make([]string, 0, r.workflows.Size())
	r.workflows.Range(func(name string, _ *workflowEntry) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// RemoveWorkflow unregisters name and drops its history. Runs already in
// progress finish normally. It reports whether the name was registered.
func (r *Registry) RemoveWorkflow(name string) bool {
	_, ok := r.workflows.LoadAndDelete(name)
	if ok {
		r.logger.Info("workflow removed", zap.String("workflow", name))
	}
	return ok
}

// GetWorkflowHistory returns the retained results for name, oldest first.
func (r *Registry) GetWorkflowHistory(name string) ([]ExecutionResult, error) {
	entry, ok := r.workflows.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return slices.Clone(entry.history), nil
}

// GetWorkflowStats summarizes the retained history for name.
func (r *Registry) GetWorkflowStats(name string) (WorkflowStats, error) {
	history, err := r.GetWorkflowHistory(name)
	if err != nil {
		return WorkflowStats{}, err
	}
	var stats WorkflowStats
	for i := range history {
		stats.TotalExecutions++
		if history[i].Success {
			stats.SuccessfulExecutions++
		} else {
			stats.FailedExecutions++
		}
		if stats.LastExecutedAt == nil || history[i].ExecutedAt.After(*stats.LastExecutedAt) {
			t := history[i].ExecutedAt
			stats.LastExecutedAt = &t
		}
	}
	return stats, nil
}

// Clear removes every workflow and its history.
func (r *Registry) Clear() {
	r.workflows.Clear()
}
