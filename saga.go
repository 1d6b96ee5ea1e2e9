package sagaflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/fortressi/sagaflow/dag"
	"github.com/fortressi/sagaflow/set"
	"go.uber.org/zap"
)

// GlobalCompensateFunc runs once after all per-step compensations of a
// failed run, with the context as it stood when the failing stage began.
type GlobalCompensateFunc func(ctx context.Context, sc Context) error

// Stage is one unit of saga progress: a single step, or a set of steps
// that run concurrently.
type Stage struct {
	steps    []*Step
	parallel bool
}

// Steps returns the steps of the stage in declaration order.
func (st Stage) Steps() []*Step {
	return append([]*Step(nil), st.steps...)
}

// Parallel reports whether the stage was added as a concurrent set.
func (st Stage) Parallel() bool {
	return st.parallel
}

// active returns the steps that are not configured to be skipped.
func (st Stage) active() []*Step {
	out := make([]*Step, 0, len(st.steps))
	for _, s := range st.steps {
		if !s.Skipped() {
			out = append(out, s)
		}
	}
	return out
}

// Saga is an ordered list of stages plus the collaborators a run reports to.
//
// A Saga is a template: Execute never stores execution state on it, so the
// same value may be executed concurrently. Configuration methods are safe to
// call at any time but only affect runs started afterwards.
type Saga struct {
	mu sync.RWMutex

	name             string
	stages           []Stage
	globalCompensate GlobalCompensateFunc

	repo    Repository
	logger  *zap.Logger
	metrics *MetricsRecorder
	clock   Clock
	newID   IDGenerator

	lastRunID string
}

// Option configures a Saga.
type Option func(*Saga)

// WithName sets the workflow name used in logs, metrics and persisted state.
func WithName(name string) Option {
	return func(s *Saga) {
		s.name = name
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Saga) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRepository makes every run persist its workflow and step states.
func WithRepository(repo Repository) Option {
	return func(s *Saga) {
		s.repo = repo
	}
}

// WithMetrics enables OpenTelemetry metrics for runs of this saga.
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(s *Saga) {
		s.metrics = recorder
	}
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(clock Clock) Option {
	return func(s *Saga) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator replaces the run identifier source.
func WithIDGenerator(gen IDGenerator) Option {
	return func(s *Saga) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New creates an empty saga.
func New(opts ...Option) *Saga {
	s := &Saga{
		logger: zap.NewNop(),
		clock:  SystemClock,
		newID:  NewRunID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddStep appends a single-step stage.
func (s *Saga) AddStep(step *Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrInvalidStep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, Stage{steps: []*Step{step}})
	return nil
}

// AddParallel appends a stage whose steps run concurrently.
func (s *Saga) AddParallel(steps ...*Step) error {
	stage, err := newParallelStage(steps)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
	return nil
}

// InsertStepAt inserts a single-step stage before position index.
// An index equal to the number of stages appends.
func (s *Saga) InsertStepAt(index int, step *Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrInvalidStep)
	}
	return s.insertStage(index, Stage{steps: []*Step{step}})
}

// InsertParallelAt inserts a concurrent stage before position index.
func (s *Saga) InsertParallelAt(index int, steps ...*Step) error {
	stage, err := newParallelStage(steps)
	if err != nil {
		return err
	}
	return s.insertStage(index, stage)
}

func newParallelStage(steps []*Step) (Stage, error) {
	if len(steps) == 0 {
		return Stage{}, ErrEmptyStage
	}
	for _, step := range steps {
		if step == nil {
			return Stage{}, fmt.Errorf("%w: nil step", ErrInvalidStep)
		}
	}
	return Stage{steps: append([]*Step(nil), steps...), parallel: true}, nil
}

func (s *Saga) insertStage(index int, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index > len(s.stages) {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrIndexOutOfRange, index, len(s.stages))
	}
	stages := make([]Stage, 0, len(s.stages)+1)
	stages = append(stages, s.stages[:index]...)
	stages = append(stages, stage)
	stages = append(stages, s.stages[index:]...)
	s.stages = stages
	return nil
}

// RemoveStep removes every occurrence of the named step, including inside
// concurrent stages. A concurrent stage left empty is dropped. It returns
// the number of occurrences removed.
func (s *Saga) RemoveStep(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	stages := make([]Stage, 0, len(s.stages))
	for _, stage := range s.stages {
		// Clones share stage slices, so build new ones instead of filtering in place.
		kept := make([]*Step, 0, len(stage.steps))
		for _, step := range stage.steps {
			if step.Name() == name {
				removed++
				continue
			}
			kept = append(kept, step)
		}
		if len(kept) == 0 {
			continue
		}
		stages = append(stages, Stage{steps: kept, parallel: stage.parallel})
	}
	s.stages = stages
	return removed
}

// SkipStep marks every step with the given name to be skipped and returns
// how many steps matched.
func (s *Saga) SkipStep(name string) int {
	return s.eachStep(name, func(step *Step) { step.SetSkip(true) })
}

// UnskipStep clears the skip flag on every step with the given name.
func (s *Saga) UnskipStep(name string) int {
	return s.eachStep(name, func(step *Step) { step.SetSkip(false) })
}

// SetStepReruns sets the extra-attempt budget on every step with the given name.
func (s *Saga) SetStepReruns(name string, n int) int {
	return s.eachStep(name, func(step *Step) { step.SetMaxReruns(n) })
}

// GetStepReruns returns the rerun budget of the first step with the given name.
func (s *Saga) GetStepReruns(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stage := range s.stages {
		for _, step := range stage.steps {
			if step.Name() == name {
				return step.MaxReruns(), true
			}
		}
	}
	return 0, false
}

func (s *Saga) eachStep(name string, fn func(*Step)) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := 0
	for _, stage := range s.stages {
		for _, step := range stage.steps {
			if step.Name() == name {
				fn(step)
				matched++
			}
		}
	}
	return matched
}

// AddGlobalCompensate registers the hook that runs after per-step
// compensation, replacing any previous hook.
func (s *Saga) AddGlobalCompensate(fn GlobalCompensateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCompensate = fn
}

// SetWorkflowName sets the workflow name.
func (s *Saga) SetWorkflowName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// WorkflowName returns the workflow name.
func (s *Saga) WorkflowName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetRepository sets or clears the repository runs report to.
func (s *Saga) SetRepository(repo Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo = repo
}

// Repository returns the configured repository, if any.
func (s *Saga) Repository() Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

// Stages returns a copy of the stage list.
func (s *Saga) Stages() []Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Stage(nil), s.stages...)
}

// StepNames returns the distinct step names in declaration order.
func (s *Saga) StepNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := &set.Set[string]{}
	var names []string
	for _, stage := range s.stages {
		for _, step := range stage.steps {
			if seen.Insert(step.Name()) {
				names = append(names, step.Name())
			}
		}
	}
	return names
}

// Clone returns a saga sharing this one's steps, hook and collaborators but
// with its own stage list and no run history.
func (s *Saga) Clone() *Saga {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Saga{
		name:             s.name,
		stages:           append([]Stage(nil), s.stages...),
		globalCompensate: s.globalCompensate,
		repo:             s.repo,
		logger:           s.logger,
		metrics:          s.metrics,
		clock:            s.clock,
		newID:            s.newID,
	}
}

// Reset forgets the identifier of the last run while keeping configuration.
func (s *Saga) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunID = ""
}

// RunID returns the identifier of the most recent run started on this saga,
// or an empty string if none has started since creation or Reset.
func (s *Saga) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRunID
}

// Plan renders the currently active stages as a dependency graph.
// Skipped steps and stages left empty by skipping are omitted.
func (s *Saga) Plan() *dag.Graph {
	g := dag.New()
	var prev []*dag.Node
	for i, stage := range s.Stages() {
		active := stage.active()
		if len(active) == 0 {
			continue
		}
		cur := make([]*dag.Node, 0, len(active))
		for _, step := range active {
			n := g.AddStep(step.Name(), "stage "+strconv.Itoa(i)+": "+step.Name())
			for _, p := range prev {
				g.Connect(p, n)
			}
			cur = append(cur, n)
		}
		prev = cur
	}
	return g
}

// snapshot captures what one run needs under a single read lock.
func (s *Saga) snapshot() runConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runConfig{
		name:             s.name,
		stages:           append([]Stage(nil), s.stages...),
		globalCompensate: s.globalCompensate,
		repo:             s.repo,
		logger:           s.logger,
		metrics:          s.metrics,
		clock:            s.clock,
		newID:            s.newID,
	}
}

func (s *Saga) setLastRunID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRunID = id
}
