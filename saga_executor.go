package sagaflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExecutionRecord is one trace entry: a stage that completed successfully,
// with the snapshot each of its steps was given. Only stages in the trace
// are ever compensated.
type ExecutionRecord struct {
	StageIndex int
	Parallel   bool
	Steps      []*Step
	Snapshots  []Context
	StartTime  time.Time
	EndTime    time.Time

	seqs []int
}

// StepNames returns the names of the steps recorded for the stage.
func (r ExecutionRecord) StepNames() []string {
	names := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		names[i] = s.Name()
	}
	return names
}

// Outcome is the explicit result of one run.
//
// Err is the original triggering error, never a wrapped compensation error.
// CompensationErrors lists every rollback that failed, so a caller can tell
// a clean rollback from a partial one.
type Outcome struct {
	WorkflowName       string
	RunID              string
	Status             WorkflowStatus
	Context            Context
	Trace              []ExecutionRecord
	Err                error
	CompensationErrors []error
	StartedAt          time.Time
	CompletedAt        time.Time
}

// Succeeded reports whether every stage completed.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil
}

// ExecutionOrder returns the step names of the trace in completion order
// (stage order, declaration order within a stage).
func (o *Outcome) ExecutionOrder() []string {
	var order []string
	for _, rec := range o.Trace {
		order = append(order, rec.StepNames()...)
	}
	return order
}

type runConfig struct {
	name             string
	stages           []Stage
	globalCompensate GlobalCompensateFunc

	repo    Repository
	logger  *zap.Logger
	metrics *MetricsRecorder
	clock   Clock
	newID   IDGenerator
}

// Execute runs the saga against a copy of initial. It returns the final
// context, or the original step error once compensation has been attempted.
// On failure the returned context holds what had accumulated before the
// failing stage.
func (s *Saga) Execute(ctx context.Context, initial Context) (Context, error) {
	out := s.Run(ctx, initial)
	return out.Context, out.Err
}

// Run is Execute with the full outcome, including the trace and any
// compensation failures.
func (s *Saga) Run(ctx context.Context, initial Context) *Outcome {
	cfg := s.snapshot()
	r := newRun(cfg, cfg.newID(), initial)
	s.setLastRunID(r.id)
	r.execute(ctx)
	return r.outcome()
}

// run holds the execution state of one Execute call.
type run struct {
	cfg   runConfig
	id    string
	log   *zap.Logger
	state *reporter

	context   Context
	trace     []ExecutionRecord
	status    WorkflowStatus
	err       error
	startedAt time.Time
	endedAt   time.Time

	compMu   sync.Mutex
	compErrs []error
}

func newRun(cfg runConfig, id string, initial Context) *run {
	startedAt := cfg.clock.Now()
	r := &run{
		cfg:       cfg,
		id:        id,
		log:       cfg.logger.With(zap.String("workflow", cfg.name), zap.String("run_id", id)),
		context:   initial.Clone(),
		status:    WorkflowRunning,
		startedAt: startedAt,
	}
	r.state = newReporter(cfg.repo, r.log, cfg.clock, &WorkflowState{
		WorkflowName:   cfg.name,
		RunID:          id,
		Status:         WorkflowRunning,
		InitialContext: initial.Clone(),
		CurrentContext: r.context.Clone(),
		StartedAt:      startedAt,
	})
	return r
}

func (r *run) execute(ctx context.Context) {
	r.cfg.metrics.RecordRunStart(ctx, r.cfg.name)
	r.state.start(ctx)
	r.log.Info("saga started", zap.Int("stages", len(r.cfg.stages)))

	seqBase := 0
	for i, stage := range r.cfg.stages {
		rec, err := r.executeStage(ctx, i, stage, seqBase)
		seqBase += len(stage.steps)
		if err != nil {
			r.fail(ctx, err)
			return
		}
		if rec != nil {
			r.trace = append(r.trace, *rec)
			r.state.setContext(ctx, r.context)
		}
	}

	r.status = WorkflowCompleted
	r.endedAt = r.cfg.clock.Now()
	r.state.finish(ctx, WorkflowCompleted, nil)
	r.cfg.metrics.RecordRunEnd(ctx, r.cfg.name, WorkflowCompleted, r.endedAt.Sub(r.startedAt))
	r.log.Info("saga completed", zap.Int("stages_completed", len(r.trace)))
}

// executeStage runs the active steps of one stage and waits for all of them
// to settle. It returns a nil record when every step is skipped.
func (r *run) executeStage(ctx context.Context, index int, stage Stage, seqBase int) (*ExecutionRecord, error) {
	var (
		steps []*Step
		seqs  []int
	)
	for pos, step := range stage.steps {
		if step.Skipped() {
			r.log.Debug("skipping step", zap.String("step", step.Name()))
			continue
		}
		steps = append(steps, step)
		seqs = append(seqs, seqBase+pos)
	}
	if len(steps) == 0 {
		return nil, nil
	}

	base := r.context.Clone()
	snapshots := make([]Context, len(steps))
	for i := range steps {
		snapshots[i] = base.Clone()
	}
	r.state.addSteps(ctx, steps, seqs, snapshots)

	rec := &ExecutionRecord{
		StageIndex: index,
		Parallel:   stage.parallel,
		Steps:      steps,
		Snapshots:  snapshots,
		StartTime:  r.cfg.clock.Now(),
		seqs:       seqs,
	}

	results := make([]Context, len(steps))
	errs := make([]error, len(steps))
	if len(steps) == 1 {
		results[0], errs[0] = r.executeStepWithRetry(ctx, steps[0], seqs[0], snapshots[0])
	} else {
		var wg sync.WaitGroup
		for i := range steps {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = r.executeStepWithRetry(ctx, steps[i], seqs[i], snapshots[i])
			}(i)
		}
		wg.Wait()
	}

	// The earliest declared failure decides the stage; siblings that
	// succeeded are discarded with it and never reach the trace.
	for i, err := range errs {
		if err != nil {
			r.log.Error("stage failed",
				zap.Int("stage", index),
				zap.String("step", steps[i].Name()),
				zap.Error(err))
			return nil, err
		}
	}

	r.context.Merge(results...)
	rec.EndTime = r.cfg.clock.Now()
	return rec, nil
}

// executeStepWithRetry attempts the action up to MaxReruns+1 times with no
// delay between attempts and returns the last error once the budget is spent.
func (r *run) executeStepWithRetry(ctx context.Context, step *Step, seq int, sc Context) (Context, error) {
	maxAttempts := max(step.MaxReruns()+1, 1)
	log := r.log.With(zap.String("step", step.Name()))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.state.stepAttempt(ctx, seq, attempt, maxAttempts)

		start := r.cfg.clock.Now()
		partial, err := callAction(ctx, step, sc)
		elapsed := r.cfg.clock.Now().Sub(start)

		if err == nil {
			r.cfg.metrics.RecordStepExecution(ctx, r.cfg.name, step.Name(), "success", elapsed)
			r.state.stepCompleted(ctx, seq, partial)
			log.Debug("step completed", zap.Int("attempt", attempt))
			return partial, nil
		}

		r.cfg.metrics.RecordStepExecution(ctx, r.cfg.name, step.Name(), "failure", elapsed)
		lastErr = err
		if attempt < maxAttempts {
			r.state.stepAttemptFailed(ctx, seq, err)
			log.Warn("step failed, will retry",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
		}
	}

	r.state.stepFailed(ctx, seq, lastErr)
	log.Error("step failed", zap.Int("max_attempts", maxAttempts), zap.Error(lastErr))
	return nil, lastErr
}

func callAction(ctx context.Context, step *Step, sc Context) (partial Context, err error) {
	defer func() {
		if v := recover(); v != nil {
			partial, err = nil, &PanicError{Value: v}
		}
	}()
	return step.action(ctx, sc)
}

func callCompensate(ctx context.Context, fn func(context.Context, Context) error, sc Context) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return fn(ctx, sc)
}

func (r *run) fail(ctx context.Context, err error) {
	r.err = err
	r.state.setStatus(ctx, WorkflowFailed, err)
	r.state.setStatus(ctx, WorkflowCompensating, nil)

	r.compensate(ctx)

	r.status = WorkflowCompensated
	if len(r.compErrs) > 0 {
		r.status = WorkflowFailed
	}
	r.endedAt = r.cfg.clock.Now()
	r.state.finish(ctx, r.status, err)
	r.cfg.metrics.RecordRunEnd(ctx, r.cfg.name, r.status, r.endedAt.Sub(r.startedAt))
}

// compensate rolls back the trace in reverse stage order. Steps of a
// concurrent stage are compensated concurrently. Failures are recorded and
// logged but never stop the remaining rollbacks or the global hook.
func (r *run) compensate(ctx context.Context) {
	r.log.Info("starting compensation", zap.Int("stages_to_compensate", len(r.trace)))
	defer r.runGlobalCompensate(ctx)

	for i := len(r.trace) - 1; i >= 0; i-- {
		rec := r.trace[i]
		if len(rec.Steps) == 1 {
			r.compensateStep(ctx, rec.Steps[0], rec.seqs[0], rec.Snapshots[0])
			continue
		}
		var wg sync.WaitGroup
		for j := range rec.Steps {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				r.compensateStep(ctx, rec.Steps[j], rec.seqs[j], rec.Snapshots[j])
			}(j)
		}
		wg.Wait()
	}
}

func (r *run) compensateStep(ctx context.Context, step *Step, seq int, sc Context) {
	start := r.cfg.clock.Now()
	err := callCompensate(ctx, step.compensate, sc)
	elapsed := r.cfg.clock.Now().Sub(start)

	if err != nil {
		r.cfg.metrics.RecordCompensation(ctx, r.cfg.name, step.Name(), "failure", elapsed)
		r.log.Error("compensation failed", zap.String("step", step.Name()), zap.Error(err))
		r.state.compensationFailed(ctx, seq, err)
		r.addCompensationError(&CompensationError{Step: step.Name(), Err: err})
		return
	}
	r.cfg.metrics.RecordCompensation(ctx, r.cfg.name, step.Name(), "success", elapsed)
	r.state.stepCompensated(ctx, seq)
	r.log.Debug("step compensated", zap.String("step", step.Name()))
}

func (r *run) runGlobalCompensate(ctx context.Context) {
	if r.cfg.globalCompensate == nil {
		return
	}
	if err := callCompensate(ctx, r.cfg.globalCompensate, r.context.Clone()); err != nil {
		r.log.Error("global compensation failed", zap.Error(err))
		r.addCompensationError(&CompensationError{Err: err})
	}
}

func (r *run) addCompensationError(err error) {
	r.compMu.Lock()
	defer r.compMu.Unlock()
	r.compErrs = append(r.compErrs, err)
}

func (r *run) outcome() *Outcome {
	return &Outcome{
		WorkflowName:       r.cfg.name,
		RunID:              r.id,
		Status:             r.status,
		Context:            r.context,
		Trace:              r.trace,
		Err:                r.err,
		CompensationErrors: r.compErrs,
		StartedAt:          r.startedAt,
		CompletedAt:        r.endedAt,
	}
}

func (o *Outcome) String() string {
	return fmt.Sprintf("run %s of %q: %s (%d stages traced)", o.RunID, o.WorkflowName, o.Status, len(o.Trace))
}
