package sagaflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// reporter mirrors a run's progress into a Repository. It keeps its own copy
// of the WorkflowState so every transition is validated before it is
// written. Repository failures are logged and never affect the run.
//
// A nil reporter is valid and does nothing; it is used when the saga has no
// repository configured.
type reporter struct {
	repo  Repository
	log   *zap.Logger
	clock Clock

	mu    sync.Mutex
	state *WorkflowState
}

func newReporter(repo Repository, log *zap.Logger, clock Clock, state *WorkflowState) *reporter {
	if repo == nil {
		return nil
	}
	return &reporter{repo: repo, log: log, clock: clock, state: state}
}

func (p *reporter) start(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	st := p.state.Clone()
	p.mu.Unlock()

	if err := p.repo.CreateWorkflow(ctx, st); err != nil {
		p.log.Warn("failed to persist workflow state", zap.Error(err))
	}
}

func (p *reporter) addSteps(ctx context.Context, steps []*Step, seqs []int, snapshots []Context) {
	if p == nil {
		return
	}
	for i, step := range steps {
		ss := StepState{
			Seq:         seqs[i],
			StepName:    step.Name(),
			Status:      StepPending,
			Context:     snapshots[i].Clone(),
			MaxAttempts: step.MaxReruns() + 1,
		}
		p.mu.Lock()
		p.state.Steps = append(p.state.Steps, ss)
		p.mu.Unlock()

		if err := p.repo.AddStepState(ctx, p.state.RunID, ss.Clone()); err != nil {
			p.log.Warn("failed to persist step state", zap.String("step", step.Name()), zap.Error(err))
		}
	}
}

// transition validates and applies a status change to step seq, then
// writes the step record. A nil target keeps the current status.
func (p *reporter) transition(ctx context.Context, seq int, target *StepStatus, mutate func(*StepState)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	ss, ok := p.state.Step(seq)
	if !ok {
		p.mu.Unlock()
		p.log.Warn("no step state to update", zap.Int("seq", seq))
		return
	}
	if target != nil {
		next, err := ss.Status.Next(*target)
		if err != nil {
			p.mu.Unlock()
			p.log.Warn("rejected step state update", zap.String("step", ss.StepName), zap.Error(err))
			return
		}
		ss.Status = next
	}
	mutate(ss)
	out := ss.Clone()
	p.mu.Unlock()

	if err := p.repo.UpdateStepState(ctx, p.state.RunID, out); err != nil {
		p.log.Warn("failed to persist step state", zap.String("step", out.StepName), zap.Error(err))
	}
}

func (p *reporter) now() *time.Time {
	t := p.clock.Now()
	return &t
}

func statusPtr(s StepStatus) *StepStatus {
	return &s
}

func (p *reporter) stepAttempt(ctx context.Context, seq, attempt, maxAttempts int) {
	if p == nil {
		return
	}
	p.transition(ctx, seq, statusPtr(StepRunning), func(ss *StepState) {
		if ss.StartedAt == nil {
			ss.StartedAt = p.now()
		}
		ss.Attempt = attempt
		ss.MaxAttempts = maxAttempts
	})
}

func (p *reporter) stepAttemptFailed(ctx context.Context, seq int, err error) {
	if p == nil {
		return
	}
	p.transition(ctx, seq, nil, func(ss *StepState) {
		ss.Error = err.Error()
	})
}

func (p *reporter) stepCompleted(ctx context.Context, seq int, result Context) {
	if p == nil {
		return
	}
	p.transition(ctx, seq, statusPtr(StepCompleted), func(ss *StepState) {
		ss.Result = result.Clone()
		ss.Error = ""
		ss.CompletedAt = p.now()
	})
}

func (p *reporter) stepFailed(ctx context.Context, seq int, err error) {
	if p == nil {
		return
	}
	p.transition(ctx, seq, statusPtr(StepFailed), func(ss *StepState) {
		ss.Error = err.Error()
		ss.CompletedAt = p.now()
	})
}

func (p *reporter) stepCompensated(ctx context.Context, seq int) {
	if p == nil {
		return
	}
	p.transition(ctx, seq, statusPtr(StepCompensated), func(*StepState) {})
}

// compensationFailed leaves the step completed and records the rollback
// error against it.
func (p *reporter) compensationFailed(ctx context.Context, seq int, err error) {
	if p == nil {
		return
	}
	p.transition(ctx, seq, nil, func(ss *StepState) {
		ss.Error = "compensation: " + err.Error()
	})
}

func (p *reporter) setContext(ctx context.Context, c Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.state.CurrentContext = c.Clone()
	p.mu.Unlock()
	p.update(ctx)
}

func (p *reporter) setStatus(ctx context.Context, status WorkflowStatus, err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.state.Status = status
	if err != nil {
		p.state.Error = err.Error()
	}
	p.mu.Unlock()
	p.update(ctx)
}

func (p *reporter) finish(ctx context.Context, status WorkflowStatus, err error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.state.Status = status
	p.state.CompletedAt = p.now()
	if err != nil {
		p.state.Error = err.Error()
	}
	p.mu.Unlock()
	p.update(ctx)
}

func (p *reporter) update(ctx context.Context) {
	p.mu.Lock()
	st := p.state.Clone()
	p.mu.Unlock()

	if err := p.repo.UpdateWorkflow(ctx, st); err != nil {
		p.log.Warn("failed to persist workflow state", zap.Error(err))
	}
}
