package sagaflow

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// ActionFunc is the forward action of a step. The returned map is merged
// into the saga context once the step's stage has completed; returning nil
// contributes nothing.
type ActionFunc func(ctx context.Context, sc Context) (Context, error)

// CompensateFunc undoes the effect of an action. It receives the exact
// snapshot the action was given.
type CompensateFunc func(ctx context.Context, sc Context) error

// Step is a named unit of work with a compensating action.
//
// Steps are created once and shared by every clone of the saga they are
// added to, so Skip and MaxReruns are stored atomically: configuring a step
// on one clone is visible to all of them.
type Step struct {
	name       string
	action     ActionFunc
	compensate CompensateFunc

	skip      atomic.Bool
	maxReruns atomic.Int32
}

// NewStep constructs a step from a pair of functions. A nil compensate
// function is replaced with NoOpCompensate.
func NewStep(name string, action ActionFunc, compensate CompensateFunc) (*Step, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidStep)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: step %q has no action", ErrInvalidStep, name)
	}
	if compensate == nil {
		compensate = NoOpCompensate
	}
	return &Step{
		name:       name,
		action:     action,
		compensate: compensate,
	}, nil
}

// MustStep is like NewStep but panics on invalid input.
func MustStep(name string, action ActionFunc, compensate CompensateFunc) *Step {
	s, err := NewStep(name, action, compensate)
	if err != nil {
		panic(err)
	}
	return s
}

// NoOpCompensate is used for steps without side effects worth undoing.
func NoOpCompensate(_ context.Context, _ Context) error {
	return nil
}

// Name returns the step name.
func (s *Step) Name() string {
	return s.name
}

// Skipped reports whether the step is currently configured to be skipped.
func (s *Step) Skipped() bool {
	return s.skip.Load()
}

// SetSkip toggles the skip flag.
func (s *Step) SetSkip(skip bool) {
	s.skip.Store(skip)
}

// MaxReruns is the number of extra attempts allowed after a failure.
func (s *Step) MaxReruns() int {
	return int(s.maxReruns.Load())
}

// SetMaxReruns sets the number of extra attempts. Negative values are
// treated as zero and values above math.MaxInt32 are clamped to it.
func (s *Step) SetMaxReruns(n int) {
	n = min(max(n, 0), math.MaxInt32)
	s.maxReruns.Store(int32(n))
}

// String implements the fmt.Stringer interface for Step.
func (s *Step) String() string {
	return fmt.Sprintf("Step[%s]", s.name)
}
