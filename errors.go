package sagaflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStep is returned when a step is constructed without a name or action.
	ErrInvalidStep = errors.New("invalid step")
	// ErrEmptyStage is returned when a parallel stage is added without steps.
	ErrEmptyStage = errors.New("empty stage")
	// ErrIndexOutOfRange is returned by InsertStepAt for an invalid position.
	ErrIndexOutOfRange = errors.New("stage index out of range")

	// ErrDuplicateWorkflow is returned when registering a name twice.
	ErrDuplicateWorkflow = errors.New("workflow already registered")
	// ErrWorkflowNotFound is returned for operations on an unregistered name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound is returned by repositories for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidRunID is returned when a run id cannot be used as a storage key.
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrRunExists is returned when creating a run that is already stored.
	ErrRunExists = errors.New("run already exists")
	// ErrStepNotFound is returned by repositories for an unknown step.
	ErrStepNotFound = errors.New("step state not found")
	// ErrStepExists is returned when adding a step state twice.
	ErrStepExists = errors.New("step state already exists")
	// ErrIllegalTransition is returned for a step status change that the
	// step lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal step status transition")
)

// CompensationError records a rollback that failed. Compensation failures
// never abort a run's rollback; they are collected on the Outcome instead.
type CompensationError struct {
	// Step is the step name, or empty for the global compensate hook.
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("global compensate failed: %v", e.Err)
	}
	return fmt.Sprintf("compensate %s failed: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking action or compensation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func runNotFound(runID string) error {
	return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

func stepNotFound(runID string, seq int) error {
	return fmt.Errorf("%w: run %s step %d", ErrStepNotFound, runID, seq)
}
