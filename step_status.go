package sagaflow

import (
	"encoding/json"
	"fmt"
)

// StepStatus is the persisted status of a step occurrence.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepCompensated
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	case StepCompensated:
		return "compensated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStepStatus is the inverse of StepStatus.String.
func ParseStepStatus(str string) (StepStatus, error) {
	switch str {
	case "pending":
		return StepPending, nil
	case "running":
		return StepRunning, nil
	case "completed":
		return StepCompleted, nil
	case "failed":
		return StepFailed, nil
	case "compensated":
		return StepCompensated, nil
	}
	return StepPending, fmt.Errorf("invalid step status: %q", str)
}

// Next validates moving from s to the target status.
//
// The lifecycle is pending -> running -> completed | failed, with
// running -> running for a retried attempt and completed -> compensated
// when the step is rolled back.
func (s StepStatus) Next(target StepStatus) (StepStatus, error) {
	switch s {
	case StepPending:
		if target == StepRunning {
			return target, nil
		}
	case StepRunning:
		switch target {
		case StepRunning, StepCompleted, StepFailed:
			return target, nil
		}
	case StepCompleted:
		if target == StepCompensated {
			return target, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, target)
}

// MarshalJSON implements the json.Marshaler interface for StepStatus.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStepStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
