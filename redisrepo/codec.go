package redisrepo

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/fortressi/sagaflow"
)

// encodeFields flattens the run-level fields of state into a hash.
// Step states are stored separately.
func encodeFields(state *sagaflow.WorkflowState) (map[string]any, error) {
	initial, err := json.Marshal(state.InitialContext)
	if err != nil {
		return nil, fmt.Errorf("marshal initial_context: %w", err)
	}
	current, err := json.Marshal(state.CurrentContext)
	if err != nil {
		return nil, fmt.Errorf("marshal current_context: %w", err)
	}
	fields := map[string]any{
		"run_id":          state.RunID,
		"workflow_name":   state.WorkflowName,
		"status":          string(state.Status),
		"initial_context": initial,
		"current_context": current,
		"error":           state.Error,
		"started_at":      state.StartedAt.UTC().Format(time.RFC3339Nano),
		"completed_at":    "",
	}
	if state.CompletedAt != nil {
		fields["completed_at"] = state.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

func decodeFields(fields map[string]string) (*sagaflow.WorkflowState, error) {
	state := &sagaflow.WorkflowState{
		RunID:        fields["run_id"],
		WorkflowName: fields["workflow_name"],
		Status:       sagaflow.WorkflowStatus(fields["status"]),
		Error:        fields["error"],
	}
	if raw := fields["initial_context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.InitialContext); err != nil {
			return nil, fmt.Errorf("unmarshal initial_context: %w", err)
		}
	}
	if raw := fields["current_context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.CurrentContext); err != nil {
			return nil, fmt.Errorf("unmarshal current_context: %w", err)
		}
	}
	if ts := fields["started_at"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		state.StartedAt = t
	}
	if ts := fields["completed_at"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		state.CompletedAt = &t
	}
	return state, nil
}

func encodeSteps(steps []sagaflow.StepState) (map[string]any, error) {
	out := make(map[string]any, len(steps))
	for _, s := range steps {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal step %d: %w", s.Seq, err)
		}
		out[strconv.Itoa(s.Seq)] = data
	}
	return out, nil
}

// decodeSteps parses the steps hash and orders the result by Seq.
func decodeSteps(raw map[string]string) ([]sagaflow.StepState, error) {
	steps := make([]sagaflow.StepState, 0, len(raw))
	for field, data := range raw {
		var s sagaflow.StepState
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, fmt.Errorf("unmarshal step %s: %w", field, err)
		}
		steps = append(steps, s)
	}
	slices.SortFunc(steps, func(a, b sagaflow.StepState) int {
		return a.Seq - b.Seq
	})
	return steps, nil
}
