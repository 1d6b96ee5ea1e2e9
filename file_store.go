package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRepository persists each run as a JSON document in a directory.
// It suits single-process deployments that want state to survive restarts
// without an external database.
type FileRepository struct {
	basePath string
	clock    Clock
	mu       sync.Mutex // Protects file operations
}

// NewFileRepository creates a repository rooted at basePath, creating the
// directory if needed.
func NewFileRepository(basePath string) (*FileRepository, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileRepository{basePath: basePath, clock: SystemClock}, nil
}

// SetClock replaces the clock Cleanup measures age against.
func (f *FileRepository) SetClock(clock Clock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
}

// CreateWorkflow writes a new run file.
func (f *FileRepository) CreateWorkflow(_ context.Context, state *WorkflowState) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("create workflow: run id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.filename(state.RunID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrRunExists, state.RunID)
	}
	return f.write(state)
}

// GetWorkflow reads a run file.
func (f *FileRepository) GetWorkflow(_ context.Context, runID string) (*WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(runID)
}

// UpdateWorkflow overwrites an existing run file.
func (f *FileRepository) UpdateWorkflow(_ context.Context, state *WorkflowState) error {
	if state == nil {
		return fmt.Errorf("update workflow: state is nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.read(state.RunID); err != nil {
		return err
	}
	return f.write(state)
}

// DeleteWorkflow removes a run file.
func (f *FileRepository) DeleteWorkflow(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.filename(runID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return runNotFound(runID)
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// AddStepState appends a step record to a stored run.
func (f *FileRepository) AddStepState(_ context.Context, runID string, step StepState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.read(runID)
	if err != nil {
		return err
	}
	if _, exists := st.Step(step.Seq); exists {
		return fmt.Errorf("%w: run %s step %d", ErrStepExists, runID, step.Seq)
	}
	st.Steps = append(st.Steps, step)
	return f.write(st)
}

// GetStepState reads one step record.
func (f *FileRepository) GetStepState(_ context.Context, runID string, seq int) (*StepState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.read(runID)
	if err != nil {
		return nil, err
	}
	ss, ok := st.Step(seq)
	if !ok {
		return nil, stepNotFound(runID, seq)
	}
	return ss, nil
}

// UpdateStepState replaces the step record with the same Seq.
func (f *FileRepository) UpdateStepState(_ context.Context, runID string, step StepState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.read(runID)
	if err != nil {
		return err
	}
	ss, ok := st.Step(step.Seq)
	if !ok {
		return stepNotFound(runID, step.Seq)
	}
	*ss = step
	return f.write(st)
}

// ListRunning returns runs that are running or compensating, oldest first.
func (f *FileRepository) ListRunning(_ context.Context) ([]*WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	var out []*WorkflowState
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status.IsActive() {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// ListHistory returns the runs of one workflow, newest first.
func (f *FileRepository) ListHistory(_ context.Context, workflowName string, page Page) ([]*WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	var matched []*WorkflowState
	for _, st := range all {
		if st.WorkflowName == workflowName {
			matched = append(matched, st)
		}
	}
	start, end := page.Window(len(matched))
	return matched[start:end], nil
}

// Cleanup deletes terminal runs that completed more than olderThan ago.
func (f *FileRepository) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.readAll()
	if err != nil {
		return 0, err
	}
	cutoff := f.clock.Now().Add(-olderThan)
	removed := 0
	for _, st := range all {
		if !isExpired(st, cutoff) {
			continue
		}
		path, err := f.filename(st.RunID)
		if err != nil {
			return removed, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to delete state file: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (f *FileRepository) read(runID string) (*WorkflowState, error) {
	path, err := f.filename(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, runNotFound(runID)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var st WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &st, nil
}

// write replaces the run file via a temp file so readers never see a
// partial document.
func (f *FileRepository) write(state *WorkflowState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	path, err := f.filename(state.RunID)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// readAll loads every run, newest first.
func (f *FileRepository) readAll() ([]*WorkflowState, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list state files: %w", err)
	}
	var out []*WorkflowState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		st, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return out, nil
}

// filename returns the full path for a run's state file. Run ids that
// could escape basePath are rejected.
func (f *FileRepository) filename(runID string) (string, error) {
	if runID == "" || strings.Contains(runID, "..") || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return filepath.Join(f.basePath, runID+".json"), nil
}
