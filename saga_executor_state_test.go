package sagaflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// statusLog records every workflow status written through UpdateWorkflow.
type statusLog struct {
	*MemoryRepository

	mu       sync.Mutex
	statuses []WorkflowStatus
}

func (s *statusLog) UpdateWorkflow(ctx context.Context, state *WorkflowState) error {
	s.mu.Lock()
	if n := len(s.statuses); n == 0 || s.statuses[n-1] != state.Status {
		s.statuses = append(s.statuses, state.Status)
	}
	s.mu.Unlock()
	return s.MemoryRepository.UpdateWorkflow(ctx, state)
}

func (s *statusLog) list() []WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WorkflowStatus(nil), s.statuses...)
}

var errOffline = errors.New("storage offline")

// offlineRepository fails every call.
type offlineRepository struct{}

func (offlineRepository) CreateWorkflow(context.Context, *WorkflowState) error { return errOffline }
func (offlineRepository) GetWorkflow(context.Context, string) (*WorkflowState, error) {
	return nil, errOffline
}
func (offlineRepository) UpdateWorkflow(context.Context, *WorkflowState) error { return errOffline }
func (offlineRepository) DeleteWorkflow(context.Context, string) error { return errOffline }
func (offlineRepository) AddStepState(context.Context, string, StepState) error { return errOffline }
func (offlineRepository) UpdateStepState(context.Context, string, StepState) error { return errOffline }
func (offlineRepository) GetStepState(context.Context, string, int) (*StepState, error) {
	return nil, errOffline
}
func (offlineRepository) ListRunning(context.Context) ([]*WorkflowState, error) {
	return nil, errOffline
}
func (offlineRepository) ListHistory(context.Context, string, Page) ([]*WorkflowState, error) {
	return nil, errOffline
}
func (offlineRepository) Cleanup(context.Context, time.Duration) (int, error) { return 0, errOffline }

func TestExecutePersistsCompletedRun(t *testing.T) {
	repo := &statusLog{MemoryRepository: NewMemoryRepository()}
	s := New(WithName("orders"), WithRepository(repo), WithClock(newFakeClock()), WithIDGenerator(sequentialIDs("run")))
	require.NoError(t, s.AddStep(okStep(&callLog{}, "reserve", Context{"reservation": "r-1"})))
	require.NoError(t, s.AddParallel(
		okStep(&callLog{}, "notify", Context{"notified": true}),
		okStep(&callLog{}, "audit", nil),
	))

	out := s.Run(context.Background(), Context{"order": "o-1"})
	require.NoError(t, out.Err)

	st, err := repo.GetWorkflow(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "orders", st.WorkflowName)
	assert.Equal(t, WorkflowCompleted, st.Status)
	assert.Equal(t, epoch, st.StartedAt)
	require.NotNil(t, st.CompletedAt)
	assert.True(t, st.CompletedAt.After(st.StartedAt))
	assert.Empty(t, st.Error)
	assert.Equal(t, Context{"order": "o-1"}, st.InitialContext)
	assert.Equal(t, Context{"order": "o-1", "reservation": "r-1", "notified": true}, st.CurrentContext)

	require.Len(t, st.Steps, 3)
	for i, name := range []string{"reserve", "notify", "audit"} {
		ss, err := repo.GetStepState(context.Background(), "run-1", i)
		require.NoError(t, err)
		assert.Equal(t, name, ss.StepName)
		assert.Equal(t, StepCompleted, ss.Status)
		assert.Equal(t, 1, ss.Attempt)
		assert.Equal(t, 1, ss.MaxAttempts)
		assert.NotNil(t, ss.StartedAt)
		assert.NotNil(t, ss.CompletedAt)
	}
	ss, _ := repo.GetStepState(context.Background(), "run-1", 1)
	assert.Equal(t, Context{"order": "o-1", "reservation": "r-1"}, ss.Context)
	assert.Equal(t, Context{"notified": true}, ss.Result)

	assert.Equal(t, []WorkflowStatus{WorkflowRunning, WorkflowCompleted}, repo.list())
}

func TestExecutePersistsCompensatedRun(t *testing.T) {
	repo := &statusLog{MemoryRepository: NewMemoryRepository()}
	s := New(WithName("orders"), WithRepository(repo), WithIDGenerator(sequentialIDs("run")))

	var attempts atomic.Int32
	flaky := MustStep("charge", func(context.Context, Context) (Context, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("gateway timeout")
		}
		return Context{"charged": true}, nil
	}, NoOpCompensate)
	flaky.SetMaxReruns(1)

	require.NoError(t, s.AddStep(okStep(&callLog{}, "reserve", Context{"reserved": true})))
	require.NoError(t, s.AddStep(okStep(&callLog{}, "coupon", nil)))
	require.NoError(t, s.AddStep(flaky))
	require.NoError(t, s.AddStep(failStep(&callLog{}, "ship", errors.New("no courier"))))
	s.SkipStep("coupon")

	out := s.Run(context.Background(), nil)
	require.EqualError(t, out.Err, "no courier")

	st, err := repo.GetWorkflow(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompensated, st.Status)
	assert.Equal(t, "no courier", st.Error)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t,
		[]WorkflowStatus{WorkflowRunning, WorkflowFailed, WorkflowCompensating, WorkflowCompensated},
		repo.list())

	require.Len(t, st.Steps, 3, "skipped steps are never recorded")
	_, err = repo.GetStepState(context.Background(), "run-1", 1)
	require.ErrorIs(t, err, ErrStepNotFound)

	reserve, err := repo.GetStepState(context.Background(), "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, StepCompensated, reserve.Status)

	charge, err := repo.GetStepState(context.Background(), "run-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "charge", charge.StepName)
	assert.Equal(t, StepCompensated, charge.Status)
	assert.Equal(t, 2, charge.Attempt)
	assert.Equal(t, 2, charge.MaxAttempts)
	assert.Empty(t, charge.Error, "a successful retry clears the earlier error")

	ship, err := repo.GetStepState(context.Background(), "run-1", 3)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, ship.Status)
	assert.Equal(t, "no courier", ship.Error)
}

func TestExecutePersistsPartialRollback(t *testing.T) {
	repo := NewMemoryRepository()
	s := New(WithRepository(repo), WithIDGenerator(sequentialIDs("run")))
	require.NoError(t, s.AddStep(MustStep("reserve", func(context.Context, Context) (Context, error) {
		return nil, nil
	}, func(context.Context, Context) error {
		return errors.New("inventory offline")
	})))
	require.NoError(t, s.AddStep(failStep(&callLog{}, "charge", errors.New("card declined"))))

	out := s.Run(context.Background(), nil)
	require.Error(t, out.Err)
	assert.Equal(t, WorkflowFailed, out.Status)

	st, err := repo.GetWorkflow(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowFailed, st.Status)
	assert.Equal(t, "card declined", st.Error)

	reserve, _ := st.Step(0)
	require.NotNil(t, reserve)
	assert.Equal(t, StepCompleted, reserve.Status, "a step whose rollback failed stays completed")
	assert.Equal(t, "compensation: inventory offline", reserve.Error)
}

func TestExecuteIgnoresRepositoryFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(WithRepository(offlineRepository{}), WithLogger(zap.New(core)))
	require.NoError(t, s.AddStep(okStep(&callLog{}, "A", Context{"a": 1})))
	require.NoError(t, s.AddStep(okStep(&callLog{}, "B", Context{"b": 2})))

	ctx, err := s.Execute(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, Context{"a": 1, "b": 2}, ctx)
	assert.NotZero(t, logs.FilterMessage("failed to persist workflow state").Len())
	assert.NotZero(t, logs.FilterMessage("failed to persist step state").Len())
}

func TestExecuteWithoutRepository(t *testing.T) {
	s := New()
	require.NoError(t, s.AddStep(failStep(&callLog{}, "A", errors.New("boom"))))
	out := s.Run(context.Background(), nil)
	assert.Equal(t, WorkflowCompensated, out.Status)
	assert.False(t, out.CompletedAt.Before(out.StartedAt))
}
