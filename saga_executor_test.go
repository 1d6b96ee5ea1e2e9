package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"math"
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

func TestExecuteSequentialMerge(t *testing.T) {
	log := &callLog{}
	s := New(WithIDGenerator(sequentialIDs("run")))
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"k": "a", "a": 1})))
	require.NoError(t, s.AddStep(okStep(log, "B", Context{"b": 2})))
	require.NoError(t, s.AddStep(okStep(log, "C", Context{"k": "c"})))

	initial := Context{"order": "o-1"}
	out := s.Run(context.Background(), initial)

	require.NoError(t, out.Err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, WorkflowCompleted, out.Status)
	assert.Equal(t, Context{"order": "o-1", "k": "c", "a": 1, "b": 2}, out.Context)
	assert.Len(t, out.Trace, 3)
	assert.Equal(t, []string{"A", "B", "C"}, out.ExecutionOrder())
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, Context{"order": "o-1"}, initial, "the caller's context is never mutated")
	assert.Empty(t, log.filter("undo:"), "no compensation on success")
}

func TestExecuteSnapshotsFollowStageOrder(t *testing.T) {
	log := &callLog{}
	s := New()
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	require.NoError(t, s.AddStep(okStep(log, "B", Context{"b": 2})))

	out := s.Run(context.Background(), nil)
	require.NoError(t, out.Err)

	assert.Equal(t, Context{}, out.Trace[0].Snapshots[0])
	assert.Equal(t, Context{"a": 1}, out.Trace[1].Snapshots[0])
	assert.Equal(t, 0, out.Trace[0].StageIndex)
	assert.Equal(t, 1, out.Trace[1].StageIndex)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	log := &callLog{}
	var attempts atomic.Int32
	flaky := MustStep("B", func(context.Context, Context) (Context, error) {
		n := attempts.Add(1)
		if n < 3 {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		return Context{"b": "ok"}, nil
	}, func(context.Context, Context) error {
		log.add("undo:B")
		return nil
	})

	s := New()
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	require.NoError(t, s.AddStep(flaky))
	assert.Equal(t, 1, s.SetStepReruns("B", 2))

	out := s.Run(context.Background(), nil)

	require.NoError(t, out.Err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, Context{"a": 1, "b": "ok"}, out.Context)
	require.Len(t, out.Trace, 2)
	assert.Equal(t, Context{"a": 1}, out.Trace[1].Snapshots[0])
	assert.Empty(t, log.filter("undo:"))
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	step := MustStep("B", func(context.Context, Context) (Context, error) {
		return nil, fmt.Errorf("attempt %d failed", attempts.Add(1))
	}, nil)
	step.SetMaxReruns(1)

	s := New()
	require.NoError(t, s.AddStep(step))

	_, err := s.Execute(context.Background(), nil)
	require.EqualError(t, err, "attempt 2 failed", "the last attempt's error is returned")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExecuteLargeRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	step := MustStep("A", func(context.Context, Context) (Context, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return Context{"a": 1}, nil
	}, nil)

	s := New()
	require.NoError(t, s.AddStep(step))
	assert.Equal(t, 1, s.SetStepReruns("A", math.MaxInt))
	reruns, ok := s.GetStepReruns("A")
	require.True(t, ok)
	assert.Equal(t, math.MaxInt32, reruns)

	ctx, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load(), "the action runs and is retried")
	assert.Equal(t, Context{"a": 1}, ctx)
}

func TestExecuteSkippedStep(t *testing.T) {
	log := &callLog{}
	boom := errors.New("C failed")
	s := New()
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	require.NoError(t, s.AddStep(okStep(log, "B", Context{"b": 2})))
	require.NoError(t, s.AddStep(failStep(log, "C", boom)))
	s.SkipStep("B")

	out := s.Run(context.Background(), nil)

	require.ErrorIs(t, out.Err, boom)
	assert.NotContains(t, out.Context, "b")
	assert.Equal(t, []string{"A"}, out.ExecutionOrder())
	assert.Equal(t, []string{"do:A", "do:C", "undo:A"}, log.list())
}

func TestExecuteSkippedParallelStage(t *testing.T) {
	log := &callLog{}
	s := New()
	require.NoError(t, s.AddParallel(okStep(log, "P1", Context{"p1": 1}), okStep(log, "P2", Context{"p2": 2})))
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	s.SkipStep("P1")
	s.SkipStep("P2")

	out := s.Run(context.Background(), nil)
	require.NoError(t, out.Err)
	assert.Equal(t, Context{"a": 1}, out.Context)
	require.Len(t, out.Trace, 1)
	assert.Equal(t, 1, out.Trace[0].StageIndex)

	s.UnskipStep("P2")
	out = s.Run(context.Background(), nil)
	require.NoError(t, out.Err)
	assert.Equal(t, Context{"a": 1, "p2": 2}, out.Context)
	assert.Equal(t, []string{"P2"}, out.Trace[0].StepNames())
}

func TestExecuteCompensatesInReverseOrder(t *testing.T) {
	log := &callLog{}
	boom := errors.New("D failed")
	s := New()
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	require.NoError(t, s.AddStep(okStep(log, "B", Context{"b": 2})))
	require.NoError(t, s.AddStep(okStep(log, "C", Context{"c": 3})))
	require.NoError(t, s.AddStep(failStep(log, "D", boom)))

	ctx, err := s.Execute(context.Background(), Context{"order": "o-1"})

	require.Same(t, boom, err, "the original error is returned unwrapped")
	assert.Equal(t, Context{"order": "o-1", "a": 1, "b": 2, "c": 3}, ctx)
	assert.Equal(t, []string{"undo:C", "undo:B", "undo:A"}, log.filter("undo:"))
}

func TestExecuteParallelStage(t *testing.T) {
	var sawSibling atomic.Bool
	release := make(chan struct{})

	// X finishes after Y and still loses the tie on "k" to the later declared Y.
	x := MustStep("X", func(_ context.Context, sc Context) (Context, error) {
		sc["scribble"] = true
		<-release
		return Context{"k": "x", "x": 1}, nil
	}, nil)
	y := MustStep("Y", func(_ context.Context, sc Context) (Context, error) {
		if _, ok := sc["scribble"]; ok {
			sawSibling.Store(true)
		}
		close(release)
		return Context{"k": "y", "y": 1}, nil
	}, nil)

	s := New()
	require.NoError(t, s.AddStep(okStep(&callLog{}, "A", Context{"a": 1})))
	require.NoError(t, s.AddParallel(x, y))

	out := s.Run(context.Background(), nil)

	require.NoError(t, out.Err)
	assert.False(t, sawSibling.Load(), "each concurrent step gets its own snapshot")
	assert.Equal(t, "y", out.Context["k"])
	assert.Equal(t, 1, out.Context["x"])
	assert.NotContains(t, out.Context, "scribble", "snapshots are not merged back")

	require.Len(t, out.Trace, 2)
	rec := out.Trace[1]
	assert.True(t, rec.Parallel)
	assert.Equal(t, []string{"X", "Y"}, rec.StepNames())
	require.Len(t, rec.Snapshots, 2)
	assert.Equal(t, Context{"a": 1}, rec.Snapshots[1])
}

func TestExecuteParallelCompensationUsesOwnSnapshots(t *testing.T) {
	var mu sync.Mutex
	got := map[string]Context{}
	compensated := func(name string) CompensateFunc {
		return func(_ context.Context, sc Context) error {
			mu.Lock()
			defer mu.Unlock()
			got[name] = sc.Clone()
			return nil
		}
	}
	p1 := MustStep("P1", func(_ context.Context, sc Context) (Context, error) {
		sc["seen_by"] = "P1"
		return Context{"p1": 1}, nil
	}, compensated("P1"))
	p2 := MustStep("P2", func(context.Context, Context) (Context, error) {
		return Context{"p2": 2}, nil
	}, compensated("P2"))
	boom := errors.New("final step failed")

	s := New()
	require.NoError(t, s.AddStep(okStep(&callLog{}, "A", Context{"a": 1})))
	require.NoError(t, s.AddParallel(p1, p2))
	require.NoError(t, s.AddStep(failStep(&callLog{}, "Z", boom)))

	_, err := s.Execute(context.Background(), nil)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, Context{"a": 1, "seen_by": "P1"}, got["P1"], "compensate receives the exact map its action was given")
	assert.Equal(t, Context{"a": 1}, got["P2"])
}

// A concurrent stage in which one step fails never reaches the trace, so a
// sibling that completed is not compensated. This is intended behaviour.
func TestExecutePartialParallelFailureIsNotCompensated(t *testing.T) {
	log := &callLog{}
	boom := errors.New("P2 failed")
	s := New()
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	require.NoError(t, s.AddParallel(okStep(log, "P1", Context{"p1": 1}), failStep(log, "P2", boom)))

	out := s.Run(context.Background(), nil)

	require.ErrorIs(t, out.Err, boom)
	assert.Contains(t, log.list(), "do:P1")
	assert.Equal(t, []string{"undo:A"}, log.filter("undo:"))
	assert.Equal(t, []string{"A"}, out.ExecutionOrder())
	assert.NotContains(t, out.Context, "p1")
	assert.Equal(t, WorkflowCompensated, out.Status)
}

func TestExecuteParallelFailureReportsFirstDeclared(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	release := make(chan struct{})

	s := New()
	require.NoError(t, s.AddParallel(
		MustStep("slow", func(context.Context, Context) (Context, error) {
			<-release
			return nil, first
		}, nil),
		MustStep("fast", func(context.Context, Context) (Context, error) {
			defer close(release)
			return nil, second
		}, nil),
	))

	_, err := s.Execute(context.Background(), nil)
	assert.Same(t, first, err)
}

func TestExecuteGlobalCompensate(t *testing.T) {
	log := &callLog{}
	boom := errors.New("C failed")
	brokenUndo := errors.New("cannot release")

	b := MustStep("B", func(context.Context, Context) (Context, error) {
		log.add("do:B")
		return Context{"b": 2}, nil
	}, func(context.Context, Context) error {
		log.add("undo:B")
		return brokenUndo
	})

	var hookCalls atomic.Int32
	var hookCtx Context
	s := New()
	require.NoError(t, s.AddStep(okStep(log, "A", Context{"a": 1})))
	require.NoError(t, s.AddStep(b))
	require.NoError(t, s.AddStep(failStep(log, "C", boom)))
	s.AddGlobalCompensate(func(_ context.Context, sc Context) error {
		hookCalls.Add(1)
		hookCtx = sc
		log.add("hook")
		return nil
	})

	out := s.Run(context.Background(), nil)

	require.Same(t, boom, out.Err)
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, []string{"do:A", "do:B", "do:C", "undo:B", "undo:A", "hook"}, log.list())
	assert.Equal(t, Context{"a": 1, "b": 2}, hookCtx)

	require.Len(t, out.CompensationErrors, 1)
	var ce *CompensationError
	require.ErrorAs(t, out.CompensationErrors[0], &ce)
	assert.Equal(t, "B", ce.Step)
	assert.ErrorIs(t, ce, brokenUndo)
	assert.Equal(t, WorkflowFailed, out.Status, "a partial rollback ends failed")
}

func TestExecuteGlobalCompensateNotCalledOnSuccess(t *testing.T) {
	var called atomic.Bool
	s := New()
	require.NoError(t, s.AddStep(okStep(&callLog{}, "A", nil)))
	s.AddGlobalCompensate(func(context.Context, Context) error {
		called.Store(true)
		return nil
	})

	_, err := s.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, called.Load())
}

func TestExecuteGlobalCompensateFailure(t *testing.T) {
	hookErr := errors.New("hook failed")
	s := New()
	require.NoError(t, s.AddStep(failStep(&callLog{}, "A", errors.New("boom"))))
	s.AddGlobalCompensate(func(context.Context, Context) error { return hookErr })

	out := s.Run(context.Background(), nil)

	require.Len(t, out.CompensationErrors, 1)
	assert.ErrorIs(t, out.CompensationErrors[0], hookErr)
	assert.Contains(t, out.CompensationErrors[0].Error(), "global compensate failed")
}

func TestExecuteRecoversPanics(t *testing.T) {
	var attempts atomic.Int32
	panicky := MustStep("panicky", func(context.Context, Context) (Context, error) {
		attempts.Add(1)
		panic("nil map write")
	}, nil)
	panicky.SetMaxReruns(1)

	undoPanics := MustStep("A", func(context.Context, Context) (Context, error) {
		return nil, nil
	}, func(context.Context, Context) error {
		panic("undo exploded")
	})

	s := New()
	require.NoError(t, s.AddStep(undoPanics))
	require.NoError(t, s.AddStep(panicky))

	out := s.Run(context.Background(), nil)

	var pe *PanicError
	require.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, "nil map write", pe.Value)
	assert.Equal(t, int32(2), attempts.Load(), "panics are retried like errors")

	require.Len(t, out.CompensationErrors, 1)
	require.ErrorAs(t, out.CompensationErrors[0], &pe)
	assert.Equal(t, "undo exploded", pe.Value)
}

func TestExecuteRunIdentity(t *testing.T) {
	s := New(WithIDGenerator(sequentialIDs("run")))
	require.NoError(t, s.AddStep(okStep(&callLog{}, "A", nil)))
	assert.Empty(t, s.RunID())

	first := s.Run(context.Background(), nil)
	second := s.Run(context.Background(), nil)
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, "run-2", second.RunID)
	assert.Equal(t, "run-2", s.RunID())

	c := s.Clone()
	assert.Empty(t, c.RunID())
	third := c.Run(context.Background(), nil)
	assert.Equal(t, "run-3", third.RunID)
	assert.Equal(t, "run-2", s.RunID(), "clones track their own runs")

	s.Reset()
	assert.Empty(t, s.RunID())
	assert.Len(t, s.Stages(), 1, "reset keeps configuration")
}

func TestExecuteDefaultRunIDsAreUnique(t *testing.T) {
	s := New()
	require.NoError(t, s.AddStep(okStep(&callLog{}, "A", nil)))
	a := s.Run(context.Background(), nil)
	b := s.Run(context.Background(), nil)
	assert.NotEmpty(t, a.RunID)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestExecuteConcurrentRunsAreIsolated(t *testing.T) {
	s := New()
	require.NoError(t, s.AddStep(MustStep("echo", func(_ context.Context, sc Context) (Context, error) {
		time.Sleep(time.Millisecond)
		return Context{"echo": sc["id"]}, nil
	}, nil)))
	require.NoError(t, s.AddParallel(
		MustStep("left", func(_ context.Context, sc Context) (Context, error) {
			return Context{"left": sc["echo"]}, nil
		}, nil),
		MustStep("right", func(_ context.Context, sc Context) (Context, error) {
			return Context{"right": sc["echo"]}, nil
		}, nil),
	))

	const runs = 20
	results := make([]*Outcome, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Run(context.Background(), Context{"id": i})
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i, out := range results {
		require.NoError(t, out.Err)
		assert.Equal(t, Context{"id": i, "echo": i, "left": i, "right": i}, out.Context)
		ids[out.RunID] = true
	}
	assert.Len(t, ids, runs)
	assert.Len(t, s.Stages(), 2)
}

func TestExecuteLogsCompensationFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(WithName("orders"), WithLogger(zap.New(core)), WithIDGenerator(sequentialIDs("run")))

	require.NoError(t, s.AddStep(MustStep("reserve", func(context.Context, Context) (Context, error) {
		return nil, nil
	}, func(context.Context, Context) error {
		return errors.New("inventory offline")
	})))
	flaky := failStep(&callLog{}, "charge", errors.New("card declined"))
	flaky.SetMaxReruns(1)
	require.NoError(t, s.AddStep(flaky))

	_, err := s.Execute(context.Background(), nil)
	require.Error(t, err)

	retries := logs.FilterMessage("step failed, will retry").All()
	require.Len(t, retries, 1)
	assert.Equal(t, zapcore.WarnLevel, retries[0].Level)
	assert.Equal(t, "charge", retries[0].ContextMap()["step"])

	failures := logs.FilterMessage("compensation failed").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	assert.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	assert.Equal(t, "reserve", fields["step"])
	assert.Equal(t, "orders", fields["workflow"])
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "inventory offline", fields["error"])
}
