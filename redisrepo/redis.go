// Package redisrepo provides a sagaflow.Repository backed by Redis.
//
// Schema, relative to the key prefix:
//   - run:{id} - hash of workflow state fields
//   - run:{id}:steps - hash of step state JSON keyed by seq
//   - by_name:{name} - sorted set of run ids scored by start time
//   - by_status:{status} - set of run ids in a status
//   - completed - sorted set of terminal run ids scored by completion time
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fortressi/sagaflow"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix used unless WithKeyPrefix is called.
const DefaultPrefix = "sagaflow:"

// Repository stores workflow runs in Redis. It works with single node,
// Sentinel and Cluster clients.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	repo := redisrepo.New(rdb).
//	    WithKeyPrefix("orders:").
//	    WithTTL(7 * 24 * time.Hour)
type Repository struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration // expiry for terminal runs, 0 keeps them
	clock  sagaflow.Clock
	logger *zap.Logger
}

// New creates a repository using client.
func New(client redis.Cmdable) *Repository {
	return &Repository{
		client: client,
		prefix: DefaultPrefix,
		clock:  sagaflow.SystemClock,
		logger: zap.NewNop(),
	}
}

// WithKeyPrefix sets the key prefix, e.g. for multi-tenant deployments.
func (r *Repository) WithKeyPrefix(prefix string) *Repository {
	r.prefix = prefix
	return r
}

// WithTTL expires terminal runs after ttl. Zero disables expiry.
func (r *Repository) WithTTL(ttl time.Duration) *Repository {
	r.ttl = ttl
	return r
}

// WithClock sets the clock Cleanup measures age against.
func (r *Repository) WithClock(clock sagaflow.Clock) *Repository {
	r.clock = clock
	return r
}

// WithLogger sets the logger used for index entries that point at missing
// or unreadable runs.
func (r *Repository) WithLogger(logger *zap.Logger) *Repository {
	r.logger = logger
	return r
}

func (r *Repository) runKey(id string) string { return r.prefix + "run:" + id }
func (r *Repository) stepsKey(id string) string { return r.prefix + "run:" + id + ":steps" }
func (r *Repository) nameKey(name string) string { return r.prefix + "by_name:" + name }
func (r *Repository) completedKey() string { return r.prefix + "completed" }
func (r *Repository) statusKey(s sagaflow.WorkflowStatus) string {
	return r.prefix + "by_status:" + string(s)
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// CreateWorkflow stores a new run.
func (r *Repository) CreateWorkflow(ctx context.Context, state *sagaflow.WorkflowState) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("create workflow: run id is required")
	}
	key := r.runKey(state.RunID)

	ok, err := r.client.HSetNX(ctx, key, "run_id", state.RunID).Result()
	if err != nil {
		return fmt.Errorf("hsetnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunExists, state.RunID)
	}

	fields, err := encodeFields(state)
	if err != nil {
		return err
	}
	steps, err := encodeSteps(state.Steps)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if len(steps) > 0 {
			pipe.HSet(ctx, r.stepsKey(state.RunID), steps)
		}
		pipe.ZAdd(ctx, r.nameKey(state.WorkflowName), redis.Z{Score: score(state.StartedAt), Member: state.RunID})
		pipe.SAdd(ctx, r.statusKey(state.Status), state.RunID)
		r.trackTerminal(ctx, pipe, state)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// trackTerminal indexes terminal runs for Cleanup and applies the TTL.
func (r *Repository) trackTerminal(ctx context.Context, pipe redis.Pipeliner, state *sagaflow.WorkflowState) {
	if !state.Status.IsTerminal() || state.CompletedAt == nil {
		return
	}
	pipe.ZAdd(ctx, r.completedKey(), redis.Z{Score: score(*state.CompletedAt), Member: state.RunID})
	if r.ttl > 0 {
		pipe.Expire(ctx, r.runKey(state.RunID), r.ttl)
		pipe.Expire(ctx, r.stepsKey(state.RunID), r.ttl)
	}
}

// GetWorkflow loads a run and its step states.
func (r *Repository) GetWorkflow(ctx context.Context, runID string) (*sagaflow.WorkflowState, error) {
	fields, err := r.client.HGetAll(ctx, r.runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	state, err := decodeFields(fields)
	if err != nil {
		return nil, err
	}

	raw, err := r.client.HGetAll(ctx, r.stepsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall steps: %w", err)
	}
	state.Steps, err = decodeSteps(raw)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateWorkflow replaces a stored run, including its step states.
func (r *Repository) UpdateWorkflow(ctx context.Context, state *sagaflow.WorkflowState) error {
	if state == nil {
		return fmt.Errorf("update workflow: state is nil")
	}
	key := r.runKey(state.RunID)

	oldStatus, err := r.client.HGet(ctx, key, "status").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, state.RunID)
	}
	if err != nil {
		return fmt.Errorf("hget: %w", err)
	}

	fields, err := encodeFields(state)
	if err != nil {
		return err
	}
	steps, err := encodeSteps(state.Steps)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Del(ctx, r.stepsKey(state.RunID))
		if len(steps) > 0 {
			pipe.HSet(ctx, r.stepsKey(state.RunID), steps)
		}
		if oldStatus != string(state.Status) {
			pipe.SRem(ctx, r.statusKey(sagaflow.WorkflowStatus(oldStatus)), state.RunID)
			pipe.SAdd(ctx, r.statusKey(state.Status), state.RunID)
		}
		r.trackTerminal(ctx, pipe, state)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

// DeleteWorkflow removes a run, its step states and its index entries.
func (r *Repository) DeleteWorkflow(ctx context.Context, runID string) error {
	vals, err := r.client.HMGet(ctx, r.runKey(runID), "workflow_name", "status").Result()
	if err != nil {
		return fmt.Errorf("hmget: %w", err)
	}
	name, _ := vals[0].(string)
	status, _ := vals[1].(string)
	if vals[0] == nil {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	return r.remove(ctx, runID, name, sagaflow.WorkflowStatus(status))
}

func (r *Repository) remove(ctx context.Context, runID, name string, status sagaflow.WorkflowStatus) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.runKey(runID), r.stepsKey(runID))
		pipe.ZRem(ctx, r.nameKey(name), runID)
		pipe.SRem(ctx, r.statusKey(status), runID)
		pipe.ZRem(ctx, r.completedKey(), runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, runID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.runKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

// AddStepState appends a step record to a stored run.
func (r *Repository) AddStepState(ctx context.Context, runID string, step sagaflow.StepState) error {
	ok, err := r.exists(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	added, err := r.client.HSetNX(ctx, r.stepsKey(runID), strconv.Itoa(step.Seq), data).Result()
	if err != nil {
		return fmt.Errorf("hsetnx: %w", err)
	}
	if !added {
		return fmt.Errorf("%w: run %s step %d", sagaflow.ErrStepExists, runID, step.Seq)
	}
	return nil
}

// GetStepState loads one step record.
func (r *Repository) GetStepState(ctx context.Context, runID string, seq int) (*sagaflow.StepState, error) {
	data, err := r.client.HGet(ctx, r.stepsKey(runID), strconv.Itoa(seq)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, r.missingStep(ctx, runID, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("hget: %w", err)
	}
	var step sagaflow.StepState
	if err := json.Unmarshal([]byte(data), &step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	return &step, nil
}

// UpdateStepState replaces the step record with the same Seq.
func (r *Repository) UpdateStepState(ctx context.Context, runID string, step sagaflow.StepState) error {
	field := strconv.Itoa(step.Seq)
	ok, err := r.client.HExists(ctx, r.stepsKey(runID), field).Result()
	if err != nil {
		return fmt.Errorf("hexists: %w", err)
	}
	if !ok {
		return r.missingStep(ctx, runID, step.Seq)
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	if err := r.client.HSet(ctx, r.stepsKey(runID), field, data).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// missingStep distinguishes an unknown run from an unknown step.
func (r *Repository) missingStep(ctx context.Context, runID string, seq int) error {
	ok, err := r.exists(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", sagaflow.ErrRunNotFound, runID)
	}
	return fmt.Errorf("%w: run %s step %d", sagaflow.ErrStepNotFound, runID, seq)
}

// ListRunning returns runs that are running or compensating.
func (r *Repository) ListRunning(ctx context.Context) ([]*sagaflow.WorkflowState, error) {
	var ids []string
	for _, status := range []sagaflow.WorkflowStatus{sagaflow.WorkflowRunning, sagaflow.WorkflowCompensating} {
		members, err := r.client.SMembers(ctx, r.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers: %w", err)
		}
		ids = append(ids, members...)
	}
	return r.load(ctx, ids)
}

// ListHistory returns the runs of one workflow, newest first.
func (r *Repository) ListHistory(ctx context.Context, workflowName string, page sagaflow.Page) ([]*sagaflow.WorkflowState, error) {
	start := int64(max(page.Offset, 0))
	stop := int64(-1)
	if page.Limit > 0 {
		stop = start + int64(page.Limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.nameKey(workflowName), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}
	return r.load(ctx, ids)
}

// load fetches runs by id, skipping ids whose run has expired.
func (r *Repository) load(ctx context.Context, ids []string) ([]*sagaflow.WorkflowState, error) {
	out := make([]*sagaflow.WorkflowState, 0, len(ids))
	for _, id := range ids {
		state, err := r.GetWorkflow(ctx, id)
		if errors.Is(err, sagaflow.ErrRunNotFound) {
			r.logger.Debug("skipping expired run", zap.String("run_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// Cleanup deletes terminal runs that completed more than olderThan ago.
func (r *Repository) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.clock.Now().Add(-olderThan)
	ids, err := r.client.ZRangeByScore(ctx, r.completedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	removed := 0
	for _, id := range ids {
		vals, err := r.client.HMGet(ctx, r.runKey(id), "workflow_name", "status").Result()
		if err != nil {
			return removed, fmt.Errorf("hmget: %w", err)
		}
		name, _ := vals[0].(string)
		status, _ := vals[1].(string)
		if err := r.remove(ctx, id, name, sagaflow.WorkflowStatus(status)); err != nil {
			return removed, err
		}
		if vals[0] == nil {
			// Already expired through the TTL.
			continue
		}
		removed++
	}
	return removed, nil
}

var _ sagaflow.Repository = (*Repository)(nil)
