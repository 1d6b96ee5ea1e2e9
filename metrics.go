package sagaflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga execution metrics using OpenTelemetry.
//
// Metrics recorded:
//   - sagaflow_runs_total: runs by workflow and terminal status
//   - sagaflow_step_executions_total: step attempts by step and result
//   - sagaflow_compensations_total: compensations by step and result
//   - sagaflow_run_duration_seconds: run duration
//   - sagaflow_step_duration_seconds: step attempt and compensation duration
//   - sagaflow_active_runs: runs currently executing
//
// A nil *MetricsRecorder is valid and records nothing.
type MetricsRecorder struct {
	meterName string
	provider  metric.MeterProvider

	runs          metric.Int64Counter
	stepRuns      metric.Int64Counter
	compensations metric.Int64Counter
	runDuration   metric.Float64Histogram
	stepDuration  metric.Float64Histogram
	activeGauge   metric.Int64ObservableGauge

	active atomic.Int64

	initOnce sync.Once
	initErr  error
}

// MetricsOption configures a MetricsRecorder.
type MetricsOption func(*MetricsRecorder)

// WithMeterProvider sets the meter provider. Defaults to the global provider
// at the time the first measurement is recorded.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(m *MetricsRecorder) {
		m.provider = provider
	}
}

// NewMetricsRecorder creates a recorder whose meter is named meterName.
func NewMetricsRecorder(meterName string, opts ...MetricsOption) *MetricsRecorder {
	m := &MetricsRecorder{meterName: meterName}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// init creates the instruments on first use so the recorder can be built
// before the OpenTelemetry SDK is configured.
func (m *MetricsRecorder) init() error {
	m.initOnce.Do(func() {
		provider := m.provider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		meter := provider.Meter(m.meterName)

		if m.runs, m.initErr = meter.Int64Counter(
			"sagaflow_runs_total",
			metric.WithDescription("Total number of saga runs"),
			metric.WithUnit("{run}"),
		); m.initErr != nil {
			return
		}
		if m.stepRuns, m.initErr = meter.Int64Counter(
			"sagaflow_step_executions_total",
			metric.WithDescription("Total number of step attempts"),
			metric.WithUnit("{execution}"),
		); m.initErr != nil {
			return
		}
		if m.compensations, m.initErr = meter.Int64Counter(
			"sagaflow_compensations_total",
			metric.WithDescription("Total number of step compensations"),
			metric.WithUnit("{execution}"),
		); m.initErr != nil {
			return
		}
		if m.runDuration, m.initErr = meter.Float64Histogram(
			"sagaflow_run_duration_seconds",
			metric.WithDescription("Duration of saga runs in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		); m.initErr != nil {
			return
		}
		if m.stepDuration, m.initErr = meter.Float64Histogram(
			"sagaflow_step_duration_seconds",
			metric.WithDescription("Duration of step attempts and compensations in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		); m.initErr != nil {
			return
		}
		m.activeGauge, m.initErr = meter.Int64ObservableGauge(
			"sagaflow_active_runs",
			metric.WithDescription("Number of runs currently executing"),
			metric.WithUnit("{run}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(m.active.Load())
				return nil
			}),
		)
	})
	return m.initErr
}

// Active returns the number of runs started but not yet ended.
func (m *MetricsRecorder) Active() int64 {
	if m == nil {
		return 0
	}
	return m.active.Load()
}

// RecordRunStart marks a run as active.
func (m *MetricsRecorder) RecordRunStart(_ context.Context, _ string) {
	if m == nil || m.init() != nil {
		return
	}
	m.active.Add(1)
}

// RecordRunEnd records a finished run with its terminal status.
func (m *MetricsRecorder) RecordRunEnd(ctx context.Context, workflow string, status WorkflowStatus, d time.Duration) {
	if m == nil || m.init() != nil {
		return
	}
	m.active.Add(-1)

	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", string(status)),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStepExecution records one step attempt. result is "success" or "failure".
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, workflow, step, result string, d time.Duration) {
	if m == nil || m.init() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", step),
		attribute.String("result", result),
	)
	m.stepRuns.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCompensation records one step compensation. result is "success" or "failure".
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, workflow, step, result string, d time.Duration) {
	if m == nil || m.init() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", step),
		attribute.String("result", result),
	)
	m.compensations.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}
