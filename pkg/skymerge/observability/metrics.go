package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records skymerge metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordTaskExecution records a task execution with its duration and error status.
	RecordTaskExecution(ctx context.Context, task string, duration time.Duration, err error)

	// RecordRun records a merge run completion.
	RecordRun(ctx context.Context, success bool, duration time.Duration)

	// RecordToolInvocation records an external tool invocation.
	RecordToolInvocation(ctx context.Context, tool string, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	taskExecutions metric.Int64Counter
	taskLatency    metric.Float64Histogram
	taskErrors     metric.Int64Counter
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	toolCalls      metric.Int64Counter
	toolLatency    metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("skymerge")

	taskExecutions, err := meter.Int64Counter("skymerge.task.executions",
		metric.WithDescription("Number of task executions"),
	)
	if err != nil {
		return nil, err
	}

	taskLatency, err := meter.Float64Histogram("skymerge.task.latency_ms",
		metric.WithDescription("Task execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	taskErrors, err := meter.Int64Counter("skymerge.task.errors",
		metric.WithDescription("Number of task execution errors"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("skymerge.run.count",
		metric.WithDescription("Number of merge runs"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("skymerge.run.latency_ms",
		metric.WithDescription("Merge run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("skymerge.tool.invocations",
		metric.WithDescription("Number of external tool invocations"),
	)
	if err != nil {
		return nil, err
	}

	toolLatency, err := meter.Float64Histogram("skymerge.tool.latency_ms",
		metric.WithDescription("External tool latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		taskExecutions: taskExecutions,
		taskLatency:    taskLatency,
		taskErrors:     taskErrors,
		runs:           runs,
		runLatency:     runLatency,
		toolCalls:      toolCalls,
		toolLatency:    toolLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordTaskExecution records a task execution.
func (m *otelMetrics) RecordTaskExecution(ctx context.Context, task string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task", task),
	}

	m.taskExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.taskErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRun records a merge run.
func (m *otelMetrics) RecordRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordToolInvocation records an external tool invocation.
func (m *otelMetrics) RecordToolInvocation(ctx context.Context, tool string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}
