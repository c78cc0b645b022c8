// Package observability provides structured logging, metrics, and
// tracing for skymerge runs.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id and task fields.
func EnrichLogger(logger *slog.Logger, runID, task string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("task", task),
	)
}

// LogRunStart logs the start of a merge run.
func LogRunStart(logger *slog.Logger, runID string, observations int) {
	if logger == nil {
		return
	}
	logger.Info("merge run starting",
		slog.String("run_id", runID),
		slog.Int("observations", observations),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, taskCount int) {
	if logger == nil {
		return
	}
	logger.Info("merge run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("tasks_executed", taskCount),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastTask string) {
	if logger == nil {
		return
	}
	logger.Error("merge run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_task", lastTask),
	)
}

// LogTaskStart logs task execution start.
func LogTaskStart(logger *slog.Logger, task string) {
	if logger == nil {
		return
	}
	logger.Debug("task starting",
		slog.String("task", task),
	)
}

// LogTaskComplete logs successful task completion.
func LogTaskComplete(logger *slog.Logger, task string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("task completed",
		slog.String("task", task),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTaskError logs task execution error.
func LogTaskError(logger *slog.Logger, task string, err error) {
	if logger == nil {
		return
	}
	logger.Error("task failed",
		slog.String("task", task),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
