package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return log, &buf
}

// TestEnrichLogger tests that the run and task fields ride along on
// every record of the enriched logger.
func TestEnrichLogger(t *testing.T) {
	log, buf := bufLogger()

	EnrichLogger(log, "run-1", "merge-events").Warn("journal write failed")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "task=merge-events")
	assert.Contains(t, out, "journal write failed")

	assert.Nil(t, EnrichLogger(nil, "run-1", "merge-events"))
}

// TestLogRunLifecycle tests the start/complete/error run messages.
func TestLogRunLifecycle(t *testing.T) {
	log, buf := bufLogger()

	LogRunStart(log, "run-1", 3)
	out := buf.String()
	assert.Contains(t, out, "merge run starting")
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "observations=3")

	buf.Reset()
	LogRunComplete(log, "run-1", 12.5, 6)
	out = buf.String()
	assert.Contains(t, out, "merge run completed")
	assert.Contains(t, out, "duration_ms=12.5")
	assert.Contains(t, out, "tasks_executed=6")

	buf.Reset()
	LogRunError(log, "run-1", errors.New("boom"), 4.0, "merge-events")
	out = buf.String()
	assert.Contains(t, out, "merge run failed")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "last_task=merge-events")

	// Nil loggers are tolerated on every helper.
	LogRunStart(nil, "run-1", 1)
	LogRunComplete(nil, "run-1", 0, 0)
	LogRunError(nil, "run-1", errors.New("boom"), 0, "")
	LogTaskStart(nil, "t")
	LogTaskComplete(nil, "t", 0)
	LogTaskError(nil, "t", errors.New("boom"))
}

// TestTimedOperation tests that the elapsed closure is monotonic.
func TestTimedOperation(t *testing.T) {
	elapsed := TimedOperation()
	first := elapsed()
	require.GreaterOrEqual(t, first, 0.0)
	assert.GreaterOrEqual(t, elapsed(), first)
}
