// Package ciao implements the dmio collaborator interfaces over the
// external DM tool suite (dmmerge, reproject_events, dmimgcalc,
// dmimgfilt, dmcopy, dmlist, dmkeypar, dmhedit, dmcoords). Every
// operation shells out; the tools must be on PATH with their parameter
// files initialized.
package ciao

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/skymerge/pkg/skymerge/observability"
)

// Driver runs the DM tools. It implements dmio.Store, dmio.Tools and
// dmio.Geometry.
type Driver struct {
	log     *slog.Logger
	metrics observability.MetricsRecorder
	tmpDir  string
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the tool-invocation logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// WithMetrics sets the tool-invocation metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTmpDir sets the directory for intermediate files.
func WithTmpDir(dir string) Option {
	return func(d *Driver) { d.tmpDir = dir }
}

// New creates a Driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		log:     slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run executes one tool with "key=value" parameters and returns its
// combined output. The output is folded into the error on failure since
// the DM tools report diagnostics on both streams.
func (d *Driver) run(ctx context.Context, tool string, args ...string) (string, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, tool, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	elapsed := time.Since(start)
	d.metrics.RecordToolInvocation(ctx, tool, elapsed, err)
	d.log.Debug("tool finished",
		"tool", tool, "duration_ms", float64(elapsed.Microseconds())/1000.0, "failed", err != nil)

	if err != nil {
		return "", fmt.Errorf("%s failed: %w\n%s", tool, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// param renders one tool parameter.
func param(key, value string) string {
	return key + "=" + value
}

// tempName returns a collision-free intermediate file name.
func (d *Driver) tempName(suffix string) string {
	dir := d.tmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "skymerge-"+uuid.NewString()+suffix)
}

// writeTemp writes content to a fresh intermediate file and returns its
// name. Callers remove it.
func (d *Driver) writeTemp(suffix, content string) (string, error) {
	name := d.tempName(suffix)
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return name, nil
}
