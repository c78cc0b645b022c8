package skymerge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/taskrun"
)

// DefaultTangentTol is the tangent-point separation below which an
// event file is copied rather than reprojected. 1.4e-5 degrees is
// 0.05 arcsec, well under the sky pixel size of either instrument.
const DefaultTangentTol = 1.4e-5

// ReprojectAction says how one event file reaches the common tangent
// point.
type ReprojectAction int

// Actions. A separation strictly under the tolerance earns a copy;
// exactly at the tolerance still reprojects.
const (
	ActionCopy ReprojectAction = iota
	ActionReproject
)

// String renders the action for logs.
func (a ReprojectAction) String() string {
	if a == ActionCopy {
		return "copy"
	}
	return "reproject"
}

// ReprojectPlan is the decision for one event file.
type ReprojectPlan struct {
	Input      string
	Output     string
	Action     ReprojectAction
	Separation float64
}

// Reprojector moves event files onto a common tangent point, copying
// when the file is already close enough.
type Reprojector struct {
	Store dmio.Store
	Tools dmio.Tools
	Geom  dmio.Geometry
	Log   *slog.Logger

	// Tol is the copy-vs-reproject threshold in degrees.
	// Zero means DefaultTangentTol.
	Tol float64

	// TmpDir holds the intermediate copies made for filtered inputs.
	TmpDir string
}

func (r *Reprojector) tol() float64 {
	if r.Tol > 0 {
		return r.Tol
	}
	return DefaultTangentTol
}

// Plan decides copy-vs-reproject for one input by comparing its tangent
// point against the reference position.
func (r *Reprojector) Plan(input, output string, ra0, dec0 float64) (ReprojectPlan, error) {
	ra, dec, err := r.Geom.TangentPoint(input)
	if err != nil {
		return ReprojectPlan{}, fmt.Errorf("tangent point of %s: %w", input, err)
	}

	sep := PointSeparation(ra0, dec0, ra, dec)
	r.Log.Debug("tangent point separation",
		"file", input, "arcsec", sep*3600.0)

	plan := ReprojectPlan{Input: input, Output: output, Separation: sep}
	if sep < r.tol() {
		plan.Action = ActionCopy
	} else {
		plan.Action = ActionReproject
	}
	return plan, nil
}

// Execute carries out one plan. The copy path preserves the file's
// processing history. The reproject path runs with a blank aspect
// solution so event positions are preserved while the coordinate
// mapping changes, and drops the sky subspace since spatial filters
// from the old frame are not valid in the new one. A DM filter on the
// input forces a filtered copy first: stacking the filter with the
// subspace drop does not behave as wanted.
func (r *Reprojector) Execute(ctx context.Context, plan ReprojectPlan, ra0, dec0 float64) error {
	// The reprojection tool can produce invalid output when handed a
	// negative reference RA.
	ra0 = NormalizeRA(ra0)

	if plan.Action == ActionCopy {
		r.Log.Debug("no need to reproject, copying", "file", plan.Input)
		if err := r.Store.Copy(plan.Input, plan.Output); err != nil {
			return &ToolError{Tool: "copy", File: plan.Input, Err: err}
		}
		return nil
	}

	input := plan.Input
	if strings.Contains(input, "[") {
		tmp := r.tempName(".evt")
		r.Log.Debug("copying event file to apply its filters first", "file", input)
		if err := r.Store.Copy(input, tmp); err != nil {
			return &ToolError{Tool: "copy", File: input, Err: err}
		}
		defer func() {
			if err := r.Store.Remove(tmp); err != nil {
				r.Log.Warn("could not remove intermediate copy", "file", tmp, "error", err)
			}
		}()
		input = tmp
	}

	r.Log.Debug("reprojecting event file", "file", input, "ra", ra0, "dec", dec0)
	if err := r.Tools.Reproject(ctx, input, plan.Output, ra0, dec0, "", true); err != nil {
		return &ToolError{Tool: "reproject", File: plan.Input, Err: err}
	}

	if err := r.Tools.UpdateColumnRanges(ctx, plan.Output); err != nil {
		return &ToolError{Tool: "update column ranges", File: plan.Output, Err: err}
	}
	return nil
}

// AddTasks registers one task per observation on the runner, between a
// start and an end barrier, and returns the end barrier's name for
// downstream dependencies. preconditions are the tasks that must finish
// before any reprojection starts.
func (r *Reprojector) AddTasks(
	runner *taskrun.Runner,
	preconditions []string,
	records []*Observation,
	outputs []string,
	ra0, dec0 float64,
) (string, error) {
	if len(records) != len(outputs) {
		return "", &ConfigurationError{
			Message: fmt.Sprintf("reprojection wants %d outputs for %d observations",
				len(outputs), len(records)),
		}
	}

	label := "files"
	if len(records) == 1 {
		label = "file"
	}
	start := "reproj-obsids-start"
	if err := runner.AddBarrier(start, preconditions,
		fmt.Sprintf("Reprojecting %d event %s to a common tangent point.", len(records), label)); err != nil {
		return "", err
	}

	tasks := make([]string, 0, len(records))
	for i, rec := range records {
		plan, err := r.Plan(rec.EventFile, outputs[i], ra0, dec0)
		if err != nil {
			return "", err
		}

		name := "reproj-" + outputs[i]
		task := func(ctx context.Context) error {
			return r.Execute(ctx, plan, ra0, dec0)
		}
		if err := runner.AddTask(name, []string{start}, task); err != nil {
			return "", err
		}
		tasks = append(tasks, name)
	}

	end := "reproj-obsids-end"
	if err := runner.AddBarrier(end, tasks, ""); err != nil {
		return "", err
	}
	return end, nil
}

func (r *Reprojector) tempName(suffix string) string {
	dir := r.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "skymerge-"+uuid.NewString()+suffix)
}

// ReferencePosition resolves the reference tangent point from the
// refpos parameter. An empty value averages the observation tangent
// points; a "ra dec" pair (decimal degrees) is used directly; anything
// else is treated as a file whose projection supplies the point. The
// returned string is the value recorded in output history: the file
// name when a file was given, otherwise "<ra> <dec>".
func ReferencePosition(refpos string, geom dmio.Geometry, records []*Observation) (string, float64, float64, error) {
	refpos = strings.TrimSpace(refpos)

	var ra, dec float64
	var rval string

	switch {
	case refpos == "":
		ras := make([]float64, len(records))
		decs := make([]float64, len(records))
		for i, rec := range records {
			ras[i] = rec.TangentRA
			decs[i] = rec.TangentDec
		}
		var err error
		ra, dec, err = NominalPosition(ras, decs)
		if err != nil {
			return "", 0, 0, err
		}

	default:
		if r, d, ok := parseRefPair(refpos); ok {
			ra, dec = r, d
			break
		}
		var err error
		ra, dec, err = geom.TangentPoint(refpos)
		if err != nil {
			return "", 0, 0, fmt.Errorf("unable to find a tangent position in %s: %w", refpos, err)
		}
		rval = refpos
	}

	ra = NormalizeRA(ra)
	if rval == "" {
		rval = fmt.Sprintf("%g %g", ra, dec)
	}
	return rval, ra, dec, nil
}

// parseRefPair parses "ra dec" or "ra,dec" in decimal degrees.
func parseRefPair(s string) (ra, dec float64, ok bool) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	if len(fields) != 2 {
		return 0, 0, false
	}
	ra, err1 := strconv.ParseFloat(fields[0], 64)
	dec, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return ra, dec, true
}
