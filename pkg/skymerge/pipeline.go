package skymerge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/config"
	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/grid"
	"github.com/randalmurphal/skymerge/pkg/skymerge/header"
	"github.com/randalmurphal/skymerge/pkg/skymerge/journal"
	"github.com/randalmurphal/skymerge/pkg/skymerge/observability"
	"github.com/randalmurphal/skymerge/pkg/skymerge/stack"
	"github.com/randalmurphal/skymerge/pkg/skymerge/taskrun"
)

// defaultRuleTable is the built-in header reconciliation table, used
// when no lookup file is configured. Tolerances match the divergence
// limits reported at the end of a run.
const defaultRuleTable = `
OBS_ID   Merge-Merged;Force-Merged
OBI_NUM  SKIP
SEQ_NUM  Merge-Merged;Force-Merged
TITLE    Merge-Merged;Force-Merged
OBSERVER Merge-Merged;Force-Merged
OBJECT   Merge-Merged;Force-Merged
DATAMODE Merge-Merged;Force-Merged
RA_NOM   WarnOmit-0.0003
DEC_NOM  WarnOmit-0.0003
ROLL_NOM WarnOmit-1.0
FP_TEMP  WarnOmit-2.0
SIM_X    WarnOmit-0.001
SIM_Y    WarnOmit-0.001
SIM_Z    WarnOmit-0.1
RAND_PI  WarnOmit-0.05
`

// DefaultRules returns the built-in header reconciliation rule table.
func DefaultRules() []header.Entry {
	entries, err := header.ParseTable(strings.NewReader(defaultRuleTable))
	if err != nil {
		panic("built-in rule table is malformed: " + err.Error())
	}
	return entries
}

// Pipeline runs the full merge: validate, bind ancillary files, resolve
// the reference position and output grid, reproject every observation
// to the common tangent point, and merge the reprojected event files.
type Pipeline struct {
	Store  dmio.Store
	Tools  dmio.Tools
	Geom   dmio.Geometry
	Log    *slog.Logger
	Params config.Params

	// Metrics and Spans default to noop implementations.
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Result summarizes one pipeline run.
type Result struct {
	RunID string

	// Records are the observations that survived validation (and the
	// overlap filter, when an explicit grid was given), in time order.
	Records []*Observation

	// ReprojEvents are the per-observation reprojected event files,
	// aligned with Records. MergedEvent is the merged output.
	ReprojEvents []string
	MergedEvent  string

	// Reference position: the history string and the normalized
	// coordinates every observation was reprojected to.
	RefPos        string
	RefRA, RefDec float64

	// Grid is the resolved common output grid, one entry per record.
	Grid []grid.XY

	// Divergences are the header spreads that make the merged file
	// unsuitable for response generation. PIWarnings carry the HRC PI
	// range mismatch text, redisplayed at the end of the run.
	Divergences []Divergence
	PIWarnings  []string
}

// Run executes the pipeline.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	files, err := stack.Expand(p.Params.InFiles)
	if err != nil {
		return nil, err
	}

	validator := &Validator{Store: p.Store, Log: log, SkipColumnCheck: !p.Params.ColCheck}
	records, err := validator.Validate(files)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Records:     records,
		MergedEvent: MergedEventName(p.Params.OutDir, p.Params.OutHead),
		PIWarnings:  validator.CheckPIRanges(records),
	}

	if !p.Params.Clobber {
		if _, err := os.Stat(res.MergedEvent); err == nil {
			return nil, &ConfigurationError{
				Message: fmt.Sprintf("output %s exists and clobber is not set", res.MergedEvent),
			}
		}
	}

	ReportKeywordDifferences(log, records)

	if err := p.bindAncillary(records, log); err != nil {
		return nil, err
	}

	rules, err := p.loadRules()
	if err != nil {
		return nil, err
	}

	res.RefPos, res.RefRA, res.RefDec, err = ReferencePosition(p.Params.RefCoord, p.Geom, records)
	if err != nil {
		return nil, err
	}
	log.Info("reference position resolved", "refpos", res.RefPos)

	res.Records, res.Grid, err = p.resolveGrid(records, log)
	if err != nil {
		return nil, err
	}
	records = res.Records

	jstore, err := p.openJournal()
	if err != nil {
		return nil, err
	}
	defer jstore.Close()

	runner := taskrun.New(
		taskrun.WithLogger(log),
		taskrun.WithMetrics(p.metrics()),
		taskrun.WithSpans(p.spans()),
		taskrun.WithJournal(jstore),
	)
	res.RunID = runner.RunID()

	res.ReprojEvents = make([]string, len(records))
	for i, rec := range records {
		res.ReprojEvents[i] = ReprojEventName(p.Params.OutDir, p.Params.OutHead, rec.ObsId)
	}

	reproj := &Reprojector{
		Store:  p.Store,
		Tools:  p.Tools,
		Geom:   p.Geom,
		Log:    log,
		TmpDir: p.Params.TmpDir,
	}
	barrier, err := reproj.AddTasks(runner, nil, records, res.ReprojEvents, res.RefRA, res.RefDec)
	if err != nil {
		return nil, err
	}

	merger := &Merger{Store: p.Store, Tools: p.Tools, Log: log, TmpDir: p.Params.TmpDir}
	mergeTask := func(ctx context.Context) error {
		return merger.Merge(ctx, res.ReprojEvents, res.MergedEvent, MergeOptions{
			Records:      records,
			ColumnFilter: p.Params.ColCheck,
			Rules:        rules,
			Edits:        MergedAncillaryEdits(),
		})
	}
	if err := runner.AddTask("merge-events", []string{barrier}, mergeTask); err != nil {
		return nil, err
	}

	elapsed := observability.TimedOperation()
	observability.LogRunStart(log, res.RunID, len(records))
	if err := runner.Run(ctx, p.Params.Parallel); err != nil {
		lastTask := ""
		var taskErr *taskrun.TaskError
		if errors.As(err, &taskErr) {
			lastTask = taskErr.Task
		}
		observability.LogRunError(log, res.RunID, err, elapsed(), lastTask)
		return nil, err
	}
	observability.LogRunComplete(log, res.RunID, elapsed(), runner.TaskCount())

	res.Divergences, err = ScanDivergence(records)
	if err != nil {
		return nil, err
	}
	DisplayMergeWarnings(log, res.MergedEvent, res.Divergences)
	for _, w := range res.PIWarnings {
		log.Warn(w)
	}

	return res, nil
}

// bindAncillary resolves the aspect/bad-pixel/mask/dtf file bindings on
// every record, from the explicit stacks when given and from the event
// headers otherwise.
func (p *Pipeline) bindAncillary(records []*Observation, log *slog.Logger) error {
	matcher := &Matcher{Store: p.Store, Log: log}

	if err := matcher.SetupAspect(records, p.Params.Asol); err != nil {
		return err
	}
	if err := matcher.SetupAncillary(records, p.Params.Bpix, AncBpix,
		"the bad-pixel files recorded in the event headers will be used"); err != nil {
		return err
	}
	if err := matcher.SetupAncillary(records, p.Params.Mask, AncMask,
		"no mask files will be applied"); err != nil {
		return err
	}
	if records[0].Instrument == "HRC" {
		if err := matcher.SetupAncillary(records, p.Params.Dtf, AncDtf,
			"no dead-time factor files will be applied"); err != nil {
			return err
		}
	}
	return nil
}

// resolveGrid builds the common output grid. An explicit xygrid filters
// out observations with no events in the range first; otherwise the
// per-observation footprints are unioned at the resolved binning.
func (p *Pipeline) resolveGrid(records []*Observation, log *slog.Logger) ([]*Observation, []grid.XY, error) {
	instrument := records[0].Instrument
	binsize := p.Params.ResolveBinsize(instrument)

	if p.Params.XYGrid != "" {
		spec, err := config.ParseXYGrid(p.Params.XYGrid)
		if err != nil {
			return nil, nil, &ConfigurationError{Message: err.Error(), Err: err}
		}
		rect := grid.Rect{XLo: spec.XLo, XHi: spec.XHi, YLo: spec.YLo, YHi: spec.YHi}

		keep, _, err := WhichObsidsOverlap(p.Geom, log, records, rect)
		if err != nil {
			return nil, nil, err
		}
		var kept []*Observation
		for i, rec := range records {
			if keep[i] {
				kept = append(kept, rec)
			}
		}

		size := (spec.XHi - spec.XLo) / float64(spec.NX)
		return kept, grid.UserGrid(rect, size, len(kept)), nil
	}

	perObs := make([]grid.XY, len(records))
	for i, rec := range records {
		chips, err := p.Geom.Chips(rec.EventFile)
		if err != nil {
			return nil, nil, err
		}
		x, y, err := p.Geom.ObservationGrid(rec.EventFile, instrument, chips, binsize)
		if err != nil {
			return nil, nil, err
		}
		perObs[i] = grid.XY{X: x, Y: y}
	}
	return records, grid.AutoGrid(perObs, p.Params.MaxSize), nil
}

// loadRules reads the header reconciliation table from the configured
// lookup file, or falls back to the built-in table.
func (p *Pipeline) loadRules() ([]header.Entry, error) {
	if p.Params.Lookup == "" {
		return DefaultRules(), nil
	}
	f, err := os.Open(p.Params.Lookup)
	if err != nil {
		return nil, fmt.Errorf("open lookup table: %w", err)
	}
	defer f.Close()
	return header.ParseTable(f)
}

func (p *Pipeline) openJournal() (journal.Store, error) {
	if p.Params.Journal == "" {
		return journal.NewMemoryStore(), nil
	}
	return journal.NewSQLiteStore(p.Params.Journal)
}

func (p *Pipeline) metrics() observability.MetricsRecorder {
	if p.Metrics == nil {
		return observability.NoopMetrics{}
	}
	return p.Metrics
}

func (p *Pipeline) spans() observability.SpanManager {
	if p.Spans == nil {
		return observability.NoopSpanManager{}
	}
	return p.Spans
}
