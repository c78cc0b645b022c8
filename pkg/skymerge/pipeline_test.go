package skymerge

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/skymerge/pkg/skymerge/config"
	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/grid"
	"github.com/randalmurphal/skymerge/pkg/skymerge/header"
)

// TestDefaultRules tests the built-in header rule table.
func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	require.NotEmpty(t, rules)

	ra := header.Lookup(rules, "RA_NOM")
	assert.Equal(t, header.WarnOmit, ra.Kind)
	assert.Equal(t, 0.0003, ra.Tol)

	obsid := header.Lookup(rules, "OBS_ID")
	assert.Equal(t, header.Merge, obsid.Kind)
	assert.Equal(t, "Merged", obsid.Out)

	assert.Equal(t, header.Skip, header.Lookup(rules, "OBI_NUM").Kind)
}

type pipelineFixture struct {
	store *dmio.MemStore
	tools *dmio.MemTools
	geom  *dmio.MemGeometry
	pipe  *Pipeline
}

// newPipelineFixture registers two ACIS observations whose tangent
// points straddle the reference, so both get reprojected.
func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	s := dmio.NewMemStore()
	s.AddTable("e1.fits", 10,
		acisHeader("4425", 1000, map[string]string{"RA_NOM": "150.0"}), acisColumns())
	s.AddTable("e2.fits", 32,
		acisHeader("4426", 2000, map[string]string{"RA_NOM": "150.1"}), acisColumns())

	axis := func(lo, hi float64) grid.Axis { return grid.Axis{Lo: lo, Hi: hi, Size: 1} }
	geom := &dmio.MemGeometry{
		Store: s,
		GridsByPath: map[string]grid.XY{
			"e1.fits": {X: axis(2000.5, 6000.5), Y: axis(2000.5, 6000.5)},
			"e2.fits": {X: axis(2500.5, 6500.5), Y: axis(2500.5, 6500.5)},
		},
	}
	tools := dmio.NewMemTools(s)

	outdir := t.TempDir() + string(os.PathSeparator)
	pipe := &Pipeline{
		Store: s,
		Tools: tools,
		Geom:  geom,
		Log:   discardLogger(),
		Params: config.Params{
			InFiles:  "e1.fits,e2.fits",
			OutDir:   outdir,
			OutHead:  "test_",
			ColCheck: true,
			Parallel: true,
		},
	}
	return &pipelineFixture{store: s, tools: tools, geom: geom, pipe: pipe}
}

// TestPipeline_Run tests the whole merge pipeline over the in-memory
// store: validation, reference resolution, grid union, reprojection and
// the final merge.
func TestPipeline_Run(t *testing.T) {
	f := newPipelineFixture(t)

	res, err := f.pipe.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "4425", res.Records[0].ObsId.ID)

	// Reference position: the mean of the two tangent points.
	assert.InDelta(t, 150.05, res.RefRA, 1e-6)
	assert.InDelta(t, 2.2, res.RefDec, 1e-3)

	// Common grid: the union of the two footprints at the ACIS default
	// binning.
	require.Len(t, res.Grid, 2)
	assert.Equal(t, grid.Axis{Lo: 2000.5, Hi: 6500.5, Size: 8}, res.Grid[0].X)
	assert.Equal(t, res.Grid[0], res.Grid[1])

	// Per-observation reprojected outputs plus the merged file.
	outdir := f.pipe.Params.OutDir
	require.Equal(t, []string{
		outdir + "test_4425_reproj_evt.fits",
		outdir + "test_4426_reproj_evt.fits",
	}, res.ReprojEvents)
	for _, path := range res.ReprojEvents {
		assert.True(t, f.store.HasTable(path), path)
	}

	assert.Equal(t, outdir+"test_merged_evt.fits", res.MergedEvent)
	merged, err := f.store.OpenTable(res.MergedEvent)
	require.NoError(t, err)
	defer merged.Close()
	assert.Equal(t, int64(42), merged.Rows())

	asol, ok := merged.Keyword("ASOLFILE")
	assert.True(t, ok)
	assert.Equal(t, "Merged", asol)

	// Both reprojected files carry the reference tangent point.
	ra, _, err := f.geom.TangentPoint(res.ReprojEvents[0])
	require.NoError(t, err)
	assert.InDelta(t, 150.05, ra, 1e-6)

	// The RA_NOM spread (0.1 degrees) is over its divergence limit.
	keys := make([]string, len(res.Divergences))
	for i, d := range res.Divergences {
		keys[i] = d.Key
	}
	assert.Contains(t, keys, "RA_NOM")

	// Ancillary bindings: aspect from the headers, bad-pixel and mask
	// degraded to their sentinels.
	rec := res.Records[0]
	assert.Equal(t, []string{"pcadf4425_asol1.fits"}, rec.Ancillary(AncAsol).Files)
	assert.Equal(t, AncCaldb, rec.Ancillary(AncBpix).Sentinel)
	assert.Equal(t, AncNone, rec.Ancillary(AncMask).Sentinel)
}

// TestPipeline_Run_Logging tests the run lifecycle messages: one start
// line and one completion line, both carrying the run ID.
func TestPipeline_Run_Logging(t *testing.T) {
	f := newPipelineFixture(t)

	var buf bytes.Buffer
	f.pipe.Log = slog.New(slog.NewTextHandler(&buf, nil))

	res, err := f.pipe.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "merge run starting")
	assert.Contains(t, out, "observations=2")
	assert.Contains(t, out, "merge run completed")
	assert.Contains(t, out, "run_id="+res.RunID)
}

// TestPipeline_Run_Clobber tests the existing-output screen.
func TestPipeline_Run_Clobber(t *testing.T) {
	f := newPipelineFixture(t)
	merged := MergedEventName(f.pipe.Params.OutDir, f.pipe.Params.OutHead)
	require.NoError(t, os.WriteFile(merged, []byte("x"), 0o644))

	_, err := f.pipe.Run(context.Background())
	require.Error(t, err)
	var cfg *ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Contains(t, cfg.Message, "clobber")

	f.pipe.Params.Clobber = true
	_, err = f.pipe.Run(context.Background())
	assert.NoError(t, err)
}

// TestPipeline_Run_XYGrid tests the explicit-grid path: non-overlapping
// observations are dropped and the user range pins the grid.
func TestPipeline_Run_XYGrid(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.AddTable("e3.fits", 7,
		acisHeader("4427", 3000, map[string]string{"RA_NOM": "150.1"}), acisColumns())
	f.pipe.Params.InFiles = "e1.fits,e2.fits,e3.fits"
	f.pipe.Params.XYGrid = "3000:5000:#250,3500:4500:#500"

	rect := grid.Rect{XLo: 3000, XHi: 5000, YLo: 3500, YHi: 4500}
	f.geom.ChipsByExpr = map[string][]int{
		"e1.fits" + rect.Filter(): {0, 1},
		"e2.fits" + rect.Filter(): {2},
	}

	res, err := f.pipe.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Equal(t, "4425", res.Records[0].ObsId.ID)
	assert.Equal(t, "4426", res.Records[1].ObsId.ID)

	require.Len(t, res.Grid, 2)
	assert.Equal(t, grid.Axis{Lo: 3000, Hi: 5000, Size: 8}, res.Grid[0].X)
	assert.Equal(t, grid.Axis{Lo: 3500, Hi: 4500, Size: 8}, res.Grid[0].Y)
}

// TestPipeline_Run_LookupFile tests that a configured rule table file
// reaches the merge tool.
func TestPipeline_Run_LookupFile(t *testing.T) {
	f := newPipelineFixture(t)

	lookup := filepath.Join(t.TempDir(), "rules.txt")
	require.NoError(t, os.WriteFile(lookup, []byte("OBS_ID SKIP\n"), 0o644))
	f.pipe.Params.Lookup = lookup

	_, err := f.pipe.Run(context.Background())
	require.NoError(t, err)

	var mergeCall *dmio.ToolCall
	for _, c := range f.tools.Calls() {
		if c.Tool == "merge" {
			call := c
			mergeCall = &call
		}
	}
	require.NotNil(t, mergeCall)
	assert.Equal(t, "OBS_ID SKIP\n", mergeCall.Details["lookup"])
}

// TestPipeline_Run_BadInput tests input resolution failures.
func TestPipeline_Run_BadInput(t *testing.T) {
	f := newPipelineFixture(t)

	f.pipe.Params.InFiles = ""
	_, err := f.pipe.Run(context.Background())
	assert.ErrorIs(t, err, ErrEmptyStack)

	f.pipe.Params.InFiles = "missing.fits"
	_, err = f.pipe.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoValidFiles)
}

// TestPerBandArtifacts tests the per-band artifact naming.
func TestPerBandArtifacts(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{
		addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil),
		addACISEvents(t, s, "e2.fits", "4426", 2000, 10, nil),
	}

	band := PerBandArtifacts(recs, "out/", "test_", "broad")
	assert.Equal(t, "broad", band.Band)
	assert.Equal(t, []string{
		"out/test_4425_broad_thresh.img",
		"out/test_4426_broad_thresh.img",
	}, band.Images)
	assert.Equal(t, []string{
		"out/test_4425_broad_thresh.expmap",
		"out/test_4426_broad_thresh.expmap",
	}, band.Expmaps)
	assert.Equal(t, []string{
		"out/test_4425_broad_thresh.psfmap",
		"out/test_4426_broad_thresh.psfmap",
	}, band.PSFMaps)
}

// TestPipeline_CombineImages tests per-band coaddition and PSF map
// combination.
func TestPipeline_CombineImages(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipe.Params.PSFMerge = PSFMergeMin

	recs := []*Observation{
		mustObservation(t, f.store, "e1.fits"),
		mustObservation(t, f.store, "e2.fits"),
	}
	band := PerBandArtifacts(recs, f.pipe.Params.OutDir, f.pipe.Params.OutHead, "broad")

	one := func(v float64) *dmio.Image {
		return &dmio.Image{Header: map[string]string{}, Shape: [2]int{1, 1}, Pixels: []float64{v}}
	}
	for i := range recs {
		f.store.AddImage(band.Images[i], one(float64(i+1)))
		f.store.AddImage(band.Expmaps[i], one(100))
		f.store.AddImage(band.PSFMaps[i], one(float64(i+3)))
	}

	err := f.pipe.CombineImages(context.Background(), recs, []BandArtifacts{band})
	require.NoError(t, err)

	outdir, outhead := f.pipe.Params.OutDir, f.pipe.Params.OutHead

	img, err := f.store.ReadImage(CoaddImageName(outdir, outhead, "broad", true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, img.Pixels[0])

	flux, err := f.store.ReadImage(CoaddFluxName(outdir, outhead, "broad"))
	require.NoError(t, err)
	assert.InDelta(t, 3.0/200.0, flux.Pixels[0], 1e-9)

	psf, err := f.store.ReadImage(CoaddPSFMapName(outdir, outhead, "broad", true))
	require.NoError(t, err)
	assert.Equal(t, 3.0, psf.Pixels[0])
}

// TestPipeline_CombineImages_CountMismatch tests the artifact-count
// screen.
func TestPipeline_CombineImages_CountMismatch(t *testing.T) {
	f := newPipelineFixture(t)
	recs := []*Observation{mustObservation(t, f.store, "e1.fits")}

	band := BandArtifacts{Band: "broad", Images: []string{"a.img", "b.img"}}
	err := f.pipe.CombineImages(context.Background(), recs, []BandArtifacts{band})

	var cfg *ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Contains(t, cfg.Message, "broad")
}
