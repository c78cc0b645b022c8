package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/skymerge/pkg/skymerge"
	"github.com/randalmurphal/skymerge/pkg/skymerge/config"
	"github.com/randalmurphal/skymerge/pkg/skymerge/drivers/ciao"
	"github.com/randalmurphal/skymerge/pkg/skymerge/observability"
)

// cliFlags holds the command-line parameter surface. Values given on
// the command line override the config file.
type cliFlags struct {
	configFile string
	verbose    bool

	refcoord string
	binsize  float64
	maxsize  int
	xygrid   string
	colcheck bool
	bands    []string
	psfmerge string
	lookup   string
	asol     string
	bpix     string
	mask     string
	dtf      string
	tmpdir   string
	journal  string
	parallel bool
	clobber  bool
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "skymerge <infiles> <outroot>",
		Short: "Reproject and merge X-ray event files",
		Long: `skymerge validates a stack of event files, reprojects each one to a
common tangent point, and merges the results into a single event file.

The infiles argument is a stack: a comma-separated list, a @listfile,
or a glob. The outroot argument prefixes every output name; a trailing
path separator makes it a directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, flags, args[0], args[1])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.Flags()
	f.StringVar(&flags.configFile, "config", "", "YAML/JSON parameter file")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	f.StringVar(&flags.refcoord, "refcoord", "", "reference position: 'ra dec' in decimal degrees, or a file")
	f.Float64Var(&flags.binsize, "binsize", 0, "sky binning in pixels (0 = instrument default)")
	f.IntVar(&flags.maxsize, "maxsize", 0, "cap on the output grid extent in pixels")
	f.StringVar(&flags.xygrid, "xygrid", "", "explicit output grid: xlo:xhi:#nx,ylo:yhi:#ny")
	f.BoolVar(&flags.colcheck, "colcheck", true, "require the instrument's standard columns")
	f.StringSliceVar(&flags.bands, "bands", nil, "energy band labels whose per-obsid images to coadd")
	f.StringVar(&flags.psfmerge, "psfmerge", "", "PSF map combination mode (min/max/mean/median/mid/exptime/expmap)")
	f.StringVar(&flags.lookup, "lookup", "", "header reconciliation rule table file")
	f.StringVar(&flags.asol, "asolfiles", "", "aspect solution stack (empty = from headers)")
	f.StringVar(&flags.bpix, "badpixfiles", "", "bad-pixel file stack (empty = from headers, none, caldb)")
	f.StringVar(&flags.mask, "maskfiles", "", "mask file stack (empty = from headers, none)")
	f.StringVar(&flags.dtf, "dtffiles", "", "dead-time factor stack, HRC only (empty = from headers, none)")
	f.StringVar(&flags.tmpdir, "tmpdir", "", "directory for intermediate files")
	f.StringVar(&flags.journal, "journal", "", "task journal SQLite path (empty = in memory)")
	f.BoolVar(&flags.parallel, "parallel", true, "reproject observations concurrently")
	f.BoolVar(&flags.clobber, "clobber", false, "overwrite existing outputs")

	return cmd
}

func runMerge(cmd *cobra.Command, flags *cliFlags, infiles, outroot string) error {
	params, err := resolveParams(cmd, flags)
	if err != nil {
		return err
	}
	params.InFiles = infiles
	params.OutDir, params.OutHead = splitOutRoot(outroot)

	if params.OutDir != "" {
		if err := os.MkdirAll(params.OutDir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	metrics := observability.NewMetricsRecorder()
	driver := ciao.New(
		ciao.WithLogger(log),
		ciao.WithMetrics(metrics),
		ciao.WithTmpDir(params.TmpDir),
	)

	pipe := &skymerge.Pipeline{
		Store:   driver,
		Tools:   driver,
		Geom:    driver,
		Log:     log,
		Params:  params,
		Metrics: metrics,
		Spans:   observability.NewSpanManager(),
	}

	res, err := pipe.Run(cmd.Context())
	if err != nil {
		return err
	}

	if bands := combinableBands(res.Records, params); len(bands) > 0 {
		if err := pipe.CombineImages(cmd.Context(), res.Records, bands); err != nil {
			return err
		}
	}

	log.Info("merge complete",
		"run_id", res.RunID,
		"observations", len(res.Records),
		"output", res.MergedEvent)
	return nil
}

// combinableBands returns the band artifact sets whose per-observation
// images and exposure maps all exist on disk. Bands with missing
// artifacts are skipped; PSF maps are optional per band.
func combinableBands(records []*skymerge.Observation, params config.Params) []skymerge.BandArtifacts {
	var out []skymerge.BandArtifacts
	for _, band := range params.Bands {
		art := skymerge.PerBandArtifacts(records, params.OutDir, params.OutHead, band)
		if !allExist(art.Images) || !allExist(art.Expmaps) {
			continue
		}
		if !allExist(art.PSFMaps) {
			art.PSFMaps = nil
		}
		out = append(out, art)
	}
	return out
}

func allExist(files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// resolveParams loads the config file (when given) and lets explicitly
// set flags override it.
func resolveParams(cmd *cobra.Command, flags *cliFlags) (config.Params, error) {
	params := config.Default()
	if flags.configFile != "" {
		var err error
		params, err = config.Load(flags.configFile)
		if err != nil {
			return config.Params{}, err
		}
	}

	set := cmd.Flags().Changed
	if set("refcoord") {
		params.RefCoord = flags.refcoord
	}
	if set("binsize") {
		params.Binsize = flags.binsize
	}
	if set("maxsize") {
		params.MaxSize = flags.maxsize
	}
	if set("xygrid") {
		params.XYGrid = flags.xygrid
	}
	if set("colcheck") {
		params.ColCheck = flags.colcheck
	}
	if set("bands") {
		params.Bands = flags.bands
	}
	if set("psfmerge") {
		params.PSFMerge = flags.psfmerge
	}
	if set("lookup") {
		params.Lookup = flags.lookup
	}
	if set("asolfiles") {
		params.Asol = flags.asol
	}
	if set("badpixfiles") {
		params.Bpix = flags.bpix
	}
	if set("maskfiles") {
		params.Mask = flags.mask
	}
	if set("dtffiles") {
		params.Dtf = flags.dtf
	}
	if set("tmpdir") {
		params.TmpDir = flags.tmpdir
	}
	if set("journal") {
		params.Journal = flags.journal
	}
	if set("parallel") {
		params.Parallel = flags.parallel
	}
	if set("clobber") {
		params.Clobber = flags.clobber
	}
	if err := params.Validate(); err != nil {
		return config.Params{}, err
	}
	return params, nil
}

// splitOutRoot splits the outroot argument into the output directory
// (with trailing separator) and the file-name head. "out/merged_"
// becomes ("out/", "merged_"); "out/" becomes ("out/", "").
func splitOutRoot(outroot string) (dir, head string) {
	if outroot == "" {
		return "", ""
	}
	if strings.HasSuffix(outroot, string(os.PathSeparator)) || strings.HasSuffix(outroot, "/") {
		return outroot, ""
	}
	d, h := filepath.Split(outroot)
	return d, h
}
