// Package config provides the run parameter surface: the typed
// parameter set the merge pipeline consumes, loadable from YAML/JSON
// files, with defaults and validation.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Default sky binning per instrument, applied when binsize is left as
// INDEF. The HRC pixel is roughly a quarter the size of the ACIS pixel
// and its field holds many more of them.
const (
	DefaultBinACIS = 8.0
	DefaultBinHRC  = 32.0
)

// Params is the resolved run parameter set. The field tags name the
// keys accepted in parameter files.
type Params struct {
	// InFiles is the input event file stack expression.
	InFiles string `yaml:"infiles" json:"infiles"`

	// OutDir/OutHead prefix every output file name.
	OutDir  string `yaml:"outdir" json:"outdir"`
	OutHead string `yaml:"outhead" json:"outhead"`

	// RefCoord is the reference position: empty (average the tangent
	// points), "ra dec" in decimal degrees, or a file name.
	RefCoord string `yaml:"refcoord" json:"refcoord"`

	// Binsize is the sky binning in detector pixels; 0 means INDEF
	// (instrument default, or 1 when MaxSize is set).
	Binsize float64 `yaml:"binsize" json:"binsize"`

	// MaxSize caps the output image extent in pixels; 0 disables.
	MaxSize int `yaml:"maxsize" json:"maxsize"`

	// XYGrid pins the output grid explicitly; empty derives it from
	// the data.
	XYGrid string `yaml:"xygrid" json:"xygrid"`

	// Bands are the energy band labels to build images for.
	Bands []string `yaml:"bands" json:"bands"`

	// ColCheck enables the required-column validation screen.
	ColCheck bool `yaml:"colcheck" json:"colcheck"`

	// PSFMerge selects the PSF map combination mode; empty skips PSF
	// map combination.
	PSFMerge string `yaml:"psfmerge" json:"psfmerge"`

	// Lookup is the header reconciliation rule table file.
	Lookup string `yaml:"lookup" json:"lookup"`

	// Ancillary file specs: empty uses the header references,
	// "none"/"caldb" bind the sentinel, anything else is a stack.
	Asol string `yaml:"asolfiles" json:"asolfiles"`
	Bpix string `yaml:"badpixfiles" json:"badpixfiles"`
	Mask string `yaml:"maskfiles" json:"maskfiles"`
	Dtf  string `yaml:"dtffiles" json:"dtffiles"`

	// TmpDir holds intermediate files.
	TmpDir string `yaml:"tmpdir" json:"tmpdir"`

	// Journal is the task journal SQLite path; empty keeps the journal
	// in memory.
	Journal string `yaml:"journal" json:"journal"`

	// Parallel runs independent tasks concurrently.
	Parallel bool `yaml:"parallel" json:"parallel"`

	// Clobber overwrites existing outputs.
	Clobber bool `yaml:"clobber" json:"clobber"`
}

// Default returns the documented parameter defaults.
func Default() Params {
	return Params{
		ColCheck: true,
		Parallel: true,
	}
}

// psfMergeModes are the accepted psfmerge values.
var psfMergeModes = map[string]bool{
	"min": true, "max": true, "mean": true, "median": true,
	"mid": true, "exptime": true, "expmap": true,
}

// Validate screens the parameter values that can be checked without
// touching the data: numeric signs, the psfmerge mode, the xygrid
// syntax, and an explicit refcoord pair.
func (p Params) Validate() error {
	if p.Binsize < 0 {
		return fmt.Errorf("binsize must not be negative, got %g", p.Binsize)
	}
	if p.MaxSize < 0 {
		return fmt.Errorf("maxsize must not be negative, got %d", p.MaxSize)
	}
	if p.PSFMerge != "" && !psfMergeModes[p.PSFMerge] {
		return fmt.Errorf("unknown psfmerge mode %q (want min, max, mean, median, mid, exptime or expmap)",
			p.PSFMerge)
	}
	if p.XYGrid != "" {
		if _, err := ParseXYGrid(p.XYGrid); err != nil {
			return err
		}
	}
	// A refcoord that parses as a coordinate pair must be on the sky;
	// anything else is treated as a file name and checked at run time.
	if _, dec, ok := coordPair(p.RefCoord); ok {
		if dec < -90 || dec > 90 {
			return fmt.Errorf("refcoord declination %g is outside [-90, 90]", dec)
		}
	}
	return nil
}

// coordPair parses "ra dec" or "ra,dec" in decimal degrees.
func coordPair(s string) (ra, dec float64, ok bool) {
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

// ResolveBinsize returns the effective sky binning. An unset binsize
// falls back to the instrument default, except that an explicit MaxSize
// forces full resolution so the size cap controls the pixel scale.
func (p Params) ResolveBinsize(instrument string) float64 {
	if p.Binsize > 0 {
		return p.Binsize
	}
	if p.MaxSize > 0 {
		return 1
	}
	if instrument == "HRC" {
		return DefaultBinHRC
	}
	return DefaultBinACIS
}

// XYGridSpec is a parsed explicit output grid.
type XYGridSpec struct {
	XLo, XHi float64
	YLo, YHi float64
	NX, NY   int
}

// ParseXYGrid parses an explicit grid of the form
//
//	xlo:xhi:#nx,ylo:yhi:#ny
//
// where the '#' marks a bin count rather than a bin size.
func ParseXYGrid(s string) (XYGridSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return XYGridSpec{}, fmt.Errorf("xygrid must have an x and a y part: %q", s)
	}

	var spec XYGridSpec
	var err error
	spec.XLo, spec.XHi, spec.NX, err = parseGridAxis(parts[0])
	if err != nil {
		return XYGridSpec{}, fmt.Errorf("xygrid x axis: %w", err)
	}
	spec.YLo, spec.YHi, spec.NY, err = parseGridAxis(parts[1])
	if err != nil {
		return XYGridSpec{}, fmt.Errorf("xygrid y axis: %w", err)
	}
	return spec, nil
}

func parseGridAxis(s string) (lo, hi float64, n int, err error) {
	toks := strings.Split(strings.TrimSpace(s), ":")
	if len(toks) != 3 {
		return 0, 0, 0, fmt.Errorf("expected lo:hi:#n, got %q", s)
	}

	lo, err = strconv.ParseFloat(toks[0], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unreadable lower bound %q", toks[0])
	}
	hi, err = strconv.ParseFloat(toks[1], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unreadable upper bound %q", toks[1])
	}
	if lo >= hi {
		return 0, 0, 0, fmt.Errorf("empty axis range %g:%g", lo, hi)
	}

	count := strings.TrimSpace(toks[2])
	if !strings.HasPrefix(count, "#") {
		return 0, 0, 0, fmt.Errorf("bin count must start with '#', got %q", count)
	}
	n, err = strconv.Atoi(count[1:])
	if err != nil || n < 1 {
		return 0, 0, 0, fmt.Errorf("unreadable bin count %q", count)
	}
	return lo, hi, n, nil
}
