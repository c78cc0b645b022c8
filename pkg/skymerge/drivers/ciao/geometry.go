package ciao

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/grid"
)

// Chip coordinate extents per instrument, used to sample the corners
// when computing an observation's sky footprint.
var chipExtent = map[string]float64{
	"ACIS":  1024.5,
	"HRC-I": 16384.5,
	"HRC-S": 4096.5,
}

// TangentPoint implements dmio.Geometry via dmkeypar.
func (d *Driver) TangentPoint(path string) (float64, float64, error) {
	ctx := context.Background()

	ra, err := d.keywordFloat(ctx, path, "RA_NOM")
	if err != nil {
		return 0, 0, err
	}
	dec, err := d.keywordFloat(ctx, path, "DEC_NOM")
	if err != nil {
		return 0, 0, err
	}
	return ra, dec, nil
}

// ObservationGrid implements dmio.Geometry. Each chip's corners are
// mapped to sky coordinates with dmcoords and the bounding box of all
// corners, padded out to whole pixels at the requested binning, is the
// observation footprint.
func (d *Driver) ObservationGrid(path, instrument string, chips []int, bin float64) (grid.Axis, grid.Axis, error) {
	ctx := context.Background()

	extentKey := instrument
	if instrument == "HRC" {
		detnam, err := d.keyword(ctx, path, "DETNAM")
		if err != nil {
			return grid.Axis{}, grid.Axis{}, err
		}
		extentKey = strings.ToUpper(strings.TrimSpace(detnam))
	}
	hi, ok := chipExtent[extentKey]
	if !ok {
		return grid.Axis{}, grid.Axis{}, fmt.Errorf("unknown detector %q in %s", extentKey, path)
	}

	var xlo, xhi, ylo, yhi float64
	first := true
	for _, chip := range chips {
		for _, corner := range [][2]float64{{0.5, 0.5}, {0.5, hi}, {hi, 0.5}, {hi, hi}} {
			x, y, err := d.chipToSky(ctx, path, chip, corner[0], corner[1])
			if err != nil {
				return grid.Axis{}, grid.Axis{}, err
			}
			if first || x < xlo {
				xlo = x
			}
			if first || x > xhi {
				xhi = x
			}
			if first || y < ylo {
				ylo = y
			}
			if first || y > yhi {
				yhi = y
			}
			first = false
		}
	}
	if first {
		return grid.Axis{}, grid.Axis{}, fmt.Errorf("no chips to bound in %s", path)
	}

	xAxis, err := grid.NewAxis(xlo, xhi, bin)
	if err != nil {
		return grid.Axis{}, grid.Axis{}, err
	}
	yAxis, err := grid.NewAxis(ylo, yhi, bin)
	if err != nil {
		return grid.Axis{}, grid.Axis{}, err
	}
	return xAxis, yAxis, nil
}

// Chips implements dmio.Geometry. The chip column's observed value
// range comes from dmstat, then each candidate chip is kept when the
// filtered expression still holds events.
func (d *Driver) Chips(path string) ([]int, error) {
	ctx := context.Background()

	instrument, err := d.keyword(ctx, path, "INSTRUME")
	if err != nil {
		return nil, err
	}
	column := "ccd_id"
	if strings.EqualFold(strings.TrimSpace(instrument), "HRC") {
		column = "chip_id"
	}

	lo, hi, err := d.columnBounds(ctx, path, column)
	if err != nil {
		return nil, err
	}

	var chips []int
	for chip := lo; chip <= hi; chip++ {
		expr := fmt.Sprintf("%s[%s=%d]", path, column, chip)
		out, err := d.run(ctx, "dmlist",
			param("infile", expr),
			param("opt", "counts"),
		)
		if err != nil {
			return nil, err
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64); err == nil && n > 0 {
			chips = append(chips, chip)
		}
	}
	return chips, nil
}

// chipToSky maps one chip coordinate to sky pixels. dmcoords keeps its
// results in its parameter file, read back with pget.
func (d *Driver) chipToSky(ctx context.Context, path string, chip int, chipx, chipy float64) (float64, float64, error) {
	if _, err := d.run(ctx, "dmcoords",
		param("infile", path),
		param("option", "chip"),
		param("chip_id", strconv.Itoa(chip)),
		param("chipx", fmt.Sprintf("%g", chipx)),
		param("chipy", fmt.Sprintf("%g", chipy)),
		param("celfmt", "deg"),
		param("verbose", "0"),
	); err != nil {
		return 0, 0, err
	}

	out, err := d.run(ctx, "pget", "dmcoords", "x", "y")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected dmcoords output %q", strings.TrimSpace(out))
	}
	x, err1 := strconv.ParseFloat(fields[0], 64)
	y, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("unreadable sky position %q", strings.TrimSpace(out))
	}
	return x, y, nil
}

// columnBounds reads a column's observed min/max via dmstat.
func (d *Driver) columnBounds(ctx context.Context, path, column string) (int, int, error) {
	if _, err := d.run(ctx, "dmstat",
		param("infile", fmt.Sprintf("%s[cols %s]", path, column)),
		param("median", "no"),
		param("sigma", "no"),
		param("verbose", "0"),
	); err != nil {
		return 0, 0, err
	}

	out, err := d.run(ctx, "pget", "dmstat", "out_min", "out_max")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected dmstat output %q", strings.TrimSpace(out))
	}
	lo, err1 := strconv.ParseFloat(fields[0], 64)
	hi, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("unreadable column bounds %q", strings.TrimSpace(out))
	}
	return int(lo), int(hi), nil
}

func (d *Driver) keyword(ctx context.Context, path, key string) (string, error) {
	out, err := d.run(ctx, "dmkeypar",
		param("infile", path),
		param("keyword", key),
		"echo+",
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (d *Driver) keywordFloat(ctx context.Context, path, key string) (float64, error) {
	raw, err := d.keyword(ctx, path, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: unreadable %s value %q", path, key, raw)
	}
	return v, nil
}
