package skymerge

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// acisHeader builds a complete ACIS event header. An override with an
// empty value removes the keyword.
func acisHeader(obsid string, tstart float64, overrides map[string]string) map[string]string {
	hdr := map[string]string{
		"OBS_ID":   obsid,
		"INSTRUME": "ACIS",
		"DETNAM":   "ACIS-0123",
		"GRATING":  "NONE",
		"READMODE": "TIMED",
		"DATAMODE": "VFAINT",
		"TSTART":   fmt.Sprintf("%g", tstart),
		"EXPTIME":  "3.2",
		"RA_NOM":   "150.1",
		"DEC_NOM":  "2.2",
		"ROLL_NOM": "55.0",
		"FP_TEMP":  "153.3",
		"SIM_X":    "-0.68",
		"SIM_Y":    "0.0",
		"SIM_Z":    "-190.14",
		"RAND_PI":  "1.0",
		"ASOLFILE": "pcadf" + obsid + "_asol1.fits",
	}
	applyOverrides(hdr, overrides)
	return hdr
}

// hrcHeader builds a complete HRC event header.
func hrcHeader(obsid string, tstart float64, overrides map[string]string) map[string]string {
	hdr := map[string]string{
		"OBS_ID":   obsid,
		"INSTRUME": "HRC",
		"DETNAM":   "HRC-I",
		"GRATING":  "NONE",
		"TSTART":   fmt.Sprintf("%g", tstart),
		"RA_NOM":   "150.1",
		"DEC_NOM":  "2.2",
		"ROLL_NOM": "55.0",
		"SIM_X":    "-0.78",
		"SIM_Y":    "0.0",
		"SIM_Z":    "-126.98",
		"ASOLFILE": "pcadf" + obsid + "_asol1.fits",
	}
	applyOverrides(hdr, overrides)
	return hdr
}

func applyOverrides(hdr, overrides map[string]string) {
	for k, v := range overrides {
		if v == "" {
			delete(hdr, k)
			continue
		}
		hdr[k] = v
	}
}

// acisColumns lists the columns of a standard ACIS event file, with the
// sky (x, y) components carrying declared ranges.
func acisColumns() []dmio.Column {
	return []dmio.Column{
		{Name: "time", Type: "Real8"},
		{Name: "ccd_id", Type: "Int2"},
		{Name: "chip", Type: "Int2", Dims: []int{2}},
		{Name: "det", Type: "Real4", Dims: []int{2}},
		{Name: "sky", Type: "Real4", Dims: []int{2}},
		{Name: "x", Type: "Real4", Range: dmio.Range{Lo: 0.5, Hi: 8192.5, Valid: true}},
		{Name: "y", Type: "Real4", Range: dmio.Range{Lo: 0.5, Hi: 8192.5, Valid: true}},
		{Name: "energy", Type: "Real4"},
		{Name: "pi", Type: "Int4", Range: dmio.Range{Lo: 1, Hi: 1024, Valid: true}},
		{Name: "phas", Type: "Int2", Dims: []int{25}},
	}
}

// hrcColumns lists the columns of a standard HRC event file with the
// given declared PI range.
func hrcColumns(piLo, piHi float64) []dmio.Column {
	return []dmio.Column{
		{Name: "time", Type: "Real8"},
		{Name: "chip_id", Type: "Int2"},
		{Name: "chip", Type: "Int2", Dims: []int{2}},
		{Name: "det", Type: "Real4", Dims: []int{2}},
		{Name: "sky", Type: "Real4", Dims: []int{2}},
		{Name: "x", Type: "Real4", Range: dmio.Range{Lo: 0.5, Hi: 32768.5, Valid: true}},
		{Name: "y", Type: "Real4", Range: dmio.Range{Lo: 0.5, Hi: 32768.5, Valid: true}},
		{Name: "pi", Type: "Int4", Range: dmio.Range{Lo: piLo, Hi: piHi, Valid: true}},
	}
}

// addACISEvents registers an ACIS event table and loads it back as an
// Observation.
func addACISEvents(t *testing.T, s *dmio.MemStore, path, obsid string, tstart float64, rows int64, overrides map[string]string) *Observation {
	t.Helper()
	s.AddTable(path, rows, acisHeader(obsid, tstart, overrides), acisColumns())
	return mustObservation(t, s, path)
}

// addHRCEvents registers an HRC event table and loads it back as an
// Observation.
func addHRCEvents(t *testing.T, s *dmio.MemStore, path, obsid string, tstart float64, rows int64, piLo, piHi float64, overrides map[string]string) *Observation {
	t.Helper()
	s.AddTable(path, rows, hrcHeader(obsid, tstart, overrides), hrcColumns(piLo, piHi))
	return mustObservation(t, s, path)
}

func mustObservation(t *testing.T, s *dmio.MemStore, path string) *Observation {
	t.Helper()
	obs, err := NewObservation(s, path)
	require.NoError(t, err)
	return obs
}
