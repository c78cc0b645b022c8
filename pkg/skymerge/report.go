package skymerge

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// divergenceLimits are the maximum keyword spreads (max - min) beyond
// which the merged event file should not be used for response
// generation. The values follow the merge tool's header rule table.
var divergenceLimits = map[string]float64{
	"RA_NOM":   0.0003,
	"DEC_NOM":  0.0003,
	"ROLL_NOM": 1.0,
	"FP_TEMP":  2.0,
	"SIM_X":    0.001,
	"SIM_Y":    0.001,
	"SIM_Z":    0.1,
	"RAND_PI":  0.05,
}

// Divergence is one keyword whose values differ too much across the
// observations. Numeric checks set Limit/Spread; string checks set
// Values to the distinct values seen.
type Divergence struct {
	Key    string
	Limit  float64
	Spread float64
	Values []string
}

// String renders the divergence for user-facing warnings.
func (d Divergence) String() string {
	if d.Values != nil {
		return fmt.Sprintf("the %s keyword contains: %s", d.Key, strings.Join(d.Values, " "))
	}
	return fmt.Sprintf("the %s keyword varies by %g (limit is %g)", d.Key, d.Spread, d.Limit)
}

// numericDivergenceKeys lists the spread-checked keywords per
// instrument.
func numericDivergenceKeys(instrument string) []string {
	if instrument == "ACIS" {
		return []string{"RA_NOM", "DEC_NOM", "ROLL_NOM", "FP_TEMP",
			"SIM_X", "SIM_Y", "SIM_Z", "RAND_PI"}
	}
	return []string{"RA_NOM", "DEC_NOM", "ROLL_NOM", "SIM_X", "SIM_Y", "SIM_Z"}
}

// stringDivergenceKeys lists the any-difference-checked keywords per
// instrument. EXPTIME is compared as a string: any difference matters
// since it feeds the dead-time correction.
func stringDivergenceKeys(instrument string) []string {
	if instrument == "ACIS" {
		return []string{"GRATING", "DETNAM", "READMODE", "EXPTIME"}
	}
	return []string{"GRATING", "DETNAM"}
}

// ScanDivergence checks the observation headers for keyword values
// that differ enough to make combined spectral analysis of the merged
// event file unreliable. It fails when a checked keyword is missing
// from any observation.
func ScanDivergence(records []*Observation) ([]Divergence, error) {
	if len(records) == 0 {
		return nil, nil
	}
	instrument := records[0].Instrument

	var out []Divergence

	for _, key := range numericDivergenceKeys(instrument) {
		var lo, hi float64
		for i, rec := range records {
			v, ok := rec.KeywordFloat(key)
			if !ok {
				return nil, fmt.Errorf("ObsId %s (%s) is missing the %s keyword",
					rec.ObsId, rec.EventFile, key)
			}
			if i == 0 || v < lo {
				lo = v
			}
			if i == 0 || v > hi {
				hi = v
			}
		}
		if spread := hi - lo; spread > divergenceLimits[key] {
			out = append(out, Divergence{Key: key, Limit: divergenceLimits[key], Spread: spread})
		}
	}

	for _, key := range stringDivergenceKeys(instrument) {
		seen := make(map[string]bool)
		var values []string
		for _, rec := range records {
			v, ok := rec.Keyword(key)
			if !ok {
				return nil, fmt.Errorf("ObsId %s (%s) is missing the %s keyword",
					rec.ObsId, rec.EventFile, key)
			}
			if !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
		if len(values) > 1 {
			sort.Strings(values)
			out = append(out, Divergence{Key: key, Values: values})
		}
	}

	return out, nil
}

// ReportKeywordDifferences logs, per informational keyword, which
// observations carry which value when the values are not all the same.
// Unlike ScanDivergence a missing keyword is simply skipped here.
func ReportKeywordDifferences(log *slog.Logger, records []*Observation) {
	if len(records) == 0 {
		return
	}

	keys := []string{"DATAMODE", "GRATING", "SIM_X", "SIM_Y"}
	if records[0].Instrument == "ACIS" {
		keys = append(keys, "EXPTIME", "CTI_CORR", "READMODE")
	}

	for _, key := range keys {
		byValue := make(map[string][]string)
		for _, rec := range records {
			if v, ok := rec.Keyword(key); ok {
				byValue[v] = append(byValue[v], rec.ObsId.String())
			}
		}
		if len(byValue) < 2 {
			continue
		}

		values := make([]string, 0, len(byValue))
		for v := range byValue {
			values = append(values, v)
		}
		sort.Strings(values)

		for _, v := range values {
			log.Warn("keyword values differ",
				"keyword", key, "value", v,
				"obsids", strings.Join(byValue[v], " "))
		}
	}
}

// DisplayMergeWarnings logs the end-of-run summary of why the merged
// event file should not feed response generation. DETNAM differences
// are excluded: combining detectors is already screened earlier and a
// residual difference here is informational only.
func DisplayMergeWarnings(log *slog.Logger, evtfile string, divergences []Divergence) {
	var kept []Divergence
	for _, d := range divergences {
		if d.Key == "DETNAM" {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return
	}

	log.Warn("the merged event file should not be used to create ARF/RMF/exposure maps",
		"file", evtfile)
	for _, d := range kept {
		log.Warn(d.String())
		if d.Key == "EXPTIME" && d.Values != nil {
			log.Warn("differing EXPTIME values mean the DTCOR, LIVETIME and EXPOSURE keywords are wrong")
		}
	}
}
