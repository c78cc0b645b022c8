package skymerge

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
)

// requiredColumns lists the columns every input event file must carry,
// per instrument.
var requiredColumns = map[string][]string{
	"ACIS": {"TIME", "CHIP", "DET", "SKY", "CCD_ID", "ENERGY"},
	"HRC":  {"TIME", "CHIP", "DET", "SKY", "CHIP_ID"},
}

// Validator screens candidate event files into a validated, time-ordered
// observation set. Individual bad files are skipped with a logged
// reason; only an empty result is fatal.
type Validator struct {
	Store dmio.Store
	Log   *slog.Logger

	// SkipColumnCheck disables the required-column screen. Used when a
	// caller knows the files passed a stricter upstream check.
	SkipColumnCheck bool
}

// Validate reads each file, applies the per-file screens, detects
// interleaved and multi-OBI sets, and returns the survivors sorted by
// start time (secondary sub-exposures ahead of primaries at equal
// start times). It returns ErrNoValidFiles when nothing survives.
func (v *Validator) Validate(files []string) ([]*Observation, error) {
	if len(files) == 0 {
		return nil, ErrEmptyStack
	}

	var (
		out        []*Observation
		instrument string
		detname    string
		seen       = make(map[Key]string)
	)

	for _, path := range files {
		v.Log.Debug("checking input file", "file", path)

		obs, err := NewObservation(v.Store, path)
		if err != nil {
			v.Log.Warn("skipping file", "error", err)
			continue
		}

		if obs.Rows() < 1 {
			v.Log.Warn("skipping file as it contains no data", "file", path)
			continue
		}

		// A previously merged file identifies itself this way; merging
		// it again would double-count events.
		if strings.EqualFold(obs.ObsId.ID, "merged") {
			v.Log.Warn("skipping file as it is already a merged product", "file", path)
			continue
		}

		key := obs.ObsId.Key(true)
		if obs.ObsId.HasOBI {
			key.OBI = obs.ObsId.OBI
			key.HasOBI = true
		}
		if prev, dup := seen[key]; dup {
			v.Log.Warn("skipping file with a duplicate ObsId",
				"file", path, "previous", prev, "obsid", obs.ObsId.String())
			continue
		}
		seen[key] = path

		if instrument == "" {
			if _, ok := requiredColumns[obs.Instrument]; !ok {
				v.Log.Warn("skipping file with an unsupported instrument",
					"file", path, "instrument", obs.Instrument)
				continue
			}
			instrument = obs.Instrument
		} else if obs.Instrument != instrument {
			v.Log.Warn("skipping file with a different instrument",
				"file", path, "instrument", obs.Instrument, "previous", instrument)
			continue
		}

		switch instrument {
		case "ACIS":
			readmode, ok := obs.Keyword("READMODE")
			if !ok {
				v.Log.Warn("skipping file as it has no READMODE keyword", "file", path)
				continue
			}
			if readmode == "CONTINUOUS" {
				v.Log.Warn("skipping file as it is a CC-mode observation", "file", path)
				continue
			}

		case "HRC":
			// HRC-I and HRC-S data cannot be combined.
			if detname == "" {
				detname = obs.Detector
			} else if obs.Detector != detname {
				v.Log.Warn("skipping file with a different detector",
					"file", path, "detector", obs.Detector, "previous", detname)
				continue
			}
		}

		if !v.SkipColumnCheck {
			if missing := missingColumns(obs, requiredColumns[instrument]); len(missing) > 0 {
				v.Log.Warn("skipping file with missing columns",
					"file", path, "columns", strings.Join(missing, " "))
				continue
			}
		}

		out = append(out, obs)
	}

	if len(out) == 0 {
		return nil, ErrNoValidFiles
	}

	out, err := v.flagMultiOBI(out)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoValidFiles
	}

	if skipped := len(files) - len(out); skipped > 0 {
		v.Log.Info("skipped observations", "count", skipped)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TStart != out[j].TStart {
			return out[i].TStart < out[j].TStart
		}
		return out[i].ObsId.Cycle.sortTag() < out[j].ObsId.Cycle.sortTag()
	})

	return out, nil
}

// flagMultiOBI finds obsids appearing more than once. An exact
// interleaved pair (one primary plus one secondary sub-exposure) is
// left alone; everything else is a multi-OBI set, whose members get the
// OBI folded into their identity. Members of such a set that carry no
// OBI value are dropped with a logged reason.
func (v *Validator) flagMultiOBI(records []*Observation) ([]*Observation, error) {
	counts := make(map[string][]*Observation)
	for _, rec := range records {
		counts[rec.ObsId.ID] = append(counts[rec.ObsId.ID], rec)
	}

	multi := make(map[string]bool)
	for id, group := range counts {
		if len(group) < 2 {
			continue
		}
		if isInterleavedPair(group) {
			v.Log.Debug("found an interleaved observation", "obsid", id)
			continue
		}
		multi[id] = true
	}
	if len(multi) == 0 {
		return records, nil
	}
	v.Log.Info("found interleaved/multi-OBI observations", "count", len(multi))

	out := records[:0]
	for _, rec := range records {
		if !multi[rec.ObsId.ID] {
			out = append(out, rec)
			continue
		}
		if err := rec.ObsId.SetMultiOBI(true); err != nil {
			v.Log.Warn("skipping file as it has no OBI_NUM keyword",
				"file", rec.EventFile, "obsid", rec.ObsId.ID)
			continue
		}
		v.Log.Info("using multi-OBI label", "label", rec.ObsId.String())
		out = append(out, rec)
	}
	return out, nil
}

// isInterleavedPair reports whether the group is exactly one primary
// and one secondary sub-exposure of the same obsid.
func isInterleavedPair(group []*Observation) bool {
	if len(group) != 2 {
		return false
	}
	a, b := group[0].ObsId.Cycle, group[1].ObsId.Cycle
	return (a == CyclePrimary && b == CycleSecondary) ||
		(a == CycleSecondary && b == CyclePrimary)
}

func missingColumns(obs *Observation, want []string) []string {
	have := make(map[string]bool)
	for _, name := range obs.ColumnNames() {
		have[name] = true
	}
	var missing []string
	for _, name := range want {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// CheckPIRanges warns when the declared PI column ranges of HRC event
// files disagree. Merging such files is still possible (the PI subspace
// is stripped) but combined spectral analysis of the result will be
// unreliable. The returned messages are non-empty when the check fired,
// so callers can repeat the warning at the end of a run.
func (v *Validator) CheckPIRanges(records []*Observation) []string {
	if len(records) == 0 || records[0].Instrument != "HRC" {
		return nil
	}

	var ranges []dmio.Range
	for _, rec := range records {
		if col, ok := rec.Column("PI"); ok && col.Range.Valid {
			ranges = append(ranges, col.Range)
		}
	}
	if len(ranges) == 0 {
		return nil
	}

	mismatch := false
	for _, r := range ranges[1:] {
		if r != ranges[0] {
			mismatch = true
			break
		}
	}
	if !mismatch {
		return nil
	}

	msgs := []string{
		"WARNING: the PI columns of the event files do not match; please reprocess",
		"         with chandra_repro and re-run this script as combined analysis",
		"         of these files will be difficult.",
	}
	for _, m := range msgs {
		v.Log.Warn(m)
	}
	return msgs
}
