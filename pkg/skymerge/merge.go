package skymerge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/header"
)

// Columns whose subspace components differ between observations and
// would otherwise fragment the merged GTI blocks. CLKTICKS/AV1/AU1
// changed meaning across processing versions; the frame counters can
// legitimately differ per ObsId.
var (
	stripSubspaceACIS = []string{"expno"}
	stripSubspaceHRC  = []string{"clkticks", "av1", "au1", "mjf", "mnf", "endmnf", "sub_mjf"}
)

// AncillaryEdits holds the post-merge values for the ancillary file
// keywords. An empty field skips that keyword.
type AncillaryEdits struct {
	Asol string
	Bpix string
	Dtf  string
	Mask string
}

// MergedAncillaryEdits marks all four ancillary keywords as "Merged",
// since the per-observation references no longer apply to the combined
// file.
func MergedAncillaryEdits() AncillaryEdits {
	return AncillaryEdits{Asol: "Merged", Bpix: "Merged", Dtf: "Merged", Mask: "Merged"}
}

// MergeOptions controls one event-file merge.
type MergeOptions struct {
	// Records are the observations the inputs came from, in input
	// order. Required for column filtering and rule specialization;
	// may be nil when neither is wanted.
	Records []*Observation

	// ColumnFilter restricts the merge to the columns common to all
	// inputs (shape-identical, PHAS always excluded on ACIS).
	ColumnFilter bool

	// Rules is the header reconciliation table handed to the merge
	// tool, specialized against the record headers first. Nil skips the
	// lookup entirely.
	Rules []header.Entry

	// Edits are the ancillary keyword rewrites applied after the merge.
	Edits AncillaryEdits
}

// Merger combines reprojected event files into one.
type Merger struct {
	Store  dmio.Store
	Tools  dmio.Tools
	Log    *slog.Logger
	TmpDir string
}

// Merge merges inputs into output. A single input still goes through
// the merge tool so the output carries the same provenance either way.
//
// Before the merge the declared SKY ranges of the inputs are unified in
// place (union, normalized outward to half-integers) so the merged file
// gets one consistent range. Column filtering keeps the intersection of
// shape-identical columns in first-file order. For HRC data whose PI
// ranges disagree the PI column is dropped with a warning, and the
// merge runs through a temporary file so a second pass can strip the
// residual PI subspace.
func (m *Merger) Merge(ctx context.Context, inputs []string, output string, opts MergeOptions) error {
	if len(inputs) == 0 {
		return ErrEmptyStack
	}
	if len(inputs) == 1 {
		m.Log.Info("copying reprojected events file", "output", output)
	} else {
		m.Log.Info("merging reprojected events files", "count", len(inputs), "output", output)
	}

	instrument := ""
	if len(opts.Records) > 0 {
		if inst := opts.Records[0].Instrument; inst == "ACIS" || inst == "HRC" {
			instrument = inst
		}
	}

	if err := m.unifySkyRanges(inputs); err != nil {
		return err
	}

	exclude := make(map[string]bool)
	if instrument != "HRC" {
		// PHAS is large, may differ in format between FAINT and VFAINT
		// data, and has no use in a merged file.
		exclude["phas"] = true
	}

	columnFilter := ""
	hrcPICase := false
	if opts.ColumnFilter && len(opts.Records) > 0 {
		var err error
		columnFilter, hrcPICase, err = m.intersectColumns(opts.Records, instrument, exclude)
		if err != nil {
			return err
		}
	} else if instrument == "ACIS" {
		columnFilter = "[cols -phas]"
	}

	var strip []string
	switch instrument {
	case "ACIS":
		strip = stripSubspaceACIS
	case "HRC":
		strip = stripSubspaceHRC
	default:
		strip = append(append([]string{}, stripSubspaceACIS...), stripSubspaceHRC...)
	}
	for _, name := range strip {
		exclude[name] = true
	}

	subspace := make([]string, 0, len(exclude))
	for _, name := range orderedKeys(exclude) {
		subspace = append(subspace, "-"+name)
	}
	subspaceFilter := strings.Join(subspace, ",")

	lookup := ""
	if opts.Rules != nil {
		rules := opts.Rules
		if len(opts.Records) > 0 {
			headers := make([]map[string]string, len(opts.Records))
			for i, rec := range opts.Records {
				headers[i] = rec.Header
			}
			rules = header.Specialize(rules, headers)
		}
		lookup = header.FormatTable(rules)
	}

	m.Log.Debug("merge filters",
		"columns", columnFilter, "subspace", subspaceFilter)

	mergeOut := output
	if hrcPICase {
		tmp := m.tempName(".merged")
		mergeOut = tmp
		defer func() {
			if err := m.Store.Remove(tmp); err != nil {
				m.Log.Warn("could not remove intermediate merge", "file", tmp, "error", err)
			}
		}()
		m.Log.Debug("merging to a temporary file to strip the PI subspace", "file", mergeOut)
	}

	if err := m.Tools.Merge(ctx, inputs, mergeOut, columnFilter, subspaceFilter, lookup); err != nil {
		return &ToolError{Tool: "merge", File: output, Err: err}
	}

	if hrcPICase {
		// The merge drops the column; the subspace needs its own pass.
		if err := m.Store.Copy(mergeOut+"[subspace -pi]", output); err != nil {
			return &ToolError{Tool: "copy", File: output, Err: err}
		}
	}

	return m.editAncillaryKeywords(output, opts.Edits)
}

// intersectColumns computes the "[cols ...]" filter keeping columns
// present, shape-identical, and (for HRC PI) range-identical across all
// records, in first-record order. Returns the filter, whether the HRC
// PI special case fired, and ErrNoCommonColumns when nothing survives.
func (m *Merger) intersectColumns(records []*Observation, instrument string, exclude map[string]bool) (string, bool, error) {
	first := records[0]
	byName := make(map[string]dmio.Column, len(first.Columns))
	count := make(map[string]int, len(first.Columns))
	for _, c := range first.Columns {
		byName[c.Name] = c
		count[c.Name] = 1
	}

	hrcPICase := false
	for _, rec := range records[1:] {
		for _, c := range rec.Columns {
			if exclude[strings.ToLower(c.Name)] {
				continue
			}

			c0, ok := byName[c.Name]
			if !ok {
				exclude[strings.ToLower(c.Name)] = true
				continue
			}
			if !c.SameShape(c0) {
				exclude[strings.ToLower(c.Name)] = true
				continue
			}

			// Old HRC data can declare PI as 0:255 where reprocessed
			// data uses 0:1023; merging the two corrupts the column.
			if instrument == "HRC" && strings.EqualFold(c.Name, "PI") && c.Range != c0.Range {
				if !hrcPICase {
					m.Log.Warn("dropping the PI column from the merged event file")
					m.Log.Debug("PI range mismatch",
						"first", fmt.Sprintf("%g:%g", c0.Range.Lo, c0.Range.Hi),
						"other", fmt.Sprintf("%g:%g", c.Range.Lo, c.Range.Hi))
					hrcPICase = true
				}
				exclude[strings.ToLower(c.Name)] = true
				continue
			}

			count[c.Name]++
		}
	}

	for name, n := range count {
		if n != len(records) {
			exclude[strings.ToLower(name)] = true
		}
	}

	// The merge tool wants the same column order in every file; use
	// the first file's ordering.
	var keep []string
	for _, c := range first.Columns {
		if exclude[strings.ToLower(c.Name)] {
			continue
		}
		keep = append(keep, c.Name)
	}
	if len(keep) == 0 {
		return "", false, ErrNoCommonColumns
	}

	return "[cols " + strings.Join(keep, ",") + "]", hrcPICase, nil
}

// unifySkyRanges checks whether the declared SKY ranges of the inputs
// agree and, when they do not, rewrites each file's range in place to
// the normalized union. Leaving the ranges inconsistent makes the merge
// tool pick an arbitrary file's range for the output.
func (m *Merger) unifySkyRanges(inputs []string) error {
	xr, yr, err := m.findSkyRange(inputs)
	if err != nil {
		return err
	}
	if xr == nil && yr == nil {
		return nil
	}

	if xr != nil {
		lo, hi := NormalizeRange(xr[0], xr[1])
		if lo != xr[0] || hi != xr[1] {
			m.Log.Debug("normalizing x range",
				"from", fmt.Sprintf("%g:%g", xr[0], xr[1]),
				"to", fmt.Sprintf("%g:%g", lo, hi))
		}
		xr[0], xr[1] = lo, hi
	}
	if yr != nil {
		lo, hi := NormalizeRange(yr[0], yr[1])
		if lo != yr[0] || hi != yr[1] {
			m.Log.Debug("normalizing y range",
				"from", fmt.Sprintf("%g:%g", yr[0], yr[1]),
				"to", fmt.Sprintf("%g:%g", lo, hi))
		}
		yr[0], yr[1] = lo, hi
	}

	for _, input := range inputs {
		if err := m.updateSkyRange(input, xr, yr); err != nil {
			return err
		}
	}
	return nil
}

// findSkyRange collects the declared x/y column ranges of the inputs.
// The returned ranges are nil when every file already agrees, otherwise
// the (min lo, max hi) union.
func (m *Merger) findSkyRange(inputs []string) (xr, yr *[2]float64, err error) {
	var xlo, xhi, ylo, yhi []float64
	for _, input := range inputs {
		tbl, err := m.Store.OpenTable(input)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", input, err)
		}

		x, y, cerr := skyColumns(tbl)
		tbl.Close()
		if cerr != nil {
			return nil, nil, fmt.Errorf("%s: %w", input, cerr)
		}

		xlo = append(xlo, x.Range.Lo)
		xhi = append(xhi, x.Range.Hi)
		ylo = append(ylo, y.Range.Lo)
		yhi = append(yhi, y.Range.Hi)
	}

	if !allEqual(xlo) || !allEqual(xhi) {
		xr = &[2]float64{minOf(xlo), maxOf(xhi)}
	}
	if !allEqual(ylo) || !allEqual(yhi) {
		yr = &[2]float64{minOf(ylo), maxOf(yhi)}
	}
	return xr, yr, nil
}

func (m *Merger) updateSkyRange(input string, xr, yr *[2]float64) error {
	if xr == nil && yr == nil {
		return nil
	}

	tbl, err := m.Store.OpenTableUpdate(input)
	if err != nil {
		return fmt.Errorf("open %s for update: %w", input, err)
	}
	defer tbl.Close()

	if xr != nil {
		if err := tbl.SetColumnRange("x", xr[0], xr[1]); err != nil {
			return fmt.Errorf("update x range of %s: %w", input, err)
		}
	}
	if yr != nil {
		if err := tbl.SetColumnRange("y", yr[0], yr[1]); err != nil {
			return fmt.Errorf("update y range of %s: %w", input, err)
		}
	}
	return nil
}

// editAncillaryKeywords rewrites the ancillary file keywords in the
// merged output. A keyword is only rewritten when it already exists:
// the merge decides which keywords survive, this pass only corrects
// their values.
func (m *Merger) editAncillaryKeywords(output string, edits AncillaryEdits) error {
	wanted := []struct {
		key   string
		value string
	}{
		{"ASOLFILE", edits.Asol},
		{"BPIXFILE", edits.Bpix},
		{"DTFFILE", edits.Dtf},
		{"MASKFILE", edits.Mask},
	}

	tbl, err := m.Store.OpenTableUpdate(output)
	if err != nil {
		return fmt.Errorf("open %s for update: %w", output, err)
	}
	defer tbl.Close()

	edited := 0
	for _, w := range wanted {
		if w.value == "" {
			continue
		}
		if _, ok := tbl.Keyword(w.key); !ok {
			continue
		}
		if err := tbl.SetKeyword(w.key, w.value); err != nil {
			return fmt.Errorf("edit %s in %s: %w", w.key, output, err)
		}
		edited++
	}

	if edited == 0 {
		m.Log.Debug("no ancillary file keywords to edit", "file", output)
	} else {
		m.Log.Debug("edited ancillary file keywords", "file", output, "count", edited)
	}
	return nil
}

// NormalizeRange widens a range outward to the enclosing half-integer
// bounds, so the merged file's sky range always lands on pixel edges.
//
//	(-123.6, 235.9) -> (-124.5, 236.5)
//	(0.5, 10.5)     -> (0.5, 10.5)
func NormalizeRange(lo, hi float64) (nlo, nhi float64) {
	b := math.Floor(lo)
	if lo-b >= 0.5 {
		nlo = b + 0.5
	} else {
		nlo = b - 0.5
	}

	b = math.Floor(hi)
	if hi-b > 0.5 {
		nhi = b + 1.5
	} else {
		nhi = b + 0.5
	}
	return nlo, nhi
}

func skyColumns(tbl dmio.Table) (x, y dmio.Column, err error) {
	var gotX, gotY bool
	for _, c := range tbl.Columns() {
		switch strings.ToLower(c.Name) {
		case "x":
			x, gotX = c, true
		case "y":
			y, gotY = c, true
		}
	}
	if !gotX || !gotY {
		return x, y, fmt.Errorf("no sky (x, y) columns")
	}
	if !x.Range.Valid || !y.Range.Valid {
		return x, y, fmt.Errorf("sky columns have no declared range")
	}
	return x, y, nil
}

func allEqual(vs []float64) bool {
	for _, v := range vs[1:] {
		if v != vs[0] {
			return false
		}
	}
	return true
}

func minOf(vs []float64) float64 {
	out := vs[0]
	for _, v := range vs[1:] {
		if v < out {
			out = v
		}
	}
	return out
}

func maxOf(vs []float64) float64 {
	out := vs[0]
	for _, v := range vs[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func orderedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	// Deterministic tool arguments make run histories diffable.
	sort.Strings(out)
	return out
}

func (m *Merger) tempName(suffix string) string {
	dir := m.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "skymerge-"+uuid.NewString()+suffix)
}
