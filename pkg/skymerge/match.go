package skymerge

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/stack"
)

// Matcher binds ancillary files (aspect solutions, bad-pixel files,
// masks, dead-time files) to observations by identity key.
type Matcher struct {
	Store dmio.Store
	Log   *slog.Logger
}

// candidate is one ancillary file with its derived identity.
type candidate struct {
	path  string
	obsid ObsId
}

// Match returns one file per record, matched by identity key. The OBI
// joins the key only for records flagged multi-OBI; candidate files
// inherit that knowledge from the record set. Duplicate-key candidates
// are logged and discarded (first wins). A record whose key misses is
// retried with cycle forced to primary when its own cycle is unset;
// after that the miss is fatal. Unused candidates are logged, never an
// error. label names the file category in messages ("mask", ...).
func (m *Matcher) Match(records []*Observation, files []string, label string) ([]string, error) {
	cands, err := m.loadCandidates(files)
	if err != nil {
		return nil, err
	}

	multi := multiOBISet(records)
	cache := make(map[Key]string, len(cands))
	order := make([]Key, 0, len(cands))
	for _, c := range cands {
		key := candidateKey(c.obsid, multi, true)
		if prev, dup := cache[key]; dup {
			m.Log.Info("skipping duplicate ancillary file",
				"label", label, "file", c.path, "obsid", c.obsid.ID, "kept", prev)
			continue
		}
		cache[key] = c.path
		order = append(order, key)
	}

	out := make([]string, 0, len(records))
	for _, rec := range records {
		key := rec.ObsId.Key(true)
		match, ok := cache[key]
		if !ok && rec.ObsId.Cycle == CycleNone {
			// Interleaved-mode ancillary files may be tagged with the
			// primary cycle even when the event file is not.
			key = key.WithCycle(CyclePrimary)
			match, ok = cache[key]
		}
		if !ok {
			return nil, &NoMatchError{ObsId: rec.ObsId, Label: label}
		}
		delete(cache, key)
		m.Log.Debug("matched ancillary file", "label", label, "key", key.String(), "file", match)
		out = append(out, match)
	}

	for _, key := range order {
		if path, unused := cache[key]; unused {
			m.Log.Info("skipping unmatched ancillary file",
				"label", label, "file", path, "key", key.String())
		}
	}

	return out, nil
}

// MatchAspect matches aspect-solution files to records. Unlike Match it
// allows several files per observation (one per aspect interval) and
// returns them ordered by their MJD-like epoch. The identity key leaves
// the cycle out: interleaved sub-exposures share one aspect solution.
func (m *Matcher) MatchAspect(records []*Observation, files []string) ([][]string, error) {
	type epochFile struct {
		path  string
		epoch float64
	}

	multi := multiOBISet(records)
	groups := make(map[Key][]epochFile)
	var order []Key

	for _, path := range files {
		hdr, err := m.readHeader(path)
		if err != nil {
			return nil, err
		}
		if content, ok := hdr["CONTENT"]; ok && !strings.HasPrefix(strings.ToUpper(content), "ASPSOL") {
			return nil, fmt.Errorf("%s does not look like an aspect solution (CONTENT=%s)", path, content)
		}
		obsid, err := ParseObsIdFromHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("aspect solution %s: %w", path, err)
		}

		key := candidateKey(obsid, multi, false)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], epochFile{path: path, epoch: headerEpoch(hdr)})
	}

	out := make([][]string, 0, len(records))
	used := make(map[Key]bool)
	for _, rec := range records {
		key := rec.ObsId.Key(false)
		group, ok := groups[key]
		if !ok {
			return nil, &NoMatchError{ObsId: rec.ObsId, Label: "aspect solution"}
		}
		used[key] = true

		sort.SliceStable(group, func(i, j int) bool { return group[i].epoch < group[j].epoch })
		paths := make([]string, len(group))
		for i, ef := range group {
			paths[i] = ef.path
		}
		out = append(out, paths)
	}

	for _, key := range order {
		if used[key] {
			continue
		}
		for _, ef := range groups[key] {
			m.Log.Info("skipping unmatched aspect solution", "file", ef.path, "key", key.String())
		}
	}

	return out, nil
}

// SetupAncillary resolves the binding for one ancillary category across
// all records, from the user-supplied file spec:
//
//   - "none" or "caldb" (case-insensitive): bind the sentinel directly,
//     bypassing matching.
//   - empty: fall back to the header-embedded references. All records
//     missing one -> sentinel (CALDB for bad-pixel, NONE otherwise) with
//     a warning; some missing -> fatal, enumerating the observations.
//   - anything else: expand the stack, run the match, and require the
//     matched count to equal the record count.
//
// warnmsg tells the user what degrades when the files are absent.
func (m *Matcher) SetupAncillary(records []*Observation, spec string, kind AncKind, warnmsg string) error {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "none":
		for _, rec := range records {
			rec.SetAncillary(kind, AncValue{Sentinel: AncNone})
		}
		return nil

	case "caldb":
		for _, rec := range records {
			rec.SetAncillary(kind, AncValue{Sentinel: AncCaldb})
		}
		return nil

	case "":
		return m.setupFromHeaders(records, kind, warnmsg)
	}

	files, err := stack.Expand(spec)
	if err != nil {
		return err
	}
	matched, err := m.Match(records, files, string(kind))
	if err != nil {
		return err
	}
	if len(matched) != len(records) {
		return &CountMismatchError{Kind: kind, Matched: len(matched), Wanted: len(records)}
	}
	for i, rec := range records {
		rec.SetAncillary(kind, AncValue{Files: []string{matched[i]}})
	}
	return nil
}

// SetupAspect resolves the aspect-solution bindings. An empty spec uses
// the header-embedded references and fails when any record lacks one
// (there is no usable sentinel for aspect solutions).
func (m *Matcher) SetupAspect(records []*Observation, spec string) error {
	if strings.TrimSpace(spec) == "" {
		var missing []string
		for _, rec := range records {
			if _, ok := rec.HeaderAncillary(AncAsol); !ok {
				missing = append(missing, rec.EventFile)
			}
		}
		if len(missing) > 0 {
			return &MissingAncillaryError{Kind: AncAsol, EventFiles: missing}
		}
		for _, rec := range records {
			ref, _ := rec.HeaderAncillary(AncAsol)
			rec.SetAncillary(AncAsol, AncValue{Files: strings.Split(ref, ",")})
		}
		return nil
	}

	files, err := stack.Expand(spec)
	if err != nil {
		return err
	}
	matched, err := m.MatchAspect(records, files)
	if err != nil {
		return err
	}
	for i, rec := range records {
		rec.SetAncillary(AncAsol, AncValue{Files: matched[i]})
	}
	return nil
}

func (m *Matcher) setupFromHeaders(records []*Observation, kind AncKind, warnmsg string) error {
	var missing []string
	for _, rec := range records {
		if _, ok := rec.HeaderAncillary(kind); !ok {
			missing = append(missing, rec.EventFile)
		}
	}

	switch {
	case len(missing) == len(records):
		sentinel := AncNone
		if kind == AncBpix {
			sentinel = AncCaldb
		}
		m.Log.Warn(fmt.Sprintf("no %s files were found, using %s. %s", kind, sentinel, warnmsg))
		for _, rec := range records {
			rec.SetAncillary(kind, AncValue{Sentinel: sentinel})
		}
		return nil

	case len(missing) > 0:
		return &MissingAncillaryError{Kind: kind, EventFiles: missing}
	}

	for _, rec := range records {
		ref, _ := rec.HeaderAncillary(kind)
		rec.SetAncillary(kind, AncValue{Files: []string{ref}})
	}
	return nil
}

func (m *Matcher) loadCandidates(files []string) ([]candidate, error) {
	out := make([]candidate, 0, len(files))
	for _, path := range files {
		hdr, err := m.readHeader(path)
		if err != nil {
			return nil, err
		}
		obsid, err := ParseObsIdFromHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, candidate{path: path, obsid: obsid})
	}
	return out, nil
}

func (m *Matcher) readHeader(path string) (map[string]string, error) {
	tbl, err := m.Store.OpenTable(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer tbl.Close()

	hdr := make(map[string]string)
	for _, name := range tbl.Keywords() {
		if v, ok := tbl.Keyword(name); ok {
			hdr[name] = v
		}
	}
	return hdr, nil
}

// multiOBISet collects the obsid IDs flagged multi-OBI, so candidate
// file keys can be derived with the same OBI-awareness as the records.
func multiOBISet(records []*Observation) map[string]bool {
	out := make(map[string]bool)
	for _, rec := range records {
		if rec.ObsId.MultiOBI() {
			out[rec.ObsId.ID] = true
		}
	}
	return out
}

// candidateKey derives an identity key for an ancillary file's ObsId,
// OBI-aware only when the record set flagged that obsid multi-OBI.
func candidateKey(o ObsId, multi map[string]bool, withCycle bool) Key {
	k := Key{ID: o.ID}
	if withCycle {
		k.Cycle = o.Cycle
	}
	if multi[o.ID] && o.HasOBI {
		k.OBI = o.OBI
		k.HasOBI = true
	}
	return k
}

// headerEpoch extracts the MJD-like epoch used to time-order aspect
// solutions, falling back to TSTART.
func headerEpoch(hdr map[string]string) float64 {
	for _, key := range []string{"MJD_OBS", "MJD-OBS", "TSTART"} {
		if raw, ok := hdr[key]; ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
				return v
			}
		}
	}
	return 0
}
