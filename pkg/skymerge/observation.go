package skymerge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
)

// AncKind names an ancillary file category bound to an observation.
type AncKind string

// Ancillary file categories.
const (
	AncAsol AncKind = "asol"
	AncBpix AncKind = "bad-pixel"
	AncMask AncKind = "mask"
	AncDtf  AncKind = "dtf"
)

// headerKey maps the ancillary kind to its header-embedded reference
// keyword.
func (k AncKind) headerKey() string {
	switch k {
	case AncAsol:
		return "ASOLFILE"
	case AncBpix:
		return "BPIXFILE"
	case AncMask:
		return "MASKFILE"
	case AncDtf:
		return "DTFFILE"
	}
	return ""
}

// Ancillary sentinels used instead of a resolved file.
const (
	AncNone  = "NONE"
	AncCaldb = "CALDB"
)

// AncValue is one resolved ancillary binding: either a file list (asol
// may legitimately have several, time-ordered) or a sentinel.
type AncValue struct {
	Files    []string
	Sentinel string
}

// IsSet reports whether the binding has been populated.
func (a AncValue) IsSet() bool {
	return a.Sentinel != "" || len(a.Files) > 0
}

// String renders the binding for keyword edits and logs.
func (a AncValue) String() string {
	if a.Sentinel != "" {
		return a.Sentinel
	}
	return strings.Join(a.Files, ",")
}

// Observation is one validated observation: identity, header, columns,
// and ancillary file bindings. Identity fields are fixed at
// construction; the multi-OBI flag and ancillary slots are each set
// once, later, by the validator and matcher.
type Observation struct {
	ObsId      ObsId
	Instrument string
	Detector   string
	TStart     float64

	// Header holds every keyword read from the event file.
	Header map[string]string

	// Columns are the column descriptors, in file order.
	Columns []dmio.Column

	// EventFile is the file path/expression the observation was read
	// from. It may carry a DM filter.
	EventFile string

	// TangentRA and TangentDec give the sky-projection tangent point in
	// decimal degrees.
	TangentRA, TangentDec float64

	ancillary map[AncKind]AncValue
	rows      int64
}

// NewObservation reads one candidate event file into an Observation.
// It fails if the file cannot be opened or lacks the identity keywords
// (OBS_ID, INSTRUME, TSTART); everything else is left to the validator.
func NewObservation(store dmio.Store, path string) (*Observation, error) {
	tbl, err := store.OpenTable(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer tbl.Close()

	obs := &Observation{
		EventFile: path,
		Header:    make(map[string]string),
		ancillary: make(map[AncKind]AncValue),
	}

	for _, name := range tbl.Keywords() {
		if v, ok := tbl.Keyword(name); ok {
			obs.Header[name] = v
		}
	}
	obs.Columns = tbl.Columns()

	id, ok := obs.Header["OBS_ID"]
	if !ok {
		return nil, fmt.Errorf("%s has no OBS_ID keyword", path)
	}
	obs.ObsId, err = parseObsId(id, obs.Header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	obs.Instrument, ok = obs.Header["INSTRUME"]
	if !ok {
		return nil, fmt.Errorf("%s has no INSTRUME keyword", path)
	}
	obs.Detector = obs.Header["DETNAM"]

	ts, ok := obs.Header["TSTART"]
	if !ok {
		return nil, fmt.Errorf("%s has no TSTART keyword", path)
	}
	obs.TStart, err = strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil {
		return nil, fmt.Errorf("%s has an unreadable TSTART (%q)", path, ts)
	}

	obs.TangentRA = headerFloat(obs.Header, "RA_NOM")
	obs.TangentDec = headerFloat(obs.Header, "DEC_NOM")

	obs.rows = tbl.Rows()
	return obs, nil
}

// Rows returns the event count read at construction time.
func (o *Observation) Rows() int64 {
	return o.rows
}

// ParseObsIdFromHeader derives an ObsId from a header map. Used for
// candidate ancillary files during matching.
func ParseObsIdFromHeader(hdr map[string]string) (ObsId, error) {
	id, ok := hdr["OBS_ID"]
	if !ok {
		return ObsId{}, fmt.Errorf("no OBS_ID keyword")
	}
	return parseObsId(id, hdr)
}

func parseObsId(id string, hdr map[string]string) (ObsId, error) {
	out := ObsId{ID: strings.TrimSpace(id)}

	switch strings.TrimSpace(hdr["CYCLE"]) {
	case "P":
		out.Cycle = CyclePrimary
	case "S":
		out.Cycle = CycleSecondary
	case "":
		out.Cycle = CycleNone
	default:
		return ObsId{}, fmt.Errorf("unrecognized CYCLE value %q", hdr["CYCLE"])
	}

	if raw, ok := hdr["OBI_NUM"]; ok {
		obi, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return ObsId{}, fmt.Errorf("unreadable OBI_NUM value %q", raw)
		}
		out.OBI = obi
		out.HasOBI = true
	}

	return out, nil
}

// Keyword returns a header keyword value and whether it is present.
func (o *Observation) Keyword(name string) (string, bool) {
	v, ok := o.Header[name]
	return v, ok
}

// KeywordFloat returns a header keyword parsed as float64.
func (o *Observation) KeywordFloat(name string) (float64, bool) {
	raw, ok := o.Header[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Column returns the named column descriptor (case-insensitive).
func (o *Observation) Column(name string) (dmio.Column, bool) {
	for _, c := range o.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return dmio.Column{}, false
}

// ColumnNames returns the upper-cased column names.
func (o *Observation) ColumnNames() []string {
	out := make([]string, len(o.Columns))
	for i, c := range o.Columns {
		out[i] = strings.ToUpper(c.Name)
	}
	return out
}

// Ancillary returns the binding for one ancillary category.
func (o *Observation) Ancillary(kind AncKind) AncValue {
	return o.ancillary[kind]
}

// SetAncillary binds an ancillary category. Designed to be called once
// per kind, by the matcher, after validation.
func (o *Observation) SetAncillary(kind AncKind, v AncValue) {
	if o.ancillary == nil {
		o.ancillary = make(map[AncKind]AncValue)
	}
	o.ancillary[kind] = v
}

// HeaderAncillary returns the header-embedded reference for an
// ancillary category, if the event file recorded one. The value "NONE"
// counts as absent.
func (o *Observation) HeaderAncillary(kind AncKind) (string, bool) {
	v, ok := o.Header[kind.headerKey()]
	if !ok || strings.TrimSpace(v) == "" || strings.EqualFold(strings.TrimSpace(v), "NONE") {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func headerFloat(hdr map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(hdr[key]), 64)
	if err != nil {
		return 0
	}
	return v
}
