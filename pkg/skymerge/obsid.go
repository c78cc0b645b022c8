package skymerge

import "fmt"

// Cycle tags the sub-exposure of an interleaved-mode observation.
type Cycle byte

// Cycle values. CycleNone marks non-interleaved data (all HRC, most ACIS).
const (
	CycleNone      Cycle = 0
	CyclePrimary   Cycle = 'P'
	CycleSecondary Cycle = 'S'
)

// String returns the single-letter cycle tag, or "" for CycleNone.
func (c Cycle) String() string {
	if c == CycleNone {
		return ""
	}
	return string(byte(c))
}

// sortTag orders interleaved pairs sharing a start time: the secondary
// (longer) exposure sorts first, primary second, untagged data is
// neutral.
func (c Cycle) sortTag() int {
	switch c {
	case CycleSecondary:
		return 1
	case CyclePrimary:
		return 2
	default:
		return 0
	}
}

// ObsId is the composite identity of one observation: the OBS_ID value,
// an optional interleave cycle, and an optional OBI number. The OBI only
// participates in identity once the observation is known to be part of
// a multi-OBI set.
type ObsId struct {
	// ID is the OBS_ID value (an integer-like string).
	ID string
	// Cycle is the interleave cycle, or CycleNone.
	Cycle Cycle
	// OBI is the OBI number; meaningful only when HasOBI is set.
	OBI int
	// HasOBI records whether an OBI_NUM value was present.
	HasOBI bool

	multiOBI bool
}

// MultiOBI reports whether this observation has been flagged as part of
// a multi-OBI set.
func (o ObsId) MultiOBI() bool {
	return o.multiOBI
}

// SetMultiOBI flags the observation as multi-OBI. Setting the flag on an
// id with no OBI value is a configuration error: the OBI is the only
// thing that disambiguates the set's members.
func (o *ObsId) SetMultiOBI(on bool) error {
	if on && !o.HasOBI {
		return &ConfigurationError{
			Message: fmt.Sprintf("ObsId %s cannot be multi-OBI: no OBI_NUM value", o.ID),
		}
	}
	o.multiOBI = on
	return nil
}

// Key is a comparable identity key derived from an ObsId. The cycle and
// OBI components are zero unless the derivation asked for them.
type Key struct {
	ID    string
	Cycle Cycle
	OBI   int
	// HasOBI distinguishes OBI 0 from "no OBI in the key".
	HasOBI bool
}

// Key derives the identity key used for file matching. The OBI joins
// the key only for observations already flagged multi-OBI. The cycle
// joins only when withCycle is set (aspect-solution matching leaves it
// out, since interleaved sub-exposures share one aspect solution).
func (o ObsId) Key(withCycle bool) Key {
	k := Key{ID: o.ID}
	if withCycle {
		k.Cycle = o.Cycle
	}
	if o.multiOBI {
		k.OBI = o.OBI
		k.HasOBI = true
	}
	return k
}

// WithCycle returns a copy of the key with the cycle component replaced.
// Used for the primary-cycle retry during matching.
func (k Key) WithCycle(c Cycle) Key {
	k.Cycle = c
	return k
}

// String renders the key for log and error messages.
func (k Key) String() string {
	s := k.ID
	if k.Cycle != CycleNone {
		s += " cycle " + k.Cycle.String()
	}
	if k.HasOBI {
		s += fmt.Sprintf(" OBI %d", k.OBI)
	}
	return s
}

// String renders the ObsId the way it appears in output file names and
// messages: the bare OBS_ID, with the OBI appended for multi-OBI data
// and the interleave suffix (e1/e2) for cycled data.
func (o ObsId) String() string {
	s := o.ID
	if o.multiOBI {
		s = fmt.Sprintf("%s_%03d", s, o.OBI)
	}
	switch o.Cycle {
	case CyclePrimary:
		s += "e1"
	case CycleSecondary:
		s += "e2"
	}
	return s
}
