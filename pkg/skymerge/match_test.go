package skymerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
)

func newMatcher(s *dmio.MemStore) *Matcher {
	return &Matcher{Store: s, Log: discardLogger()}
}

// TestMatcher_Match tests identity-key matching with a duplicate and an
// unused candidate in the mix.
func TestMatcher_Match(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{
		addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil),
		addACISEvents(t, s, "e2.fits", "4426", 2000, 10, nil),
	}

	s.AddTable("bpix1.fits", 0, map[string]string{"OBS_ID": "4425"}, nil)
	s.AddTable("bpix1-dup.fits", 0, map[string]string{"OBS_ID": "4425"}, nil)
	s.AddTable("bpix2.fits", 0, map[string]string{"OBS_ID": "4426"}, nil)
	s.AddTable("bpix-extra.fits", 0, map[string]string{"OBS_ID": "9999"}, nil)

	matched, err := newMatcher(s).Match(recs,
		[]string{"bpix1.fits", "bpix1-dup.fits", "bpix2.fits", "bpix-extra.fits"}, "bad-pixel")
	require.NoError(t, err)
	assert.Equal(t, []string{"bpix1.fits", "bpix2.fits"}, matched)
}

// TestMatcher_Match_NoMatch tests the fatal miss.
func TestMatcher_Match_NoMatch(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil)}
	s.AddTable("mask.fits", 0, map[string]string{"OBS_ID": "4426"}, nil)

	_, err := newMatcher(s).Match(recs, []string{"mask.fits"}, "mask")
	require.Error(t, err)

	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "4425", nm.ObsId.ID)
	assert.Equal(t, "mask", nm.Label)
}

// TestMatcher_Match_PrimaryCycleRetry tests that an uncycled record can
// still match a primary-cycle-tagged ancillary file.
func TestMatcher_Match_PrimaryCycleRetry(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil)}
	s.AddTable("bpix.fits", 0, map[string]string{"OBS_ID": "4425", "CYCLE": "P"}, nil)

	matched, err := newMatcher(s).Match(recs, []string{"bpix.fits"}, "bad-pixel")
	require.NoError(t, err)
	assert.Equal(t, []string{"bpix.fits"}, matched)
}

// TestMatcher_Match_MultiOBI tests that candidates inherit the record
// set's OBI-awareness.
func TestMatcher_Match_MultiOBI(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{
		addACISEvents(t, s, "o0.fits", "897", 1000, 10, map[string]string{"OBI_NUM": "0"}),
		addACISEvents(t, s, "o1.fits", "897", 2000, 10, map[string]string{"OBI_NUM": "1"}),
	}
	for _, rec := range recs {
		require.NoError(t, rec.ObsId.SetMultiOBI(true))
	}

	s.AddTable("bpix0.fits", 0, map[string]string{"OBS_ID": "897", "OBI_NUM": "0"}, nil)
	s.AddTable("bpix1.fits", 0, map[string]string{"OBS_ID": "897", "OBI_NUM": "1"}, nil)

	matched, err := newMatcher(s).Match(recs, []string{"bpix1.fits", "bpix0.fits"}, "bad-pixel")
	require.NoError(t, err)
	assert.Equal(t, []string{"bpix0.fits", "bpix1.fits"}, matched)
}

// TestMatcher_MatchAspect tests epoch-ordered multi-file aspect matching
// and the cycle-free key.
func TestMatcher_MatchAspect(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{
		addACISEvents(t, s, "e1.fits", "1843", 1000, 10, map[string]string{"CYCLE": "P"}),
	}

	s.AddTable("asol-late.fits", 0, map[string]string{
		"OBS_ID": "1843", "CONTENT": "ASPSOL", "MJD_OBS": "52000.5"}, nil)
	s.AddTable("asol-early.fits", 0, map[string]string{
		"OBS_ID": "1843", "CONTENT": "ASPSOL", "TSTART": "51000.0"}, nil)

	matched, err := newMatcher(s).MatchAspect(recs,
		[]string{"asol-late.fits", "asol-early.fits"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, []string{"asol-early.fits", "asol-late.fits"}, matched[0])
}

// TestMatcher_MatchAspect_WrongContent tests the ASPSOL content screen.
func TestMatcher_MatchAspect_WrongContent(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{addACISEvents(t, s, "e1.fits", "1843", 1000, 10, nil)}
	s.AddTable("evt.fits", 0, map[string]string{"OBS_ID": "1843", "CONTENT": "EVT2"}, nil)

	_, err := newMatcher(s).MatchAspect(recs, []string{"evt.fits"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not look like an aspect solution")
}

// TestMatcher_SetupAncillary_Sentinels tests the "none"/"caldb" specs.
func TestMatcher_SetupAncillary_Sentinels(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil)}
	m := newMatcher(s)

	require.NoError(t, m.SetupAncillary(recs, "NONE", AncMask, ""))
	assert.Equal(t, AncNone, recs[0].Ancillary(AncMask).Sentinel)

	require.NoError(t, m.SetupAncillary(recs, "caldb", AncBpix, ""))
	assert.Equal(t, AncCaldb, recs[0].Ancillary(AncBpix).Sentinel)
}

// TestMatcher_SetupAncillary_FromHeaders tests the header fallback: all
// missing degrades to a sentinel, some missing is fatal, all present
// binds the references.
func TestMatcher_SetupAncillary_FromHeaders(t *testing.T) {
	s := dmio.NewMemStore()
	m := newMatcher(s)

	// Nothing records a BPIXFILE: warn and fall back to CALDB.
	recs := []*Observation{
		addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil),
		addACISEvents(t, s, "e2.fits", "4426", 2000, 10, nil),
	}
	require.NoError(t, m.SetupAncillary(recs, "", AncBpix, "the header files will be used"))
	assert.Equal(t, AncCaldb, recs[0].Ancillary(AncBpix).Sentinel)
	assert.Equal(t, AncCaldb, recs[1].Ancillary(AncBpix).Sentinel)

	// A mask fallback uses NONE instead.
	require.NoError(t, m.SetupAncillary(recs, "", AncMask, "no masks applied"))
	assert.Equal(t, AncNone, recs[0].Ancillary(AncMask).Sentinel)

	// Only some records carry the reference: fatal.
	recs = []*Observation{
		addACISEvents(t, s, "e3.fits", "4427", 1000, 10,
			map[string]string{"BPIXFILE": "bpix1.fits"}),
		addACISEvents(t, s, "e4.fits", "4428", 2000, 10, nil),
	}
	err := m.SetupAncillary(recs, "", AncBpix, "")
	require.Error(t, err)
	var ma *MissingAncillaryError
	require.ErrorAs(t, err, &ma)
	assert.Equal(t, []string{"e4.fits"}, ma.EventFiles)

	// All present: bind the header references.
	recs = []*Observation{
		addACISEvents(t, s, "e5.fits", "4429", 1000, 10,
			map[string]string{"BPIXFILE": "bpix5.fits"}),
	}
	require.NoError(t, m.SetupAncillary(recs, "", AncBpix, ""))
	assert.Equal(t, []string{"bpix5.fits"}, recs[0].Ancillary(AncBpix).Files)
}

// TestMatcher_SetupAncillary_ExplicitStack tests matching an explicit
// file stack.
func TestMatcher_SetupAncillary_ExplicitStack(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{
		addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil),
		addACISEvents(t, s, "e2.fits", "4426", 2000, 10, nil),
	}
	s.AddTable("mask1.fits", 0, map[string]string{"OBS_ID": "4425"}, nil)
	s.AddTable("mask2.fits", 0, map[string]string{"OBS_ID": "4426"}, nil)

	require.NoError(t, newMatcher(s).SetupAncillary(recs, "mask1.fits,mask2.fits", AncMask, ""))
	assert.Equal(t, []string{"mask1.fits"}, recs[0].Ancillary(AncMask).Files)
	assert.Equal(t, []string{"mask2.fits"}, recs[1].Ancillary(AncMask).Files)
}

// TestMatcher_SetupAspect tests the header fallback and its comma-split
// multi-file form.
func TestMatcher_SetupAspect(t *testing.T) {
	s := dmio.NewMemStore()
	m := newMatcher(s)

	recs := []*Observation{
		addACISEvents(t, s, "e1.fits", "4425", 1000, 10,
			map[string]string{"ASOLFILE": "asol1.fits,asol2.fits"}),
	}
	require.NoError(t, m.SetupAspect(recs, ""))
	assert.Equal(t, []string{"asol1.fits", "asol2.fits"}, recs[0].Ancillary(AncAsol).Files)

	// A missing reference is fatal: there is no aspect sentinel.
	recs = []*Observation{
		addACISEvents(t, s, "e2.fits", "4426", 2000, 10,
			map[string]string{"ASOLFILE": ""}),
	}
	err := m.SetupAspect(recs, "")
	require.Error(t, err)
	var ma *MissingAncillaryError
	require.ErrorAs(t, err, &ma)
	assert.Equal(t, AncAsol, ma.Kind)
}

// TestMatcher_SetupAspect_ExplicitStack tests explicit aspect stacks via
// the epoch-ordered matcher.
func TestMatcher_SetupAspect_ExplicitStack(t *testing.T) {
	s := dmio.NewMemStore()
	recs := []*Observation{addACISEvents(t, s, "e1.fits", "4425", 1000, 10, nil)}

	s.AddTable("asol-b.fits", 0, map[string]string{
		"OBS_ID": "4425", "CONTENT": "ASPSOL", "TSTART": "2000"}, nil)
	s.AddTable("asol-a.fits", 0, map[string]string{
		"OBS_ID": "4425", "CONTENT": "ASPSOL", "TSTART": "1000"}, nil)

	require.NoError(t, newMatcher(s).SetupAspect(recs, "asol-b.fits,asol-a.fits"))
	assert.Equal(t, []string{"asol-a.fits", "asol-b.fits"}, recs[0].Ancillary(AncAsol).Files)
}
