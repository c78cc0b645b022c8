package skymerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
)

func newValidator(s *dmio.MemStore) *Validator {
	return &Validator{Store: s, Log: discardLogger()}
}

// TestValidator_Validate_SortsByStartTime tests the happy path: valid
// files survive and come back in time order.
func TestValidator_Validate_SortsByStartTime(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("late.fits", 10, acisHeader("4426", 2000, nil), acisColumns())
	s.AddTable("early.fits", 20, acisHeader("4425", 1000, nil), acisColumns())

	records, err := newValidator(s).Validate([]string{"late.fits", "early.fits"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "4425", records[0].ObsId.ID)
	assert.Equal(t, "4426", records[1].ObsId.ID)
	assert.Equal(t, int64(20), records[0].Rows())
}

// TestValidator_Validate_SkipPaths tests the per-file screens: unreadable
// identity, empty data, merged products, duplicates, unsupported and
// mixed instruments, and ACIS mode checks.
func TestValidator_Validate_SkipPaths(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("good.fits", 10, acisHeader("4425", 1000, nil), acisColumns())

	// No TSTART keyword.
	s.AddTable("no-tstart.fits", 10,
		acisHeader("4430", 1000, map[string]string{"TSTART": ""}), acisColumns())

	// No events.
	s.AddTable("empty.fits", 0, acisHeader("4431", 1000, nil), acisColumns())

	// Already a merged product.
	s.AddTable("merged.fits", 10,
		acisHeader("Merged", 1000, nil), acisColumns())

	// Same ObsId as good.fits.
	s.AddTable("dup.fits", 10, acisHeader("4425", 1500, nil), acisColumns())

	// Different instrument from the first valid file.
	s.AddTable("hrc.fits", 10, hrcHeader("890", 1000, nil), hrcColumns(0, 1023))

	// ACIS mode screens.
	s.AddTable("no-readmode.fits", 10,
		acisHeader("4432", 1000, map[string]string{"READMODE": ""}), acisColumns())
	s.AddTable("ccmode.fits", 10,
		acisHeader("4433", 1000, map[string]string{"READMODE": "CONTINUOUS"}), acisColumns())

	records, err := newValidator(s).Validate([]string{
		"good.fits", "no-tstart.fits", "empty.fits", "merged.fits",
		"dup.fits", "hrc.fits", "no-readmode.fits", "ccmode.fits",
		"missing.fits",
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "good.fits", records[0].EventFile)
}

// TestValidator_Validate_UnsupportedInstrument tests that the instrument
// screen ignores a leading unsupported file.
func TestValidator_Validate_UnsupportedInstrument(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("epic.fits", 10,
		acisHeader("100", 1000, map[string]string{"INSTRUME": "EPIC"}), acisColumns())
	s.AddTable("good.fits", 10, acisHeader("4425", 2000, nil), acisColumns())

	records, err := newValidator(s).Validate([]string{"epic.fits", "good.fits"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ACIS", records[0].Instrument)
}

// TestValidator_Validate_HRCDetectorMismatch tests that HRC-I and HRC-S
// data cannot be combined.
func TestValidator_Validate_HRCDetectorMismatch(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("i.fits", 10, hrcHeader("890", 1000, nil), hrcColumns(0, 1023))
	s.AddTable("s.fits", 10,
		hrcHeader("891", 2000, map[string]string{"DETNAM": "HRC-S"}), hrcColumns(0, 1023))

	records, err := newValidator(s).Validate([]string{"i.fits", "s.fits"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "HRC-I", records[0].Detector)
}

// TestValidator_Validate_ColumnCheck tests the required-column screen
// and its SkipColumnCheck escape hatch.
func TestValidator_Validate_ColumnCheck(t *testing.T) {
	cols := acisColumns()
	var noEnergy []dmio.Column
	for _, c := range cols {
		if c.Name != "energy" {
			noEnergy = append(noEnergy, c)
		}
	}

	s := dmio.NewMemStore()
	s.AddTable("good.fits", 10, acisHeader("4425", 1000, nil), cols)
	s.AddTable("short.fits", 10, acisHeader("4426", 2000, nil), noEnergy)

	records, err := newValidator(s).Validate([]string{"good.fits", "short.fits"})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	v := newValidator(s)
	v.SkipColumnCheck = true
	records, err = v.Validate([]string{"good.fits", "short.fits"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// TestValidator_Validate_NothingSurvives tests the batch-level errors.
func TestValidator_Validate_NothingSurvives(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("empty.fits", 0, acisHeader("4425", 1000, nil), acisColumns())

	_, err := newValidator(s).Validate(nil)
	assert.ErrorIs(t, err, ErrEmptyStack)

	_, err = newValidator(s).Validate([]string{"empty.fits"})
	assert.ErrorIs(t, err, ErrNoValidFiles)
}

// TestValidator_Validate_InterleavedPair tests that an exact P+S pair is
// kept without OBI relabeling and that the secondary sorts first at an
// equal start time.
func TestValidator_Validate_InterleavedPair(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("p.fits", 10,
		acisHeader("1843", 1000, map[string]string{"CYCLE": "P", "OBI_NUM": "0"}), acisColumns())
	s.AddTable("s.fits", 10,
		acisHeader("1843", 1000, map[string]string{"CYCLE": "S", "OBI_NUM": "0"}), acisColumns())

	records, err := newValidator(s).Validate([]string{"p.fits", "s.fits"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "1843e2", records[0].ObsId.String())
	assert.Equal(t, "1843e1", records[1].ObsId.String())
	assert.False(t, records[0].ObsId.MultiOBI())
}

// TestValidator_Validate_MultiOBI tests OBI relabeling for repeated
// obsids and the drop of members without an OBI value.
func TestValidator_Validate_MultiOBI(t *testing.T) {
	s := dmio.NewMemStore()
	s.AddTable("o0.fits", 10,
		acisHeader("897", 1000, map[string]string{"OBI_NUM": "0"}), acisColumns())
	s.AddTable("o1.fits", 10,
		acisHeader("897", 2000, map[string]string{"OBI_NUM": "1"}), acisColumns())
	s.AddTable("o2.fits", 10,
		acisHeader("897", 3000, map[string]string{"OBI_NUM": "2"}), acisColumns())
	s.AddTable("no-obi.fits", 10, acisHeader("897", 4000, nil), acisColumns())

	records, err := newValidator(s).Validate([]string{
		"o0.fits", "o1.fits", "o2.fits", "no-obi.fits"})
	require.NoError(t, err)
	require.Len(t, records, 3)

	labels := make([]string, len(records))
	for i, rec := range records {
		assert.True(t, rec.ObsId.MultiOBI())
		labels[i] = rec.ObsId.String()
	}
	assert.Equal(t, []string{"897_000", "897_001", "897_002"}, labels)
}

// TestValidator_CheckPIRanges tests the HRC PI range warning.
func TestValidator_CheckPIRanges(t *testing.T) {
	s := dmio.NewMemStore()
	v := newValidator(s)

	old := addHRCEvents(t, s, "old.fits", "890", 1000, 10, 0, 255, nil)
	repro := addHRCEvents(t, s, "new.fits", "891", 2000, 10, 0, 1023, nil)

	msgs := v.CheckPIRanges([]*Observation{old, repro})
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0], "PI columns of the event files do not match")

	same := addHRCEvents(t, s, "same.fits", "892", 3000, 10, 0, 1023, nil)
	assert.Nil(t, v.CheckPIRanges([]*Observation{repro, same}))

	// The check is HRC-only.
	acis := addACISEvents(t, s, "acis.fits", "4425", 1000, 10, nil)
	assert.Nil(t, v.CheckPIRanges([]*Observation{acis}))
}
