package skymerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestObsId_Key tests identity-key derivation with and without the
// cycle and OBI components.
func TestObsId_Key(t *testing.T) {
	o := ObsId{ID: "1843", Cycle: CyclePrimary, OBI: 2, HasOBI: true}

	assert.Equal(t, Key{ID: "1843", Cycle: CyclePrimary}, o.Key(true))
	assert.Equal(t, Key{ID: "1843"}, o.Key(false))

	// The OBI joins the key only once the id is flagged multi-OBI.
	require.NoError(t, o.SetMultiOBI(true))
	assert.Equal(t, Key{ID: "1843", Cycle: CyclePrimary, OBI: 2, HasOBI: true}, o.Key(true))
	assert.Equal(t, Key{ID: "1843", OBI: 2, HasOBI: true}, o.Key(false))
}

// TestObsId_SetMultiOBI tests that the flag is rejected without an OBI
// value.
func TestObsId_SetMultiOBI(t *testing.T) {
	o := ObsId{ID: "1843"}

	err := o.SetMultiOBI(true)
	require.Error(t, err)
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)
	assert.False(t, o.MultiOBI())

	o = ObsId{ID: "1843", OBI: 0, HasOBI: true}
	require.NoError(t, o.SetMultiOBI(true))
	assert.True(t, o.MultiOBI())
}

// TestObsId_String tests the output-name rendering: OBI padding for
// multi-OBI data and the e1/e2 interleave suffixes.
func TestObsId_String(t *testing.T) {
	assert.Equal(t, "1843", ObsId{ID: "1843"}.String())
	assert.Equal(t, "1843e1", ObsId{ID: "1843", Cycle: CyclePrimary}.String())
	assert.Equal(t, "1843e2", ObsId{ID: "1843", Cycle: CycleSecondary}.String())

	multi := ObsId{ID: "897", OBI: 3, HasOBI: true}
	require.NoError(t, multi.SetMultiOBI(true))
	assert.Equal(t, "897_003", multi.String())

	multi.Cycle = CycleSecondary
	assert.Equal(t, "897_003e2", multi.String())
}

// TestKey_String tests the log rendering of identity keys.
func TestKey_String(t *testing.T) {
	assert.Equal(t, "1843", Key{ID: "1843"}.String())
	assert.Equal(t, "1843 cycle P", Key{ID: "1843", Cycle: CyclePrimary}.String())
	assert.Equal(t, "1843 OBI 0", Key{ID: "1843", HasOBI: true}.String())
	assert.Equal(t, "1843 cycle S OBI 2",
		Key{ID: "1843", Cycle: CycleSecondary, OBI: 2, HasOBI: true}.String())
}

// TestKey_WithCycle tests the primary-cycle retry helper.
func TestKey_WithCycle(t *testing.T) {
	k := Key{ID: "1843"}
	assert.Equal(t, Key{ID: "1843", Cycle: CyclePrimary}, k.WithCycle(CyclePrimary))
	// The receiver is unchanged.
	assert.Equal(t, CycleNone, k.Cycle)
}

// TestCycle_String tests the single-letter rendering.
func TestCycle_String(t *testing.T) {
	assert.Equal(t, "", CycleNone.String())
	assert.Equal(t, "P", CyclePrimary.String())
	assert.Equal(t, "S", CycleSecondary.String())
}
