package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func warnOmit(tol float64) Rule { return Rule{Kind: WarnOmit, Tol: tol} }

func mergeRule(out, def string) Rule { return Rule{Kind: Merge, Out: out, Def: def} }

// TestSpecialize_SingleHeaderUnchanged tests that one observation
// leaves the table alone.
func TestSpecialize_SingleHeaderUnchanged(t *testing.T) {
	entries := []Entry{{Key: "RA_NOM", Rule: warnOmit(0.0003)}}
	headers := []map[string]string{{"RA_NOM": "123.4"}}

	out := Specialize(entries, headers)
	assert.Equal(t, entries, out)
}

// TestSpecialize_WarnOmitWithinTolerance tests that agreeing values
// keep the WarnOmit rule.
func TestSpecialize_WarnOmitWithinTolerance(t *testing.T) {
	entries := []Entry{{Key: "FP_TEMP", Rule: warnOmit(0.5)}}
	headers := []map[string]string{
		{"FP_TEMP": "10.0"},
		{"FP_TEMP": "10.3"},
	}

	out := Specialize(entries, headers)
	assert.Equal(t, WarnOmit, out[0].Rule.Kind)
}

// TestSpecialize_WarnOmitOverTolerance tests that any value straying
// past the tolerance converts the rule to Skip.
func TestSpecialize_WarnOmitOverTolerance(t *testing.T) {
	entries := []Entry{{Key: "FP_TEMP", Rule: warnOmit(0.5)}}
	headers := []map[string]string{
		{"FP_TEMP": "10.0"},
		{"FP_TEMP": "10.3"},
		{"FP_TEMP": "11.0"},
	}

	out := Specialize(entries, headers)
	assert.Equal(t, Skip, out[0].Rule.Kind)
}

// TestSpecialize_WarnOmitMissingOrNonNumeric tests that a missing or
// unparsable value converts the rule to Skip.
func TestSpecialize_WarnOmitMissingOrNonNumeric(t *testing.T) {
	entries := []Entry{{Key: "SIM_Z", Rule: warnOmit(0.1)}}

	out := Specialize(entries, []map[string]string{
		{"SIM_Z": "-190.14"},
		{},
	})
	assert.Equal(t, Skip, out[0].Rule.Kind)

	out = Specialize(entries, []map[string]string{
		{"SIM_Z": "-190.14"},
		{"SIM_Z": "default"},
	})
	assert.Equal(t, Skip, out[0].Rule.Kind)
}

// TestSpecialize_MergeAgreement tests that agreeing values keep the
// Merge rule.
func TestSpecialize_MergeAgreement(t *testing.T) {
	entries := []Entry{{Key: "OBJECT", Rule: mergeRule("Merged", "TBD")}}
	headers := []map[string]string{
		{"OBJECT": "CAS A"},
		{"OBJECT": "CAS A"},
	}

	out := Specialize(entries, headers)
	assert.Equal(t, Merge, out[0].Rule.Kind)
}

// TestSpecialize_MergeDisagreement tests the Merge to PutString
// conversion on disagreement.
func TestSpecialize_MergeDisagreement(t *testing.T) {
	entries := []Entry{{Key: "OBJECT", Rule: mergeRule("Merged", "TBD")}}
	headers := []map[string]string{
		{"OBJECT": "CAS A"},
		{"OBJECT": "CAS B"},
	}

	out := Specialize(entries, headers)
	require.Equal(t, PutString, out[0].Rule.Kind)
	assert.Equal(t, "Merged", out[0].Rule.Value)
}

// TestSpecialize_MergeMissingTakesDefault tests that a missing keyword
// is compared via the Force default.
func TestSpecialize_MergeMissingTakesDefault(t *testing.T) {
	entries := []Entry{{Key: "TITLE", Rule: mergeRule("Merged", "none")}}

	// Default equals the present value: no disagreement.
	out := Specialize(entries, []map[string]string{
		{"TITLE": "none"},
		{},
	})
	assert.Equal(t, Merge, out[0].Rule.Kind)

	// Default differs: disagreement.
	out = Specialize(entries, []map[string]string{
		{"TITLE": "survey"},
		{},
	})
	assert.Equal(t, PutString, out[0].Rule.Kind)
}

// TestApply_Rules tests the direct application path used for image
// header reconciliation.
func TestApply_Rules(t *testing.T) {
	values := []Value{
		{Present: false},
		{Raw: "second", Present: true},
		{Raw: "third", Present: true},
	}

	v, ok := Apply(Rule{Kind: Skip}, values)
	assert.False(t, ok)
	assert.Empty(t, v)

	v, ok = Apply(Rule{Kind: PutString, Value: "Merged"}, values)
	assert.True(t, ok)
	assert.Equal(t, "Merged", v)

	v, ok = Apply(Rule{Kind: Passthrough}, values)
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = Apply(Rule{Kind: Passthrough}, []Value{{Present: false}})
	assert.False(t, ok)
}

// TestLookup_DefaultsToPassthrough tests rule lookup for keys with no
// table entry.
func TestLookup_DefaultsToPassthrough(t *testing.T) {
	entries := []Entry{{Key: "OBS_ID", Rule: mergeRule("Merged", "Merged")}}

	assert.Equal(t, Merge, Lookup(entries, "OBS_ID").Kind)
	assert.Equal(t, Passthrough, Lookup(entries, "EXPOSURE").Kind)
}
