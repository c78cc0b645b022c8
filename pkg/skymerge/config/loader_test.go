package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParamFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoad_YAML tests YAML loading: set keys land on the typed fields,
// absent keys keep their defaults.
func TestLoad_YAML(t *testing.T) {
	p, err := Load(writeParamFile(t, "run.yaml", `
infiles: "@evt.lis"
binsize: 4
colcheck: false
bands: [broad, soft]
psfmerge: exptime
`))
	require.NoError(t, err)

	assert.Equal(t, "@evt.lis", p.InFiles)
	assert.Equal(t, 4.0, p.Binsize)
	assert.False(t, p.ColCheck)
	assert.Equal(t, []string{"broad", "soft"}, p.Bands)
	assert.Equal(t, "exptime", p.PSFMerge)

	// Defaults survive for keys the file leaves out.
	assert.True(t, p.Parallel)
	assert.False(t, p.Clobber)
	assert.Zero(t, p.MaxSize)
}

// TestLoad_JSON tests the JSON format path.
func TestLoad_JSON(t *testing.T) {
	p, err := Load(writeParamFile(t, "run.json",
		`{"infiles": "a.fits,b.fits", "clobber": true, "maxsize": 8192}`))
	require.NoError(t, err)

	assert.Equal(t, "a.fits,b.fits", p.InFiles)
	assert.True(t, p.Clobber)
	assert.Equal(t, 8192, p.MaxSize)
	assert.True(t, p.ColCheck)
}

// TestLoad_EmptyFile tests that an empty file yields the defaults.
func TestLoad_EmptyFile(t *testing.T) {
	p, err := Load(writeParamFile(t, "run.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

// TestLoad_UnknownKey tests that a misspelled key is an error rather
// than a silent default.
func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeParamFile(t, "run.yaml", "binsze: 4\n"))
	require.Error(t, err)

	_, err = Load(writeParamFile(t, "run.json", `{"binsze": 4}`))
	require.Error(t, err)
}

// TestLoad_Errors tests the file and format error paths.
func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeParamFile(t, "run.toml", "binsize = 4"))
	assert.Error(t, err)

	_, err = Load(writeParamFile(t, "run.yaml", "infiles: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeParamFile(t, "run.json", "{"))
	assert.Error(t, err)
}

// TestLoad_Validates tests that loading rejects invalid parameter
// values, not just unreadable files.
func TestLoad_Validates(t *testing.T) {
	_, err := Load(writeParamFile(t, "run.yaml", "psfmerge: average\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "psfmerge")
}
