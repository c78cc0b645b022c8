// Package dmio defines the collaborator interfaces skymerge consumes:
// tabular/image data access, the external merge/reproject/image-algebra
// tools, and file-backed geometry queries.
//
// skymerge never touches FITS bytes itself. Everything below is an
// interface so the engine can be driven by the real DM tool suite in
// production and by the in-memory implementations in tests.
package dmio

import (
	"context"

	"github.com/randalmurphal/skymerge/pkg/skymerge/grid"
)

// Range is a declared numeric column range (TLMIN/TLMAX style).
type Range struct {
	Lo, Hi float64
	Valid  bool
}

// Column describes one table column: name, storage type, dimensionality
// and declared range.
type Column struct {
	Name  string
	Type  string
	Dims  []int
	Range Range
}

// SameShape reports whether two columns agree in type and dimensionality.
func (c Column) SameShape(o Column) bool {
	if c.Type != o.Type || len(c.Dims) != len(o.Dims) {
		return false
	}
	for i := range c.Dims {
		if c.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// Table is an open tabular block. Implementations must support
// keyword get/set/delete and column-range updates when opened for
// update. Close must be called on all paths.
type Table interface {
	// Path returns the expression the table was opened with.
	Path() string

	// Rows returns the number of table rows.
	Rows() int64

	// Keyword returns a header keyword value and whether it is present.
	Keyword(name string) (string, bool)

	// Keywords returns every header keyword name, in file order.
	Keywords() []string

	// SetKeyword writes a header keyword. Requires update mode.
	SetKeyword(name, value string) error

	// DeleteKeyword removes a header keyword if present. Requires update mode.
	DeleteKeyword(name string) error

	// Columns enumerates the column descriptors in file order.
	Columns() []Column

	// SetColumnRange updates a column's declared range. Requires update mode.
	SetColumnRange(name string, lo, hi float64) error

	Close() error
}

// Image is a 2-D numeric array with a header. Pixels are row-major,
// Shape is {height, width}. NaN marks pixels outside the filtered data.
type Image struct {
	Header map[string]string
	Shape  [2]int
	Pixels []float64
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := &Image{
		Header: make(map[string]string, len(im.Header)),
		Shape:  im.Shape,
		Pixels: make([]float64, len(im.Pixels)),
	}
	for k, v := range im.Header {
		out.Header[k] = v
	}
	copy(out.Pixels, im.Pixels)
	return out
}

// Store provides table and image access.
type Store interface {
	// OpenTable opens a table read-only. The path may carry a DM
	// filter expression.
	OpenTable(path string) (Table, error)

	// OpenTableUpdate opens a table for in-place header/range edits.
	OpenTableUpdate(path string) (Table, error)

	// ReadImage reads a 2-D image block.
	ReadImage(path string) (*Image, error)

	// WriteImage writes a 2-D image block, clobbering any existing file.
	WriteImage(path string, img *Image) error

	// Copy performs a format-preserving copy that records the copy in
	// the output's history block (dmcopy semantics, not cp). The source
	// may carry a DM filter expression, which is applied.
	Copy(src, dst string) error

	// Remove deletes a file the store created, typically an
	// intermediate copy. Removing a file that does not exist is an
	// error.
	Remove(path string) error
}

// Tools wraps the external merge/reprojection/image-algebra tool
// invocations. Each call is synchronous and atomic from the caller's
// point of view; failures carry the tool's own diagnostic text.
type Tools interface {
	// Merge merges the input event tables into output. columnFilter and
	// subspaceFilter are DM filter fragments ("[cols a,b]" and
	// "-expno,-phas" respectively, either may be empty); lookup is the
	// header-rule table text handed to the tool. Per-file provenance is
	// preserved in the output history.
	Merge(ctx context.Context, inputs []string, output, columnFilter, subspaceFilter, lookup string) error

	// Reproject reprojects input onto the tangent point (ra, dec).
	// aspect is intentionally blank in this engine so event positions
	// are preserved while only the coordinate mapping is updated.
	// dropSkySubspace clears the sky subspace on the way through.
	Reproject(ctx context.Context, input, output string, ra, dec float64, aspect string, dropSkySubspace bool) error

	// Combine runs the image-algebra tool over a stack of inputs with
	// the given per-pixel operation ("add", "div", ...).
	Combine(ctx context.Context, inputs []string, output, op, lookup string) error

	// Filter applies a per-pixel stack filter function
	// (min/max/mean/median/mid) over the aligned inputs.
	Filter(ctx context.Context, inputs []string, output, function, lookup string) error

	// UpdateColumnRanges refreshes a file's recorded numeric column
	// ranges so they reflect the actual data.
	UpdateColumnRanges(ctx context.Context, path string) error
}

// Geometry answers file-dependent geometric queries.
type Geometry interface {
	// TangentPoint extracts the tangent point (decimal degrees) from a
	// file's sky projection metadata.
	TangentPoint(path string) (ra, dec float64, err error)

	// ObservationGrid computes the sky-pixel axis ranges covered by the
	// given chips of one observation at the requested binning.
	ObservationGrid(path, instrument string, chips []int, bin float64) (x, y grid.Axis, err error)

	// Chips returns the chip/CCD identifiers with events in the file
	// expression (which may carry a spatial filter). A nil slice means
	// no chips survive the filter.
	Chips(path string) ([]int, error)
}
