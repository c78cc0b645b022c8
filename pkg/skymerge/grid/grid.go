// Package grid provides sky-pixel axis ranges and their union/selection
// logic for building a common output grid across observations.
package grid

import (
	"fmt"
	"math"
)

// Axis is an ordered axis range: [Lo, Hi) covered at pixel size Size.
type Axis struct {
	Lo, Hi float64
	Size   float64
}

// NewAxis creates an axis range. Size must be positive and Lo < Hi.
func NewAxis(lo, hi, size float64) (Axis, error) {
	if size <= 0 {
		return Axis{}, fmt.Errorf("axis pixel size must be positive, got %g", size)
	}
	if lo >= hi {
		return Axis{}, fmt.Errorf("axis range is empty: %g:%g", lo, hi)
	}
	return Axis{Lo: lo, Hi: hi, Size: size}, nil
}

// Bins returns the number of pixels covering the range.
func (a Axis) Bins() int {
	return int(math.Ceil((a.Hi - a.Lo) / a.Size))
}

// Span returns Hi - Lo.
func (a Axis) Span() float64 {
	return a.Hi - a.Lo
}

// Union combines two axis ranges by set-union of their covered span.
// The result covers both inputs and uses the finer of the two pixel
// sizes, so Union is commutative, associative, and idempotent.
func (a Axis) Union(b Axis) Axis {
	out := a
	if b.Lo < out.Lo {
		out.Lo = b.Lo
	}
	if b.Hi > out.Hi {
		out.Hi = b.Hi
	}
	if b.Size < out.Size {
		out.Size = b.Size
	}
	return out
}

// String renders the axis as a DM-style bin expression fragment.
func (a Axis) String() string {
	return fmt.Sprintf("%g:%g:%g", a.Lo, a.Hi, a.Size)
}

// XY is the pair of axis ranges describing one observation's grid.
type XY struct {
	X, Y Axis
}

// AutoGrid unions the per-observation grids into a common grid and
// returns one grid per input observation, currently all identical.
// The slice form is deliberate: callers must not assume the entries
// stay identical in future revisions.
//
// If maxPixels > 0 the unioned span is rebuilt at a single isotropic
// pixel size max(spanX, spanY)/maxPixels, reduced to an integer when
// the division is exact. Otherwise each axis keeps its unioned native
// pixel size.
func AutoGrid(grids []XY, maxPixels int) []XY {
	if len(grids) == 0 {
		return nil
	}

	union := grids[0]
	for _, g := range grids[1:] {
		union.X = union.X.Union(g.X)
		union.Y = union.Y.Union(g.Y)
	}

	if maxPixels > 0 {
		size := math.Max(union.X.Span(), union.Y.Span()) / float64(maxPixels)
		if size == math.Trunc(size) {
			size = math.Trunc(size)
		}
		union.X.Size = size
		union.Y.Size = size
	}

	out := make([]XY, len(grids))
	for i := range out {
		out[i] = union
	}
	return out
}

// Rect is a user-specified rectangular sky range.
type Rect struct {
	XLo, XHi float64
	YLo, YHi float64
}

// Filter renders the rectangle as a DM spatial filter fragment.
func (r Rect) Filter() string {
	return fmt.Sprintf("[sky=RECT(%g,%g,%g,%g)]", r.XLo, r.YLo, r.XHi, r.YHi)
}

// UserGrid builds the per-observation grids for an explicit sky range
// at the given binning. All entries share the user range.
func UserGrid(r Rect, binsize float64, n int) []XY {
	x := Axis{Lo: r.XLo, Hi: r.XHi, Size: binsize}
	y := Axis{Lo: r.YLo, Hi: r.YHi, Size: binsize}
	out := make([]XY, n)
	for i := range out {
		out[i] = XY{X: x, Y: y}
	}
	return out
}
