package dmio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/randalmurphal/skymerge/pkg/skymerge/grid"
)

// The in-memory implementations below back the test suite and the
// examples. They honor the interface contracts but not the underlying
// file formats: a "path" is just a map key, and a DM filter expression
// on a path is stripped for lookup (filters select data in the real
// tool suite; here the pre-filtered data is registered directly under
// the filtered expression when a test needs it).

// TableData is the backing data for one in-memory table.
type TableData struct {
	Rows    int64
	Header  map[string]string
	Order   []string
	Columns []Column
}

// clone returns a deep copy.
func (t *TableData) clone() *TableData {
	out := &TableData{
		Rows:    t.Rows,
		Header:  make(map[string]string, len(t.Header)),
		Order:   append([]string{}, t.Order...),
		Columns: append([]Column{}, t.Columns...),
	}
	for k, v := range t.Header {
		out.Header[k] = v
	}
	return out
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]*TableData
	images map[string]*Image
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tables: make(map[string]*TableData),
		images: make(map[string]*Image),
	}
}

// AddTable registers a table. The keyword iteration order follows the
// map's sorted keys unless order is given.
func (s *MemStore) AddTable(path string, rows int64, header map[string]string, columns []Column) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]string, 0, len(header))
	for k := range header {
		order = append(order, k)
	}
	sort.Strings(order)

	hdr := make(map[string]string, len(header))
	for k, v := range header {
		hdr[k] = v
	}

	s.tables[basePath(path)] = &TableData{
		Rows:    rows,
		Header:  hdr,
		Order:   order,
		Columns: append([]Column{}, columns...),
	}
}

// AddImage registers an image.
func (s *MemStore) AddImage(path string, img *Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[basePath(path)] = img.Clone()
}

// HasTable reports whether a table is registered under the path.
func (s *MemStore) HasTable(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[basePath(path)]
	return ok
}

// OpenTable implements Store.
func (s *MemStore) OpenTable(path string) (Table, error) {
	return s.open(path, false)
}

// OpenTableUpdate implements Store.
func (s *MemStore) OpenTableUpdate(path string) (Table, error) {
	return s.open(path, true)
}

func (s *MemStore) open(path string, update bool) (Table, error) {
	s.mu.RLock()
	data, ok := s.tables[basePath(path)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such table: %s", path)
	}
	return &memTable{path: path, data: data, store: s, update: update}, nil
}

// ReadImage implements Store.
func (s *MemStore) ReadImage(path string) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.images[basePath(path)]
	if !ok {
		return nil, fmt.Errorf("no such image: %s", path)
	}
	return img.Clone(), nil
}

// WriteImage implements Store.
func (s *MemStore) WriteImage(path string, img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[basePath(path)] = img.Clone()
	return nil
}

// Copy implements Store. The copy is recorded in the destination's
// HISTORY keyword, mirroring the history block the real copy tool
// writes.
func (s *MemStore) Copy(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := basePath(src)
	if t, ok := s.tables[base]; ok {
		cp := t.clone()
		if _, has := cp.Header["HISTORY"]; !has {
			cp.Order = append(cp.Order, "HISTORY")
		}
		cp.Header["HISTORY"] = "copy of " + src
		s.tables[basePath(dst)] = cp
		return nil
	}
	if img, ok := s.images[base]; ok {
		cp := img.Clone()
		cp.Header["HISTORY"] = "copy of " + src
		s.images[basePath(dst)] = cp
		return nil
	}
	return fmt.Errorf("no such file: %s", src)
}

// Remove implements Store.
func (s *MemStore) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := basePath(path)
	if _, ok := s.tables[base]; ok {
		delete(s.tables, base)
		return nil
	}
	if _, ok := s.images[base]; ok {
		delete(s.images, base)
		return nil
	}
	return fmt.Errorf("no such file: %s", path)
}

// memTable is a Table over a *TableData.
type memTable struct {
	path   string
	data   *TableData
	store  *MemStore
	update bool
	closed bool
}

// Path implements Table.
func (t *memTable) Path() string { return t.path }

// Rows implements Table.
func (t *memTable) Rows() int64 { return t.data.Rows }

// Keyword implements Table.
func (t *memTable) Keyword(name string) (string, bool) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v, ok := t.data.Header[name]
	return v, ok
}

// Keywords implements Table.
func (t *memTable) Keywords() []string {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return append([]string{}, t.data.Order...)
}

// SetKeyword implements Table.
func (t *memTable) SetKeyword(name, value string) error {
	if !t.update {
		return fmt.Errorf("table %s not opened for update", t.path)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, ok := t.data.Header[name]; !ok {
		t.data.Order = append(t.data.Order, name)
	}
	t.data.Header[name] = value
	return nil
}

// DeleteKeyword implements Table.
func (t *memTable) DeleteKeyword(name string) error {
	if !t.update {
		return fmt.Errorf("table %s not opened for update", t.path)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, ok := t.data.Header[name]; !ok {
		return nil
	}
	delete(t.data.Header, name)
	for i, k := range t.data.Order {
		if k == name {
			t.data.Order = append(t.data.Order[:i], t.data.Order[i+1:]...)
			break
		}
	}
	return nil
}

// Columns implements Table.
func (t *memTable) Columns() []Column {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return append([]Column{}, t.data.Columns...)
}

// SetColumnRange implements Table.
func (t *memTable) SetColumnRange(name string, lo, hi float64) error {
	if !t.update {
		return fmt.Errorf("table %s not opened for update", t.path)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for i := range t.data.Columns {
		if strings.EqualFold(t.data.Columns[i].Name, name) {
			t.data.Columns[i].Range = Range{Lo: lo, Hi: hi, Valid: true}
			return nil
		}
	}
	return fmt.Errorf("no %s column in %s", name, t.path)
}

// Close implements Table.
func (t *memTable) Close() error {
	t.closed = true
	return nil
}

// ToolCall records one invocation against MemTools.
type ToolCall struct {
	Tool    string
	Inputs  []string
	Output  string
	Details map[string]string
}

// MemTools is an in-memory Tools that records every call and applies a
// simplified version of each tool's effect to the backing store.
type MemTools struct {
	Store *MemStore

	mu    sync.Mutex
	calls []ToolCall
}

// NewMemTools creates a MemTools over the store.
func NewMemTools(store *MemStore) *MemTools {
	return &MemTools{Store: store}
}

// Calls returns the recorded invocations, in order.
func (m *MemTools) Calls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolCall{}, m.calls...)
}

func (m *MemTools) record(c ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Merge implements Tools. The output is the first input's table with
// the row counts summed.
func (m *MemTools) Merge(ctx context.Context, inputs []string, output, columnFilter, subspaceFilter, lookup string) error {
	m.record(ToolCall{
		Tool:   "merge",
		Inputs: append([]string{}, inputs...),
		Output: output,
		Details: map[string]string{
			"columns":  columnFilter,
			"subspace": subspaceFilter,
			"lookup":   lookup,
		},
	})

	if len(inputs) == 0 {
		return fmt.Errorf("merge has no inputs")
	}

	m.Store.mu.Lock()
	defer m.Store.mu.Unlock()

	first, ok := m.Store.tables[basePath(inputs[0])]
	if !ok {
		return fmt.Errorf("no such table: %s", inputs[0])
	}
	out := first.clone()
	out.Rows = 0
	for _, input := range inputs {
		t, ok := m.Store.tables[basePath(input)]
		if !ok {
			return fmt.Errorf("no such table: %s", input)
		}
		out.Rows += t.Rows
	}
	m.Store.tables[basePath(output)] = out
	return nil
}

// Reproject implements Tools. The output is a copy of the input with
// its nominal pointing moved to the new tangent point.
func (m *MemTools) Reproject(ctx context.Context, input, output string, ra, dec float64, aspect string, dropSkySubspace bool) error {
	m.record(ToolCall{
		Tool:   "reproject",
		Inputs: []string{input},
		Output: output,
		Details: map[string]string{
			"ra":     fmt.Sprintf("%g", ra),
			"dec":    fmt.Sprintf("%g", dec),
			"aspect": aspect,
		},
	})

	m.Store.mu.Lock()
	defer m.Store.mu.Unlock()

	t, ok := m.Store.tables[basePath(input)]
	if !ok {
		return fmt.Errorf("no such table: %s", input)
	}
	out := t.clone()
	if _, has := out.Header["RA_NOM"]; !has {
		out.Order = append(out.Order, "RA_NOM")
	}
	if _, has := out.Header["DEC_NOM"]; !has {
		out.Order = append(out.Order, "DEC_NOM")
	}
	out.Header["RA_NOM"] = fmt.Sprintf("%g", ra)
	out.Header["DEC_NOM"] = fmt.Sprintf("%g", dec)
	m.Store.tables[basePath(output)] = out
	return nil
}

// Combine implements Tools for the "add" and "div" operations.
func (m *MemTools) Combine(ctx context.Context, inputs []string, output, op, lookup string) error {
	m.record(ToolCall{
		Tool:    "combine",
		Inputs:  append([]string{}, inputs...),
		Output:  output,
		Details: map[string]string{"op": op, "lookup": lookup},
	})

	imgs, err := m.readImages(inputs)
	if err != nil {
		return err
	}

	out := imgs[0].Clone()
	switch op {
	case "add":
		for _, img := range imgs[1:] {
			for i, v := range img.Pixels {
				out.Pixels[i] += v
			}
		}
	case "div":
		if len(imgs) != 2 {
			return fmt.Errorf("div wants 2 inputs, got %d", len(imgs))
		}
		for i := range out.Pixels {
			out.Pixels[i] = imgs[0].Pixels[i] / imgs[1].Pixels[i]
		}
	default:
		return fmt.Errorf("unsupported combine op %q", op)
	}

	return m.writeImage(output, out)
}

// Filter implements Tools for the per-pixel stack functions
// min/max/mean/median/mid. Non-finite pixels are excluded; a pixel
// non-finite in every input stays NaN.
func (m *MemTools) Filter(ctx context.Context, inputs []string, output, function, lookup string) error {
	m.record(ToolCall{
		Tool:    "filter",
		Inputs:  append([]string{}, inputs...),
		Output:  output,
		Details: map[string]string{"function": function, "lookup": lookup},
	})

	imgs, err := m.readImages(inputs)
	if err != nil {
		return err
	}

	out := imgs[0].Clone()
	vals := make([]float64, 0, len(imgs))
	for i := range out.Pixels {
		vals = vals[:0]
		for _, img := range imgs {
			if v := img.Pixels[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			out.Pixels[i] = math.NaN()
			continue
		}

		sort.Float64s(vals)
		switch function {
		case "min":
			out.Pixels[i] = vals[0]
		case "max":
			out.Pixels[i] = vals[len(vals)-1]
		case "mid":
			out.Pixels[i] = (vals[0] + vals[len(vals)-1]) / 2
		case "mean":
			sum := 0.0
			for _, v := range vals {
				sum += v
			}
			out.Pixels[i] = sum / float64(len(vals))
		case "median":
			n := len(vals)
			if n%2 == 1 {
				out.Pixels[i] = vals[n/2]
			} else {
				out.Pixels[i] = (vals[n/2-1] + vals[n/2]) / 2
			}
		default:
			return fmt.Errorf("unsupported filter function %q", function)
		}
	}

	return m.writeImage(output, out)
}

// UpdateColumnRanges implements Tools. The in-memory tables have no
// event data to rescan, so this only records the call.
func (m *MemTools) UpdateColumnRanges(ctx context.Context, path string) error {
	m.record(ToolCall{Tool: "update-ranges", Inputs: []string{path}})
	return nil
}

func (m *MemTools) readImages(paths []string) ([]*Image, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input images")
	}
	imgs := make([]*Image, len(paths))
	for i, p := range paths {
		img, err := m.Store.ReadImage(p)
		if err != nil {
			return nil, err
		}
		if i > 0 && img.Shape != imgs[0].Shape {
			return nil, fmt.Errorf("shape mismatch in %s", p)
		}
		imgs[i] = img
	}
	return imgs, nil
}

func (m *MemTools) writeImage(path string, img *Image) error {
	return m.Store.WriteImage(path, img)
}

// MemGeometry is an in-memory Geometry. Tangent points fall back to the
// RA_NOM/DEC_NOM keywords of the table registered in Store.
type MemGeometry struct {
	Store *MemStore

	// Tangents overrides the tangent point per base path.
	Tangents map[string][2]float64

	// GridsByPath supplies per-observation unit-binned grids; the
	// requested binning divides the pixel count.
	GridsByPath map[string]grid.XY

	// ChipsByExpr supplies chip lists keyed by the exact expression
	// (including any filter), falling back to the base path.
	ChipsByExpr map[string][]int
}

// TangentPoint implements Geometry.
func (g *MemGeometry) TangentPoint(path string) (float64, float64, error) {
	base := basePath(path)
	if tp, ok := g.Tangents[base]; ok {
		return tp[0], tp[1], nil
	}

	tbl, err := g.Store.OpenTable(path)
	if err != nil {
		return 0, 0, err
	}
	defer tbl.Close()

	ra, ok1 := tbl.Keyword("RA_NOM")
	dec, ok2 := tbl.Keyword("DEC_NOM")
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("no tangent point in %s", path)
	}

	var raV, decV float64
	if _, err := fmt.Sscanf(ra, "%g", &raV); err != nil {
		return 0, 0, fmt.Errorf("unreadable RA_NOM in %s: %w", path, err)
	}
	if _, err := fmt.Sscanf(dec, "%g", &decV); err != nil {
		return 0, 0, fmt.Errorf("unreadable DEC_NOM in %s: %w", path, err)
	}
	return raV, decV, nil
}

// ObservationGrid implements Geometry.
func (g *MemGeometry) ObservationGrid(path, instrument string, chips []int, bin float64) (grid.Axis, grid.Axis, error) {
	xy, ok := g.GridsByPath[basePath(path)]
	if !ok {
		return grid.Axis{}, grid.Axis{}, fmt.Errorf("no grid registered for %s", path)
	}
	x, y := xy.X, xy.Y
	x.Size = bin
	y.Size = bin
	return x, y, nil
}

// Chips implements Geometry.
func (g *MemGeometry) Chips(path string) ([]int, error) {
	if chips, ok := g.ChipsByExpr[path]; ok {
		return chips, nil
	}
	if chips, ok := g.ChipsByExpr[basePath(path)]; ok {
		return chips, nil
	}
	return nil, nil
}

// basePath strips a trailing DM filter/block expression from a path.
func basePath(path string) string {
	if i := strings.IndexByte(path, '['); i >= 0 {
		return path[:i]
	}
	return path
}
