package ciao

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
)

// OpenTable implements dmio.Store. The header, column descriptors and
// row count are read eagerly; the handle itself holds no OS resources.
func (d *Driver) OpenTable(path string) (dmio.Table, error) {
	return d.openTable(path, false)
}

// OpenTableUpdate implements dmio.Store. Keyword and range edits go
// through dmhedit immediately.
func (d *Driver) OpenTableUpdate(path string) (dmio.Table, error) {
	return d.openTable(path, true)
}

func (d *Driver) openTable(path string, update bool) (dmio.Table, error) {
	ctx := context.Background()

	hdr, order, err := d.readHeader(ctx, path)
	if err != nil {
		return nil, err
	}
	cols, err := d.readColumns(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := d.countRows(ctx, path)
	if err != nil {
		return nil, err
	}

	return &ciaoTable{
		driver: d,
		path:   path,
		header: hdr,
		order:  order,
		cols:   cols,
		rows:   rows,
		update: update,
	}, nil
}

// ReadImage implements dmio.Store.
func (d *Driver) ReadImage(path string) (*dmio.Image, error) {
	ctx := context.Background()

	hdr, _, err := d.readHeader(ctx, path)
	if err != nil {
		return nil, err
	}
	shape, err := d.imageShape(ctx, path)
	if err != nil {
		return nil, err
	}

	out, err := d.run(ctx, "dmlist",
		param("infile", path),
		param("opt", "data,clean,raw"),
	)
	if err != nil {
		return nil, err
	}

	pixels := make([]float64, 0, shape[0]*shape[1])
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, tok := range strings.Fields(line) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				if strings.EqualFold(tok, "nan") {
					v = math.NaN()
				} else {
					continue
				}
			}
			pixels = append(pixels, v)
		}
	}
	if len(pixels) != shape[0]*shape[1] {
		return nil, fmt.Errorf("%s: read %d pixels for a %dx%d image",
			path, len(pixels), shape[1], shape[0])
	}

	return &dmio.Image{Header: hdr, Shape: shape, Pixels: pixels}, nil
}

// WriteImage implements dmio.Store. The pixels go through the DM text
// kernel and the header keywords are applied with dmhedit afterwards.
func (d *Driver) WriteImage(path string, img *dmio.Image) error {
	ctx := context.Background()

	var b strings.Builder
	for row := 0; row < img.Shape[0]; row++ {
		for col := 0; col < img.Shape[1]; col++ {
			if col > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%g", img.Pixels[row*img.Shape[1]+col])
		}
		b.WriteByte('\n')
	}

	text, err := d.writeTemp(".img.txt", b.String())
	if err != nil {
		return err
	}
	defer os.Remove(text)

	if _, err := d.run(ctx, "dmcopy",
		param("infile", text+"[opt kernel=text/simple]"),
		param("outfile", path),
		param("clobber", "yes"),
	); err != nil {
		return err
	}

	for key, value := range img.Header {
		if err := d.editKeyword(ctx, path, "add", key, value); err != nil {
			return err
		}
	}
	return nil
}

// Copy implements dmio.Store via dmcopy, which applies any filter on
// the source expression and records the copy in the output history.
func (d *Driver) Copy(src, dst string) error {
	_, err := d.run(context.Background(), "dmcopy",
		param("infile", src),
		param("outfile", dst),
		param("clobber", "yes"),
	)
	return err
}

// Remove implements dmio.Store. The intermediates this driver creates
// are plain files.
func (d *Driver) Remove(path string) error {
	return os.Remove(path)
}

func (d *Driver) readHeader(ctx context.Context, path string) (map[string]string, []string, error) {
	out, err := d.run(ctx, "dmlist",
		param("infile", path),
		param("opt", "header,raw,clean"),
	)
	if err != nil {
		return nil, nil, err
	}

	hdr := make(map[string]string)
	var order []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "--") {
			continue
		}
		// NAME = VALUE / comment
		eq := strings.Index(line, "=")
		if eq < 1 {
			continue
		}
		name := strings.Fields(line[:eq])
		if len(name) == 0 {
			continue
		}
		key := name[len(name)-1]
		value := strings.TrimSpace(line[eq+1:])
		if slash := strings.Index(value, " / "); slash >= 0 {
			value = strings.TrimSpace(value[:slash])
		}
		value = strings.Trim(value, `"'`)
		if _, seen := hdr[key]; !seen {
			order = append(order, key)
		}
		hdr[key] = value
	}
	return hdr, order, nil
}

func (d *Driver) readColumns(ctx context.Context, path string) ([]dmio.Column, error) {
	out, err := d.run(ctx, "dmlist",
		param("infile", path),
		param("opt", "cols"),
	)
	if err != nil {
		return nil, err
	}

	var cols []dmio.Column
	inTable := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "ColNo" {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil || len(fields) < 3 {
			continue
		}

		col := dmio.Column{Name: fields[1], Type: fields[len(fields)-2]}

		// Vector columns render as name(a,b).
		if paren := strings.Index(col.Name, "("); paren >= 0 {
			n := strings.Count(col.Name[paren:], ",") + 1
			col.Dims = []int{n}
			col.Name = col.Name[:paren]
		}

		if lo, hi, ok := parseRange(fields[len(fields)-1]); ok {
			col.Range = dmio.Range{Lo: lo, Hi: hi, Valid: true}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func parseRange(s string) (lo, hi float64, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseFloat(parts[0], 64)
	hi, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, 0, false
	}
	return lo, hi, true
}

func (d *Driver) countRows(ctx context.Context, path string) (int64, error) {
	out, err := d.run(ctx, "dmlist",
		param("infile", path),
		param("opt", "counts"),
	)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: unreadable row count %q", path, strings.TrimSpace(out))
	}
	return n, nil
}

// imageShape parses the block listing for the image dimensions, e.g.
// "Block    1: IMAGE  Image  Real4(4096x4096)".
func (d *Driver) imageShape(ctx context.Context, path string) ([2]int, error) {
	out, err := d.run(ctx, "dmlist",
		param("infile", path),
		param("opt", "blocks"),
	)
	if err != nil {
		return [2]int{}, err
	}

	for _, line := range strings.Split(out, "\n") {
		lp := strings.LastIndex(line, "(")
		rp := strings.LastIndex(line, ")")
		if lp < 0 || rp < lp || !strings.Contains(line, "Image") {
			continue
		}
		dims := strings.Split(line[lp+1:rp], "x")
		if len(dims) != 2 {
			continue
		}
		w, err1 := strconv.Atoi(strings.TrimSpace(dims[0]))
		h, err2 := strconv.Atoi(strings.TrimSpace(dims[1]))
		if err1 != nil || err2 != nil {
			continue
		}
		return [2]int{h, w}, nil
	}
	return [2]int{}, fmt.Errorf("%s has no image block", path)
}

func (d *Driver) editKeyword(ctx context.Context, path, op, key, value string) error {
	args := []string{
		param("infile", path),
		param("filelist", "none"),
		param("operation", op),
		param("key", key),
	}
	if op == "add" {
		args = append(args, param("value", value))
	}
	_, err := d.run(ctx, "dmhedit", args...)
	return err
}

// ciaoTable is a Table over one event file. Reads are served from the
// snapshot taken at open; writes go to the file and the snapshot both.
type ciaoTable struct {
	driver *Driver
	path   string
	header map[string]string
	order  []string
	cols   []dmio.Column
	rows   int64
	update bool
}

// Path implements dmio.Table.
func (t *ciaoTable) Path() string { return t.path }

// Rows implements dmio.Table.
func (t *ciaoTable) Rows() int64 { return t.rows }

// Keyword implements dmio.Table.
func (t *ciaoTable) Keyword(name string) (string, bool) {
	v, ok := t.header[name]
	return v, ok
}

// Keywords implements dmio.Table.
func (t *ciaoTable) Keywords() []string {
	return append([]string{}, t.order...)
}

// SetKeyword implements dmio.Table.
func (t *ciaoTable) SetKeyword(name, value string) error {
	if !t.update {
		return fmt.Errorf("table %s not opened for update", t.path)
	}
	if err := t.driver.editKeyword(context.Background(), t.path, "add", name, value); err != nil {
		return err
	}
	if _, seen := t.header[name]; !seen {
		t.order = append(t.order, name)
	}
	t.header[name] = value
	return nil
}

// DeleteKeyword implements dmio.Table.
func (t *ciaoTable) DeleteKeyword(name string) error {
	if !t.update {
		return fmt.Errorf("table %s not opened for update", t.path)
	}
	if _, ok := t.header[name]; !ok {
		return nil
	}
	if err := t.driver.editKeyword(context.Background(), t.path, "delete", name, ""); err != nil {
		return err
	}
	delete(t.header, name)
	for i, k := range t.order {
		if k == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Columns implements dmio.Table.
func (t *ciaoTable) Columns() []dmio.Column {
	return append([]dmio.Column{}, t.cols...)
}

// SetColumnRange implements dmio.Table. The declared range lives in the
// TLMIN/TLMAX keywords indexed by column ordinal.
func (t *ciaoTable) SetColumnRange(name string, lo, hi float64) error {
	if !t.update {
		return fmt.Errorf("table %s not opened for update", t.path)
	}

	ord := 0
	for i := range t.cols {
		if strings.EqualFold(t.cols[i].Name, name) {
			ord = i + 1
			break
		}
	}
	if ord == 0 {
		return fmt.Errorf("no %s column in %s", name, t.path)
	}

	ctx := context.Background()
	if err := t.driver.editKeyword(ctx, t.path, "add",
		fmt.Sprintf("TLMIN%d", ord), fmt.Sprintf("%g", lo)); err != nil {
		return err
	}
	if err := t.driver.editKeyword(ctx, t.path, "add",
		fmt.Sprintf("TLMAX%d", ord), fmt.Sprintf("%g", hi)); err != nil {
		return err
	}
	t.cols[ord-1].Range = dmio.Range{Lo: lo, Hi: hi, Valid: true}
	return nil
}

// Close implements dmio.Table.
func (t *ciaoTable) Close() error { return nil }
