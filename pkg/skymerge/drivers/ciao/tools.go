package ciao

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/stack"
)

// Merge implements dmio.Tools via dmmerge. The inputs go through a
// stack file so long observation lists stay under the parameter length
// limits; the column and subspace filters ride on the stack expression.
func (d *Driver) Merge(ctx context.Context, inputs []string, output, columnFilter, subspaceFilter, lookup string) error {
	stackFile := d.tempName(".lis")
	if err := stack.WriteStackFile(stackFile, inputs); err != nil {
		return err
	}
	defer os.Remove(stackFile)

	infile := "@" + stackFile + columnFilter
	if subspaceFilter != "" {
		infile += "[subspace " + subspaceFilter + "]"
	}

	lookupTab := "none"
	if lookup != "" {
		f, err := d.writeTemp(".lookup", lookup)
		if err != nil {
			return err
		}
		defer os.Remove(f)
		lookupTab = f
	}

	_, err := d.run(ctx, "dmmerge",
		param("infile", infile),
		param("outfile", output),
		param("lookupTab", lookupTab),
		param("columnList", ""),
		param("clobber", "yes"),
	)
	return err
}

// Reproject implements dmio.Tools via reproject_events.
func (d *Driver) Reproject(ctx context.Context, input, output string, ra, dec float64, aspect string, dropSkySubspace bool) error {
	if aspect == "" {
		aspect = "none"
	}

	infile := input
	if dropSkySubspace {
		infile += "[subspace -sky]"
	}

	_, err := d.run(ctx, "reproject_events",
		param("infile", infile),
		param("outfile", output),
		param("aspect", aspect),
		param("match", "none"),
		param("ra", fmt.Sprintf("%.8f", ra)),
		param("dec", fmt.Sprintf("%.8f", dec)),
		param("random", "-1"),
		param("clobber", "yes"),
	)
	return err
}

// Combine implements dmio.Tools via dmimgcalc.
func (d *Driver) Combine(ctx context.Context, inputs []string, output, op, lookup string) error {
	stackFile := d.tempName(".lis")
	if err := stack.WriteStackFile(stackFile, inputs); err != nil {
		return err
	}
	defer os.Remove(stackFile)

	// dmimgcalc names stacked inputs img1..imgN in the operation.
	terms := make([]string, len(inputs))
	for i := range inputs {
		terms[i] = fmt.Sprintf("img%d", i+1)
	}
	operation := fmt.Sprintf("imgout=(%s)", strings.Join(terms, op2sym(op)))

	lookupTab := "none"
	if lookup != "" {
		f, err := d.writeTemp(".lookup", lookup)
		if err != nil {
			return err
		}
		defer os.Remove(f)
		lookupTab = f
	}

	_, err := d.run(ctx, "dmimgcalc",
		param("infile", "@"+stackFile),
		param("infile2", "none"),
		param("outfile", output),
		param("operation", operation),
		param("lookupTab", lookupTab),
		param("clobber", "yes"),
	)
	return err
}

// op2sym maps the combine operation to its dmimgcalc expression symbol.
func op2sym(op string) string {
	switch op {
	case "add":
		return "+"
	case "sub":
		return "-"
	case "mul":
		return "*"
	case "div":
		return "/"
	}
	return "+"
}

// Filter implements dmio.Tools via dmimgfilt. A single-point mask turns
// the neighborhood filter into a per-pixel stack combination.
func (d *Driver) Filter(ctx context.Context, inputs []string, output, function, lookup string) error {
	stackFile := d.tempName(".lis")
	if err := stack.WriteStackFile(stackFile, inputs); err != nil {
		return err
	}
	defer os.Remove(stackFile)

	lookupTab := "none"
	if lookup != "" {
		f, err := d.writeTemp(".lookup", lookup)
		if err != nil {
			return err
		}
		defer os.Remove(f)
		lookupTab = f
	}

	_, err := d.run(ctx, "dmimgfilt",
		param("infile", "@"+stackFile),
		param("outfile", output),
		param("function", function),
		param("mask", "point(0,0)"),
		param("lookupTab", lookupTab),
		param("clobber", "yes"),
	)
	return err
}

// UpdateColumnRanges implements dmio.Tools via update_column_range,
// refreshing the declared sky ranges to match the data.
func (d *Driver) UpdateColumnRanges(ctx context.Context, path string) error {
	_, err := d.run(ctx, "update_column_range",
		param("infile", path),
		param("columns", "sky"),
		param("round", "yes"),
	)
	return err
}
