package skymerge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/header"
)

// PSF map combination modes. The filter modes delegate to the external
// per-pixel stack filter; exptime and expmap use the weighting
// algorithms below.
const (
	PSFMergeMin     = "min"
	PSFMergeMax     = "max"
	PSFMergeMean    = "mean"
	PSFMergeMedian  = "median"
	PSFMergeMid     = "mid"
	PSFMergeExptime = "exptime"
	PSFMergeExpmap  = "expmap"
)

// Combiner coadds aligned images: exposure-weighted and
// exposure-map-weighted pixel combination, plain summed image/expmap
// merging, and PSF map combination.
type Combiner struct {
	Store dmio.Store
	Tools dmio.Tools
	Log   *slog.Logger
}

// ExposureWeight coadds the inputs weighted by their EXPOSURE keywords:
//
//	out = sum_i(exp_i * pix_i) / sum_i(exp_i * finite_i)
//
// Non-finite pixels (NaN or infinite) mark data outside the filtered
// region and contribute nothing to either sum; a pixel with no exposure
// anywhere comes out NaN. Inputs must share one shape and carry a
// positive EXPOSURE. Output pixels are held to float32 precision since
// the upstream map generators emit Real4 anyway. The output file is the
// first input with its pixels replaced and its header reconciled
// through the rules over the union of keys seen.
func (c *Combiner) ExposureWeight(inputs []string, output string, rules []header.Entry) error {
	if len(inputs) == 0 {
		return ErrEmptyStack
	}

	var (
		template    *dmio.Image
		numerator   []float64
		denominator []float64
		headers     []map[string]string
	)

	for _, input := range inputs {
		img, err := c.Store.ReadImage(input)
		if err != nil {
			return fmt.Errorf("read image %s: %w", input, err)
		}

		exp, err := imageExposure(img, input)
		if err != nil {
			return err
		}

		if template == nil {
			template = img.Clone()
			numerator = make([]float64, len(img.Pixels))
			denominator = make([]float64, len(img.Pixels))
		} else if img.Shape != template.Shape {
			return &ShapeMismatchError{Want: template.Shape, Got: img.Shape, File: input}
		}

		for i, v := range img.Pixels {
			if isFinite(v) {
				numerator[i] += exp * v
				denominator[i] += exp
			}
		}

		headers = append(headers, img.Header)
	}

	writeWeighted(template, numerator, denominator)
	reconcileImageHeader(template, rules, headers)
	return c.Store.WriteImage(output, template)
}

// ExpmapWeight coadds the inputs weighted per pixel by their exposure
// maps:
//
//	out = sum_i(expmap_i * pix_i) / sum_i(expmap_i)
//
// Non-finite pixels in either an input or its map count as zero. The
// maps must align with their images; the header reconciliation uses the
// input images only, never the maps.
func (c *Combiner) ExpmapWeight(inputs, expmaps []string, output string, rules []header.Entry) error {
	if len(inputs) == 0 {
		return ErrEmptyStack
	}
	if len(inputs) != len(expmaps) {
		return &ConfigurationError{
			Message: fmt.Sprintf("%d input images but %d exposure maps", len(inputs), len(expmaps)),
		}
	}

	var (
		template    *dmio.Image
		numerator   []float64
		denominator []float64
		headers     []map[string]string
	)

	for i, input := range inputs {
		img, err := c.Store.ReadImage(input)
		if err != nil {
			return fmt.Errorf("read image %s: %w", input, err)
		}
		emap, err := c.Store.ReadImage(expmaps[i])
		if err != nil {
			return fmt.Errorf("read exposure map %s: %w", expmaps[i], err)
		}
		if img.Shape != emap.Shape {
			return &ShapeMismatchError{Want: img.Shape, Got: emap.Shape, File: expmaps[i]}
		}

		if template == nil {
			template = img.Clone()
			numerator = make([]float64, len(img.Pixels))
			denominator = make([]float64, len(img.Pixels))
		} else if img.Shape != template.Shape {
			return &ShapeMismatchError{Want: template.Shape, Got: img.Shape, File: input}
		}

		for j, v := range img.Pixels {
			w := emap.Pixels[j]
			if !isFinite(w) {
				continue
			}
			denominator[j] += w
			if isFinite(v) {
				numerator[j] += w * v
			}
		}

		headers = append(headers, img.Header)
	}

	writeWeighted(template, numerator, denominator)
	reconcileImageHeader(template, rules, headers)
	return c.Store.WriteImage(output, template)
}

// MergeImages sums the per-observation counts images and exposure maps
// and divides them into the exposure-corrected (flux) image, all via
// the external image-algebra tool so provenance lands in the outputs.
func (c *Combiner) MergeImages(ctx context.Context, images, expmaps []string, imgOut, expmapOut, fluxOut, lookup string) error {
	if err := c.Tools.Combine(ctx, images, imgOut+"[EVENTS_IMAGE]", "add", lookup); err != nil {
		return &ToolError{Tool: "combine", File: imgOut, Err: err}
	}
	if err := c.Tools.Combine(ctx, expmaps, expmapOut+"[EXPMAP]", "add", lookup); err != nil {
		return &ToolError{Tool: "combine", File: expmapOut, Err: err}
	}
	if err := c.Tools.Combine(ctx, []string{imgOut, expmapOut}, fluxOut, "div", lookup); err != nil {
		return &ToolError{Tool: "combine", File: fluxOut, Err: err}
	}
	return nil
}

// CombinePSFMaps combines the per-observation PSF maps with the given
// mode. The filter modes run through the external stack filter; the
// weighting modes use ExposureWeight/ExpmapWeight. Any other mode is a
// configuration error.
func (c *Combiner) CombinePSFMaps(ctx context.Context, mode string, psfmaps, expmaps []string, output string, rules []header.Entry) error {
	out := output + "[PSFMAP]"

	switch mode {
	case PSFMergeMin, PSFMergeMax, PSFMergeMean, PSFMergeMedian, PSFMergeMid:
		if err := c.Tools.Filter(ctx, psfmaps, out, mode, header.FormatTable(rules)); err != nil {
			return &ToolError{Tool: "filter", File: output, Err: err}
		}
		return nil

	case PSFMergeExptime:
		return c.ExposureWeight(psfmaps, out, rules)

	case PSFMergeExpmap:
		return c.ExpmapWeight(psfmaps, expmaps, out, rules)
	}

	return &ConfigurationError{
		Message: fmt.Sprintf("unexpected PSF map combination mode %q", mode),
	}
}

// writeWeighted stores numerator/denominator into the template at
// float32 precision. Pixels with no accumulated weight divide to NaN.
func writeWeighted(template *dmio.Image, numerator, denominator []float64) {
	for i := range template.Pixels {
		template.Pixels[i] = float64(float32(numerator[i] / denominator[i]))
	}
}

// reconcileImageHeader applies the merge rules directly over the union
// of keys seen in the input headers, writing the result into the
// template's header. Keys a file lacks participate as absent values.
func reconcileImageHeader(template *dmio.Image, rules []header.Entry, headers []map[string]string) {
	if rules == nil {
		return
	}

	rules = header.Specialize(rules, headers)

	keySet := make(map[string]bool)
	for _, hdr := range headers {
		for k := range hdr {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := make([]header.Value, len(headers))
		for i, hdr := range headers {
			raw, ok := hdr[key]
			values[i] = header.Value{Raw: raw, Present: ok}
		}

		rule := header.Lookup(rules, key)
		v, keep := header.Apply(rule, values)
		if keep {
			template.Header[key] = v
		} else {
			delete(template.Header, key)
		}
	}
}

func imageExposure(img *dmio.Image, file string) (float64, error) {
	raw, ok := img.Header["EXPOSURE"]
	if !ok {
		return 0, fmt.Errorf("no EXPOSURE keyword in %s", file)
	}
	exp, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("unreadable EXPOSURE keyword (%q) in %s", raw, file)
	}
	if exp <= 0 {
		return 0, fmt.Errorf("EXPOSURE keyword = %g in %s", exp, file)
	}
	return exp, nil
}

// isFinite reports whether a pixel holds real data. Infinite values are
// excluded the same way NaN is: both mark pixels outside the usable
// region.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
