package skymerge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/skymerge/pkg/skymerge/header"
)

// BandArtifacts lists the per-observation imaging products for one
// energy band, aligned with the observation records.
type BandArtifacts struct {
	Band    string
	Images  []string
	Expmaps []string
	PSFMaps []string
}

// PerBandArtifacts derives the expected per-observation artifact names
// for one band from the output naming convention.
func PerBandArtifacts(records []*Observation, outdir, outhead, band string) BandArtifacts {
	out := BandArtifacts{Band: band}
	for _, rec := range records {
		out.Images = append(out.Images, ObsBandImageName(outdir, outhead, rec.ObsId, band))
		out.Expmaps = append(out.Expmaps, ObsBandExpmapName(outdir, outhead, rec.ObsId, band))
		out.PSFMaps = append(out.PSFMaps, ObsBandPSFMapName(outdir, outhead, rec.ObsId, band))
	}
	return out
}

// CombineImages coadds the per-observation images and exposure maps for
// each band, builds the exposure-corrected image, and combines the PSF
// maps when a combination mode is configured. The observation records
// must be the ones the artifacts were built from, in the same order.
func (p *Pipeline) CombineImages(ctx context.Context, records []*Observation, bands []BandArtifacts) error {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	rules, err := p.loadRules()
	if err != nil {
		return err
	}

	headers := make([]map[string]string, len(records))
	for i, rec := range records {
		headers[i] = rec.Header
	}
	specialized := header.Specialize(rules, headers)
	lookup := header.FormatTable(specialized)

	combiner := &Combiner{Store: p.Store, Tools: p.Tools, Log: log}
	outdir, outhead := p.Params.OutDir, p.Params.OutHead

	for _, band := range bands {
		if len(band.Images) != len(records) || len(band.Expmaps) != len(records) {
			return &ConfigurationError{
				Message: fmt.Sprintf("band %s has %d images and %d exposure maps for %d observations",
					band.Band, len(band.Images), len(band.Expmaps), len(records)),
			}
		}

		log.Info("combining images", "band", band.Band, "count", len(band.Images))
		err := combiner.MergeImages(ctx,
			band.Images, band.Expmaps,
			CoaddImageName(outdir, outhead, band.Band, true),
			CoaddExpmapName(outdir, outhead, band.Band, true),
			CoaddFluxName(outdir, outhead, band.Band),
			lookup)
		if err != nil {
			return err
		}

		if p.Params.PSFMerge == "" || len(band.PSFMaps) == 0 {
			continue
		}
		log.Info("combining PSF maps", "band", band.Band, "mode", p.Params.PSFMerge)
		err = combiner.CombinePSFMaps(ctx, p.Params.PSFMerge,
			band.PSFMaps, band.Expmaps,
			CoaddPSFMapName(outdir, outhead, band.Band, true),
			specialized)
		if err != nil {
			return err
		}
	}
	return nil
}
