package skymerge

import "fmt"

// Output file names are deterministic, derived from the output
// directory, the file-name head, the energy band label, and the obsid.

// MergedEventName returns the merged event file name.
func MergedEventName(outdir, outhead string) string {
	return fmt.Sprintf("%s%smerged_evt.fits", outdir, outhead)
}

// ReprojEventName returns the per-obsid reprojected event file name.
func ReprojEventName(outdir, outhead string, obsid ObsId) string {
	return fmt.Sprintf("%s%s%s_reproj_evt.fits", outdir, outhead, obsid)
}

// MergedAsolName returns the per-obsid merged aspect solution name.
func MergedAsolName(outdir, outhead string, obsid ObsId) string {
	return fmt.Sprintf("%s%s%s_asol.merged.fits", outdir, outhead, obsid)
}

// ObsBandImageName returns the per-obsid thresholded image name for an
// energy band.
func ObsBandImageName(outdir, outhead string, obsid ObsId, band string) string {
	return fmt.Sprintf("%s%s%s_%s_thresh.img", outdir, outhead, obsid, band)
}

// ObsBandExpmapName returns the per-obsid thresholded exposure map name.
func ObsBandExpmapName(outdir, outhead string, obsid ObsId, band string) string {
	return fmt.Sprintf("%s%s%s_%s_thresh.expmap", outdir, outhead, obsid, band)
}

// ObsBandPSFMapName returns the per-obsid PSF map name.
func ObsBandPSFMapName(outdir, outhead string, obsid ObsId, band string) string {
	return fmt.Sprintf("%s%s%s_%s_thresh.psfmap", outdir, outhead, obsid, band)
}

// CoaddImageName returns the coadded image name for an energy band.
func CoaddImageName(outdir, outhead, band string, thresh bool) string {
	if thresh {
		return fmt.Sprintf("%s%s%s_thresh.img", outdir, outhead, band)
	}
	return fmt.Sprintf("%s%s%s.img", outdir, outhead, band)
}

// CoaddExpmapName returns the coadded exposure map name.
func CoaddExpmapName(outdir, outhead, band string, thresh bool) string {
	if thresh {
		return fmt.Sprintf("%s%s%s_thresh.expmap", outdir, outhead, band)
	}
	return fmt.Sprintf("%s%s%s.expmap", outdir, outhead, band)
}

// CoaddFluxName returns the coadded exposure-corrected image name.
func CoaddFluxName(outdir, outhead, band string) string {
	return fmt.Sprintf("%s%s%s_flux.img", outdir, outhead, band)
}

// CoaddPSFMapName returns the combined PSF map name.
func CoaddPSFMapName(outdir, outhead, band string, thresh bool) string {
	mid := ""
	if thresh {
		mid = "_thresh"
	}
	return fmt.Sprintf("%s%s%s%s.psfmap", outdir, outhead, band, mid)
}
