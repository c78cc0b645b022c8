/*
Package skymerge merges multi-observation Chandra event files into a
single event list on a common sky grid.

# Overview

skymerge takes a stack of per-observation event files, validates that
they can be combined, reprojects each one to a shared tangent point,
and merges the reprojected files while reconciling their headers. It
also coadds per-observation imaging products (counts images, exposure
maps, PSF maps) into exposure-corrected mosaics.

The heavy lifting on real files is delegated through the dmio
interfaces (Store, Tools, Geometry); the ciao driver binds them to the
external tool suite, and the in-memory implementations back the tests.

# Basic Usage

Configure a Pipeline and run it:

	pipe := &skymerge.Pipeline{
	    Store: store,
	    Tools: tools,
	    Geom:  geom,
	    Log:   slog.Default(),
	    Params: config.Params{
	        InFiles: "obs1_evt.fits,obs2_evt.fits",
	        OutDir:  "out/",
	        OutHead: "merged_",
	    },
	}

	res, err := pipe.Run(ctx)
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(res.MergedEvent)

Run validates the inputs, binds aspect/bad-pixel/mask files, resolves
the reference position and output grid, then executes the
reprojection and merge tasks through a dependency-ordered runner so
independent observations reproject in parallel.

# Header Reconciliation

Disagreeing header keywords in the merged file are handled by a rule
table (see the header package). The built-in table replaces identity
keywords like OBS_ID with "Merged", drops OBI_NUM, and deletes
nominal-pointing keywords whose spread exceeds a per-keyword
tolerance. A custom table can be supplied via Params.Lookup.

Spreads over the tolerance are also returned as Divergences on the
Result, since they make the merged file unsuitable for response
generation.

# Image Combination

CombineImages coadds per-band counts images and exposure maps, builds
the exposure-corrected image, and combines PSF maps using the mode in
Params.PSFMerge (min, max, mean, median, mid, exptime or expmap; the
last two weight by exposure).
*/
package skymerge
