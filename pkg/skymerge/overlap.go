package skymerge

import (
	"log/slog"
	"strings"

	"github.com/randalmurphal/skymerge/pkg/skymerge/dmio"
	"github.com/randalmurphal/skymerge/pkg/skymerge/grid"
)

// WhichObsidsOverlap reports, per observation, whether its events
// overlap the user-requested sky rectangle, along with the chips that
// have events inside it. The check uses the events rather than the
// field-of-view outline: a chip whose footprint clips the rectangle
// but has no events there is treated as not overlapping.
//
// Fewer than two surviving observations is fatal, since merging one
// file is not what the caller asked for.
func WhichObsidsOverlap(geom dmio.Geometry, log *slog.Logger, records []*Observation, rect grid.Rect) ([]bool, [][]int, error) {
	keep := make([]bool, len(records))
	chipLists := make([][]int, len(records))
	var skipped []string
	var survivor ObsId

	for i, rec := range records {
		chips, err := geom.Chips(rec.EventFile + rect.Filter())
		if err != nil {
			return nil, nil, &ToolError{Tool: "chip query", File: rec.EventFile, Err: err}
		}

		if len(chips) == 0 {
			log.Debug("observation does not overlap the requested grid",
				"obsid", rec.ObsId.String())
			skipped = append(skipped, rec.ObsId.String())
			continue
		}

		keep[i] = true
		chipLists[i] = chips
		survivor = rec.ObsId
	}

	rectStr := rect.Filter()
	switch n := len(records) - len(skipped); n {
	case 0:
		return nil, nil, &InsufficientOverlapError{Rect: rectStr}
	case 1:
		return nil, nil, &InsufficientOverlapError{Survivor: survivor, Rect: rectStr}
	}

	if len(skipped) > 0 {
		log.Info("removed observations that do not overlap the requested grid",
			"count", len(skipped), "obsids", strings.Join(skipped, " "))
	}

	return keep, chipLists, nil
}
