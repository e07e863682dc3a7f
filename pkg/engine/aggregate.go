package engine

import (
	"github.com/fleetwatt/fleetwatt/pkg/types"
)

// Aggregate recomputes fleet totals from the given device views, in
// discovery order. It is deterministic and pure: the totals are always a full
// function of the current views, never an incremental update.
//
// Absent session-result fields contribute zero to the sums. Devices without a
// state of charge are excluded from both sides of the average; devices
// without a lastUpdate are excluded from the most-recent-update maximum.
// These exclusions are independent of each other.
func Aggregate(views []types.DeviceView) types.FleetTotals {
	sums := make(map[string]float64, len(types.ResultFields))
	for _, field := range types.ResultFields {
		sums[field] = 0
	}

	var socSum float64
	var socCount int
	var mode string
	var lastUpdate string
	for _, v := range views {
		for _, field := range types.ResultFields {
			sums[field] += v.LatestSession.ResultField(field)
		}
		if v.Summary.LastKnownStateOfCharge != nil {
			socSum += *v.Summary.LastKnownStateOfCharge
			socCount++
		}
		mode = v.ResolvedMode
		// ISO-8601 strings order chronologically, so a string compare finds
		// the most recent timestamp.
		if v.Summary.LastUpdate != "" && v.Summary.LastUpdate > lastUpdate {
			lastUpdate = v.Summary.LastUpdate
		}
	}

	totals := types.FleetTotals{
		Sums:             sums,
		MostRecentMode:   mode,
		MostRecentUpdate: lastUpdate,
	}
	if socCount > 0 {
		avg := socSum / float64(socCount)
		totals.AverageStateOfCharge = &avg
	}
	return totals
}
