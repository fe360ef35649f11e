// book.go provides depth arithmetic over the levels carried by market
// events. Every update frame is self-contained (top-N levels per side), so
// these are pure functions; no book state survives between events.
package market

import (
	"cryptobot/pkg/types"
)

// SideVolume sums the resting quantity across one side's levels.
func SideVolume(levels []types.BookLevel) float64 {
	var total float64
	for _, l := range levels {
		total += l.Qty
	}
	return total
}

// ImbalanceRatio returns total bid volume over total ask volume for one
// event. ok is false when either side's volume is not strictly positive,
// which makes the ratio meaningless.
func ImbalanceRatio(e types.MarketEvent) (float64, bool) {
	bidVol := SideVolume(e.Bids)
	askVol := SideVolume(e.Asks)
	if bidVol <= 0 || askVol <= 0 {
		return 0, false
	}
	return bidVol / askVol, true
}
