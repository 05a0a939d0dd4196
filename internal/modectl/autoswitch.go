package modectl

import "github.com/kjarvik/tradegate/internal/domain"

// hysteresisRatio keeps the downswitch boundary below the upswitch one so a
// confidence series hovering at the threshold cannot flap between modes.
const hysteresisRatio = 0.7

// recommendMode maps rolling average confidence onto a target mode. Upswitch
// to MULTI requires the average to clear the threshold; downswitch to SINGLE
// requires it to fall under threshold*hysteresisRatio. In the band between,
// the current mode is kept.
func recommendMode(current domain.Mode, avgConfidence, threshold float64) (domain.Mode, bool) {
	switch current {
	case domain.ModeSingleInstrument:
		if avgConfidence >= threshold {
			return domain.ModeMultiInstrument, true
		}
	case domain.ModeMultiInstrument:
		if avgConfidence < threshold*hysteresisRatio {
			return domain.ModeSingleInstrument, true
		}
	}
	return current, false
}
