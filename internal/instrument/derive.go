package instrument

import (
	"math"

	"github.com/kjarvik/tradegate/internal/domain"
)

// Side derivation thresholds: both composites must agree beyond ±0.6.
const sideThreshold = 0.6

// expectedMoveCap bounds the expected move at 10%.
const expectedMoveCap = 0.10

func deriveSide(trend, phase float64) domain.Side {
	switch {
	case trend > sideThreshold && phase > sideThreshold:
		return domain.SideLong
	case trend < -sideThreshold && phase < -sideThreshold:
		return domain.SideShort
	default:
		return domain.SideNeutral
	}
}

// conviction scores signal quality in [0,1] as a weighted sum of trend/phase
// alignment, confidence excess over the coin-flip baseline, risk/reward above
// 2.0, and regime alignment. Distinct from confidence: a 0.9-confidence
// signal in a hostile regime with thin R/R still carries low conviction.
func conviction(st *domain.InstrumentState) float64 {
	alignment := (math.Abs(st.TrendComposite) + math.Abs(st.PhaseComposite)) / 2
	confExcess := clamp01((st.Confidence - 0.5) / 0.5)
	rrBonus := clamp01((st.RiskReward - 2.0) / 2.0)

	score := 0.35*alignment + 0.35*confExcess + 0.15*rrBonus + 0.15*regimeAlignment(st.Regime)
	return clamp01(score)
}

// regimeAlignment rewards directional regimes and discounts chop.
func regimeAlignment(regime string) float64 {
	switch regime {
	case domain.RegimeTrending:
		return 1.0
	case domain.RegimeHighVol:
		return 0.6
	case domain.RegimeChoppy:
		return 0.4
	default:
		return 0.5
	}
}

// expectedMove estimates the anticipated favorable move as a regime-scaled
// base adjusted by trend strength and the confidence deviation magnitude,
// capped at 10%.
func expectedMove(st *domain.InstrumentState) float64 {
	var base float64
	switch st.Regime {
	case domain.RegimeTrending:
		base = 0.030
	case domain.RegimeHighVol:
		base = 0.050
	case domain.RegimeChoppy:
		base = 0.015
	default:
		base = 0.020
	}

	trendScale := 0.75 + 0.5*math.Abs(st.TrendComposite)
	deviationScale := 1.0 + clamp01(math.Abs(st.ConfidenceDelta)*5)

	move := base * trendScale * deviationScale
	if move > expectedMoveCap {
		move = expectedMoveCap
	}
	return move
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
