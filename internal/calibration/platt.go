package calibration

import (
	"fmt"
	"math"
)

// PlattResult is a fitted single-feature logistic recalibration
// p' = sigmoid(a*confidence + b), with the estimated Brier improvement over
// the un-recalibrated forecasts.
type PlattResult struct {
	A               float64 `json:"a"`
	B               float64 `json:"b"`
	SampleCount     int     `json:"sample_count"`
	BaselineBrier   float64 `json:"baseline_brier"`
	CalibratedBrier float64 `json:"calibrated_brier"`
	Improvement     float64 `json:"improvement"` // baseline − calibrated, positive is better
}

// Apply maps a raw confidence through the fitted curve.
func (p PlattResult) Apply(confidence float64) float64 {
	return sigmoid(p.A*confidence + p.B)
}

// FitPlatt fits the logistic recalibration by gradient descent over the
// retained (confidence, outcome) pairs. It requires at least the configured
// minimum outcome count (default 50).
func (e *Engine) FitPlatt() (PlattResult, error) {
	e.mu.RLock()
	outcomes := e.retained()
	minTotal := e.cfg.PlattMinTotal
	e.mu.RUnlock()

	if len(outcomes) < minTotal {
		return PlattResult{}, fmt.Errorf("platt fit needs %d outcomes, have %d", minTotal, len(outcomes))
	}

	xs := make([]float64, len(outcomes))
	ys := make([]float64, len(outcomes))
	for i, o := range outcomes {
		xs[i] = o.Confidence
		if o.Won {
			ys[i] = 1
		}
	}

	// Plain batch gradient descent on the log-loss. The problem is one
	// dimensional and convex; a fixed step with decay converges fine.
	a, b := 1.0, 0.0
	lr := 1.0
	n := float64(len(xs))
	const iterations = 500

	for it := 0; it < iterations; it++ {
		var gradA, gradB float64
		for i := range xs {
			p := sigmoid(a*xs[i] + b)
			diff := p - ys[i]
			gradA += diff * xs[i]
			gradB += diff
		}
		gradA /= n
		gradB /= n
		a -= lr * gradA
		b -= lr * gradB
		if it > 0 && it%100 == 0 {
			lr *= 0.5
		}
	}

	res := PlattResult{A: a, B: b, SampleCount: len(xs)}
	for i := range xs {
		base := xs[i] - ys[i]
		cal := sigmoid(a*xs[i]+b) - ys[i]
		res.BaselineBrier += base * base
		res.CalibratedBrier += cal * cal
	}
	res.BaselineBrier /= n
	res.CalibratedBrier /= n
	res.Improvement = res.BaselineBrier - res.CalibratedBrier
	return res, nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
