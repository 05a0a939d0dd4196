package calibration

import (
	"math"

	"github.com/kjarvik/tradegate/internal/domain"
)

// probEpsilon keeps forecasts away from {0,1} so log loss stays finite.
const probEpsilon = 1e-6

// Report is the aggregate calibration quality summary over the retained
// outcome history. Reliability, resolution and uncertainty decompose the
// Brier score: brier ≈ reliability − resolution + uncertainty.
type Report struct {
	SampleCount int                        `json:"sample_count"`
	BaseRate    float64                    `json:"base_rate"`
	Brier       float64                    `json:"brier"`
	LogLoss     float64                    `json:"log_loss"`
	Reliability float64                    `json:"reliability"`
	Resolution  float64                    `json:"resolution"`
	Uncertainty float64                    `json:"uncertainty"`
	Buckets     []domain.CalibrationBucket `json:"buckets"`
}

// Report computes the proper-scoring-rule summary. With no outcomes it
// returns a zero report rather than dividing by zero.
func (e *Engine) Report() Report {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r := Report{
		Buckets: make([]domain.CalibrationBucket, len(e.buckets)),
	}
	copy(r.Buckets, e.buckets)

	outcomes := e.retained()
	r.SampleCount = len(outcomes)
	if r.SampleCount == 0 {
		return r
	}

	wins := 0
	brierSum := 0.0
	logSum := 0.0
	for _, o := range outcomes {
		y := 0.0
		if o.Won {
			y = 1.0
			wins++
		}
		p := clamp(o.Confidence, probEpsilon, 1-probEpsilon)
		diff := o.Confidence - y
		brierSum += diff * diff
		logSum += -(y*math.Log(p) + (1-y)*math.Log(1-p))
	}

	n := float64(r.SampleCount)
	r.BaseRate = float64(wins) / n
	r.Brier = brierSum / n
	r.LogLoss = logSum / n
	r.Uncertainty = r.BaseRate * (1 - r.BaseRate)

	// Sample-weighted decomposition over the bucket partition.
	for _, b := range r.Buckets {
		if b.SampleCount == 0 {
			continue
		}
		w := float64(b.SampleCount) / n
		de := b.ExpectedWinRate - b.ActualWinRate
		dr := b.ActualWinRate - r.BaseRate
		r.Reliability += w * de * de
		r.Resolution += w * dr * dr
	}
	return r
}
