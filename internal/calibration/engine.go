package calibration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
)

// AdjustmentStore is the slice of the persistence contract the engine needs.
// A nil store leaves the engine fully functional in a cold, unadjusted state.
type AdjustmentStore interface {
	LoadAdjustments(ctx context.Context) ([]domain.ConfidenceAdjustment, error)
	SaveAdjustment(ctx context.Context, adj domain.ConfidenceAdjustment) error
}

// Engine buckets realized outcomes by predicted confidence and learns a
// bounded per-signal-type confidence correction. Reads (Adjust, Report) run
// concurrently; writes (RecordOutcome) are serialized against them.
type Engine struct {
	mu  sync.RWMutex
	cfg config.Calibration

	buckets []domain.CalibrationBucket

	// Bounded outcome history, ring-buffered.
	history []domain.Outcome
	head    int
	count   int

	adjustments map[string]*domain.ConfidenceAdjustment

	store AdjustmentStore
}

// NewEngine creates an engine with the fixed bucket partition of [0,1).
func NewEngine(cfg config.Calibration, store AdjustmentStore) *Engine {
	e := &Engine{
		cfg:         cfg,
		history:     make([]domain.Outcome, cfg.HistorySize),
		adjustments: make(map[string]*domain.ConfidenceAdjustment),
		store:       store,
	}
	e.buckets = make([]domain.CalibrationBucket, cfg.BucketCount)
	width := 1.0 / float64(cfg.BucketCount)
	for i := range e.buckets {
		lo := float64(i) * width
		e.buckets[i] = domain.CalibrationBucket{
			MinConfidence:   lo,
			MaxConfidence:   lo + width,
			ExpectedWinRate: lo + width/2,
			ActualWinRate:   0.5,
		}
	}
	return e
}

// Restore loads persisted adjustments. Failures are logged and ignored:
// calibration starts cold rather than blocking startup.
func (e *Engine) Restore(ctx context.Context) {
	if e.store == nil {
		return
	}
	adjs, err := e.store.LoadAdjustments(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("adjustment store unavailable, starting with empty calibration")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range adjs {
		a := adjs[i]
		e.adjustments[a.SignalType] = &a
	}
	log.Info().Int("adjustments", len(adjs)).Msg("confidence adjustments restored")
}

// Adjust returns the calibrated confidence for a raw score. Below the minimum
// sample size, or for an unknown signal type, the raw value passes through
// unchanged — missing statistics never block a signal.
func (e *Engine) Adjust(signalType string, raw float64) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	adj, ok := e.adjustments[signalType]
	if !ok || adj.SampleCount < e.cfg.MinSampleSize {
		return raw
	}
	return clamp01(raw + adj.Adjustment)
}

// RecordOutcome folds one realized result into the bucket table and the
// per-signal-type adjustment, then persists the updated adjustment.
func (e *Engine) RecordOutcome(o domain.Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	o.Confidence = clamp01(o.Confidence)

	e.mu.Lock()
	e.history[e.head] = o
	e.head = (e.head + 1) % len(e.history)
	if e.count < len(e.history) {
		e.count++
	}
	e.recomputeBuckets()
	saved := e.updateAdjustment(o)
	e.mu.Unlock()

	if e.store != nil {
		go func(adj domain.ConfidenceAdjustment) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.store.SaveAdjustment(ctx, adj); err != nil {
				log.Warn().Err(err).Str("signal_type", adj.SignalType).Msg("adjustment save failed")
			}
		}(saved)
	}
}

// recomputeBuckets rebuilds per-bucket win statistics from the retained
// history. Caller holds the write lock.
func (e *Engine) recomputeBuckets() {
	wins := make([]int, len(e.buckets))
	samples := make([]int, len(e.buckets))

	for _, o := range e.retained() {
		idx := e.bucketIndex(o.Confidence)
		samples[idx]++
		if o.Won {
			wins[idx]++
		}
	}

	total := e.count
	for i := range e.buckets {
		b := &e.buckets[i]
		b.SampleCount = samples[i]
		if samples[i] == 0 {
			// No evidence: neutral, never divide by zero.
			b.ActualWinRate = 0.5
			b.CalibrationError = 0
			b.ReliabilityWeight = 0
			continue
		}
		b.ActualWinRate = float64(wins[i]) / float64(samples[i])
		b.CalibrationError = math.Abs(b.ActualWinRate - b.ExpectedWinRate)
		b.ReliabilityWeight = float64(samples[i]) / float64(total)
	}
}

// updateAdjustment applies the asymmetric effectiveness rule and returns a
// copy of the updated adjustment for persistence. Caller holds the write
// lock.
//
// Effectiveness rewards accurate conviction: a cautious win (confidence<0.6)
// is boosted 1.2x, an overconfident loss (confidence>0.7) is penalized at
// half weight, an ordinary loss contributes zero.
func (e *Engine) updateAdjustment(o domain.Outcome) domain.ConfidenceAdjustment {
	adj, ok := e.adjustments[o.SignalType]
	if !ok {
		adj = &domain.ConfidenceAdjustment{
			SignalType:  o.SignalType,
			RawBaseline: o.Confidence,
		}
		e.adjustments[o.SignalType] = adj
	}

	eff := o.Confidence * clamp01(o.MoveAccuracy)
	switch {
	case o.Won && o.Confidence < 0.6:
		eff = math.Min(1, eff*1.2)
	case o.Won:
		// keep as computed
	case o.Confidence > 0.7:
		eff = -0.5 * o.Confidence * clamp01(o.MoveAccuracy)
	default:
		eff = 0
	}

	step := (eff - 0.5) * e.cfg.LearningRate * 0.1
	adj.Adjustment = clamp(adj.Adjustment+step, -e.cfg.MaxAdjustment, e.cfg.MaxAdjustment)
	adj.EffectivenessScore = 0.9*adj.EffectivenessScore + 0.1*eff
	adj.SampleCount++
	adj.LastUpdated = o.Timestamp

	return *adj
}

// retained returns the live slice of the ring in arrival order.
// Caller holds at least the read lock.
func (e *Engine) retained() []domain.Outcome {
	out := make([]domain.Outcome, 0, e.count)
	if e.count < len(e.history) {
		out = append(out, e.history[:e.count]...)
		return out
	}
	out = append(out, e.history[e.head:]...)
	out = append(out, e.history[:e.head]...)
	return out
}

func (e *Engine) bucketIndex(conf float64) int {
	idx := int(conf * float64(len(e.buckets)))
	if idx >= len(e.buckets) {
		idx = len(e.buckets) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Buckets returns a copy of the bucket table.
func (e *Engine) Buckets() []domain.CalibrationBucket {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.CalibrationBucket, len(e.buckets))
	copy(out, e.buckets)
	return out
}

// Adjustment returns a copy of the adjustment for signalType, if present.
func (e *Engine) Adjustment(signalType string) (domain.ConfidenceAdjustment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	adj, ok := e.adjustments[signalType]
	if !ok {
		return domain.ConfidenceAdjustment{}, false
	}
	return *adj, true
}

// SampleCount returns the number of retained outcomes.
func (e *Engine) SampleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
