// Package application wires the bus, the per-instrument state machines, the
// admission controller, calibration and the mode controller into one engine.
package application

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/kjarvik/tradegate/internal/admission"
	"github.com/kjarvik/tradegate/internal/bus"
	"github.com/kjarvik/tradegate/internal/calibration"
	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
	"github.com/kjarvik/tradegate/internal/instrument"
	"github.com/kjarvik/tradegate/internal/metrics"
	"github.com/kjarvik/tradegate/internal/modectl"
	"github.com/kjarvik/tradegate/internal/telemetry"
)

// workerQueueSize bounds each instrument's pending-update queue. Updates
// beyond it are dropped; analytics streams are fresher-is-better.
const workerQueueSize = 64

// machineWorker serializes one instrument's evaluations on a dedicated
// goroutine while different instruments evaluate concurrently.
type machineWorker struct {
	machine *instrument.Machine
	updates chan domain.AnalyticsUpdate
	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// Engine owns the instrument population and all bus subscriptions.
type Engine struct {
	cfg     *config.Store
	bus     *bus.Bus
	cal     *calibration.Engine
	adm     *admission.Controller
	mode    *modectl.Controller
	perf    *modectl.PerformanceTracker
	health  *modectl.HealthChecker
	metrics *metrics.Registry
	hub     *telemetry.Hub

	mu      sync.Mutex
	workers map[string]*machineWorker

	// Mode active when each instrument's current position was opened, so a
	// close arriving after a switch is attributed to the right mode.
	openedMode map[string]domain.Mode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine assembles the engine around already-constructed components.
func NewEngine(cfg *config.Store, b *bus.Bus, cal *calibration.Engine, adm *admission.Controller, perf *modectl.PerformanceTracker, health *modectl.HealthChecker, reg *metrics.Registry, hub *telemetry.Hub) *Engine {
	return &Engine{
		cfg:        cfg,
		bus:        b,
		cal:        cal,
		adm:        adm,
		perf:       perf,
		health:     health,
		metrics:    reg,
		hub:        hub,
		workers:    make(map[string]*machineWorker),
		openedMode: make(map[string]domain.Mode),
	}
}

// SetModeController injects the mode controller after construction; the
// controller needs the engine as its instrument registry, so the two are tied
// together in two steps during wiring.
func (e *Engine) SetModeController(mc *modectl.Controller) {
	e.mode = mc
}

// Start registers the bus subscriptions and launches the background tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.TopicAnalyticsUpdate, e.onAnalyticsUpdate},
		{bus.TopicStateTransition, e.onStateTransition},
		{bus.TopicTradeSignal, e.onTradeSignal},
		{bus.TopicPositionClosed, e.onPositionClosed},
		{bus.TopicRiskEmergency, e.onRiskEmergency},
		{bus.TopicModeChanged, e.onModeChanged},
		{bus.TopicHealthReport, e.onHealthReport},
		{bus.TopicConfigUpdate, e.onConfigUpdate},
	}
	for _, s := range subs {
		if err := e.bus.Subscribe(s.topic, "engine", s.handler); err != nil {
			return err
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.hub.Run(e.ctx)
	}()
	e.mode.Run(e.ctx)

	log.Info().Msg("engine started")
	return nil
}

// Stop halts the background tasks. The bus is closed by the caller that
// created it.
func (e *Engine) Stop() {
	e.mode.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	log.Info().Msg("engine stopped")
}

// onAnalyticsUpdate validates, rate-limits and dispatches one update to the
// owning instrument worker, creating it on first sight.
func (e *Engine) onAnalyticsUpdate(_ context.Context, ev bus.Event) error {
	u, ok := ev.Payload.(domain.AnalyticsUpdate)
	if !ok {
		e.metrics.UpdatesDropped.Inc()
		log.Warn().Str("topic", ev.Topic).Msg("unexpected payload type")
		return nil
	}
	if err := u.Validate(); err != nil {
		e.metrics.UpdatesDropped.Inc()
		log.Warn().Err(err).Str("instrument", u.InstrumentID).Msg("analytics update rejected")
		return nil
	}

	w, ok := e.worker(u.InstrumentID)
	if !ok {
		// SINGLE mode tracks one instrument; updates for others are ignored.
		log.Debug().Str("instrument", u.InstrumentID).Msg("update ignored in single-instrument mode")
		return nil
	}
	if !w.limiter.Allow() {
		e.metrics.UpdatesDropped.Inc()
		return nil
	}

	select {
	case w.updates <- u:
	default:
		e.metrics.UpdatesDropped.Inc()
		log.Warn().Str("instrument", u.InstrumentID).Msg("instrument queue full, update dropped")
	}
	return nil
}

// worker returns the machine worker for instrumentID, creating it when the
// operating mode allows another instrument.
func (e *Engine) worker(instrumentID string) (*machineWorker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.workers[instrumentID]; ok {
		return w, true
	}
	if e.mode.Mode() == domain.ModeSingleInstrument && len(e.workers) >= 1 {
		return nil, false
	}

	cfg := e.cfg.Get()
	wctx, wcancel := context.WithCancel(e.ctx)
	w := &machineWorker{
		machine: instrument.NewMachine(instrumentID, e.cfg, e.cal, &meteredAdmitter{adm: e.adm, metrics: e.metrics}, e.bus),
		updates: make(chan domain.AnalyticsUpdate, workerQueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.UpdateRatePerSec), cfg.UpdateBurst),
		cancel:  wcancel,
	}
	e.workers[instrumentID] = w

	e.wg.Add(1)
	go e.runWorker(wctx, w)

	log.Info().Str("instrument", instrumentID).Msg("instrument tracked")
	return w, true
}

func (e *Engine) runWorker(ctx context.Context, w *machineWorker) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-w.updates:
			w.machine.Apply(u)
		}
	}
}

func (e *Engine) onStateTransition(_ context.Context, ev bus.Event) error {
	t, ok := ev.Payload.(domain.StateTransition)
	if !ok {
		return nil
	}
	e.metrics.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	e.hub.Broadcast(ev.Topic, t)
	return nil
}

func (e *Engine) onTradeSignal(_ context.Context, ev bus.Event) error {
	sig, ok := ev.Payload.(domain.TradeSignal)
	if !ok {
		return nil
	}
	e.metrics.SignalsTotal.Inc()
	e.metrics.OpenPositions.Set(float64(e.adm.OpenCount()))

	e.mu.Lock()
	e.openedMode[sig.InstrumentID] = e.mode.Mode()
	e.mu.Unlock()

	e.hub.Broadcast(ev.Topic, sig)
	return nil
}

// onPositionClosed releases the admission slot, updates the performance
// aggregates and feeds the realized outcome back into calibration.
func (e *Engine) onPositionClosed(_ context.Context, ev bus.Event) error {
	pc, ok := ev.Payload.(domain.PositionClosed)
	if !ok {
		return nil
	}

	// Close events are at-least-once: only the delivery that releases the
	// reservation feeds performance and calibration, the rest are replays.
	if _, released := e.adm.Release(pc.InstrumentID); !released {
		log.Debug().
			Str("instrument", pc.InstrumentID).
			Str("position_id", pc.PositionID).
			Msg("close event without reservation ignored")
		return nil
	}
	e.metrics.OpenPositions.Set(float64(e.adm.OpenCount()))

	e.mu.Lock()
	w := e.workers[pc.InstrumentID]
	openedIn, seen := e.openedMode[pc.InstrumentID]
	delete(e.openedMode, pc.InstrumentID)
	e.mu.Unlock()
	if !seen {
		openedIn = e.mode.Mode()
	}

	e.perf.RecordTrade(pc.PnL, pc.Won, openedIn)
	snap := e.perf.Snapshot()
	e.metrics.ConsecutiveLoss.Set(float64(snap.ConsecutiveLosses))

	result := "loss"
	if pc.Won {
		result = "win"
	}
	e.metrics.OutcomesTotal.WithLabelValues(result).Inc()

	if w == nil {
		return nil
	}
	sig, found := w.machine.PositionClosed(pc.PositionID)
	if !found {
		return nil
	}

	e.cal.RecordOutcome(domain.Outcome{
		SignalType:   sig.Source,
		Confidence:   sig.Confidence,
		Won:          pc.Won,
		MoveAccuracy: moveAccuracy(pc.PnL, sig.ExpectedMove, e.cfg.Get().ReferenceNotional),
		Timestamp:    time.Now(),
	})
	e.publishBucketErrors()
	e.hub.Broadcast(ev.Topic, pc)
	return nil
}

func (e *Engine) onRiskEmergency(ctx context.Context, ev bus.Event) error {
	em, ok := ev.Payload.(domain.RiskEmergency)
	if !ok {
		return nil
	}
	e.metrics.EmergencyTotal.WithLabelValues(em.Type).Inc()
	e.hub.Broadcast(ev.Topic, em)
	// Performance-review triggers flatten positions; external triggers pause
	// admissions only. Re-entrant for the controller's own outbound
	// notification; the breaker's check-and-set makes the second pass a
	// no-op.
	forceClose := em.Type == domain.EmergencyDrawdown || em.Type == domain.EmergencyConsecutiveLosses
	e.mode.Emergency(ctx, em, forceClose)
	return nil
}

func (e *Engine) onModeChanged(_ context.Context, ev bus.Event) error {
	mc, ok := ev.Payload.(domain.ModeChanged)
	if !ok {
		return nil
	}
	e.metrics.ModeSwitches.WithLabelValues(string(mc.From), string(mc.To)).Inc()
	e.hub.Broadcast(ev.Topic, mc)
	return nil
}

func (e *Engine) onHealthReport(_ context.Context, ev bus.Event) error {
	e.hub.Broadcast(ev.Topic, ev.Payload)
	return nil
}

// onConfigUpdate swaps in a new validated snapshot; invalid payloads keep the
// previous configuration.
func (e *Engine) onConfigUpdate(_ context.Context, ev bus.Event) error {
	cfg, ok := ev.Payload.(config.Config)
	if !ok {
		log.Warn().Str("topic", ev.Topic).Msg("unexpected payload type")
		return nil
	}
	if _, err := e.cfg.Swap(cfg); err != nil {
		log.Error().Err(err).Msg("config update rejected")
		return nil
	}
	log.Info().Msg("configuration reloaded")
	return nil
}

func (e *Engine) publishBucketErrors() {
	for i, b := range e.cal.Buckets() {
		e.metrics.BucketError.WithLabelValues(strconv.Itoa(i)).Set(b.CalibrationError)
	}
}

// moveAccuracy scores how much of the anticipated move was realized,
// normalizing PnL against the expected move on the reference notional.
func moveAccuracy(pnl, expectedMove, referenceNotional float64) float64 {
	expected := expectedMove * referenceNotional
	if expected <= 0 {
		return 0
	}
	acc := math.Abs(pnl) / expected
	if acc > 1 {
		return 1
	}
	return acc
}

// Snapshots returns the state of every tracked instrument.
func (e *Engine) Snapshots() []domain.InstrumentState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.InstrumentState, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, w.machine.Snapshot())
	}
	return out
}

// ResetAll tears down the instrument population. Machines are rebuilt lazily
// from the next analytics updates under the new mode.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, w := range e.workers {
		w.machine.Reset()
		w.cancel()
		delete(e.workers, id)
	}
	e.openedMode = make(map[string]domain.Mode)
	log.Info().Msg("instrument population reset")
}

// Mode exposes the operating mode for the status endpoints.
func (e *Engine) Mode() domain.Mode { return e.mode.Mode() }

// Paused reports whether the emergency breaker is tripped.
func (e *Engine) Paused() bool { return e.mode.Paused() }

// OpenPositions exposes the admission ledger for the status endpoints.
func (e *Engine) OpenPositions() []domain.Position { return e.adm.OpenPositions() }

// Performance exposes the rolling aggregates for the status endpoints.
func (e *Engine) Performance() domain.PerformanceSnapshot { return e.perf.Snapshot() }

// Health runs the dependency probes for the health endpoint.
func (e *Engine) Health(ctx context.Context) domain.HealthReport {
	return e.health.Check(ctx)
}
