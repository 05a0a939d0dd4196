package modectl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kjarvik/tradegate/internal/bus"
	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
)

// ErrTransitionInProgress is returned when a mode switch is requested while
// another one holds the transition lock. Callers retry later.
var ErrTransitionInProgress = errors.New("mode transition in progress")

// ForceCloseModeSwitch is the close reason for positions still open when a
// graceful drain times out.
const ForceCloseModeSwitch = "MODE_SWITCH"

// Ledger is the admission-side view the controller needs: the open-position
// table and the emergency halt switch.
type Ledger interface {
	OpenCount() int
	OpenPositions() []domain.Position
	Halt(reason string)
	Resume()
}

// ExecutionGateway is the external order-execution collaborator. Calls are
// asynchronous by contract: the close outcome arrives later as a
// position:closed event.
type ExecutionGateway interface {
	ClosePosition(ctx context.Context, pos domain.Position, reason string) error
	Ping(ctx context.Context) error
}

// Registry is the instrument population view owned by the application layer.
type Registry interface {
	Snapshots() []domain.InstrumentState
	ResetAll()
}

// Publisher is the outbound slice of the event bus.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Controller supervises the instrument population: operating-mode switches
// with graceful draining, periodic health checks and performance reviews,
// and the emergency circuit breaker.
type Controller struct {
	cfg      *config.Store
	ledger   Ledger
	exec     ExecutionGateway
	registry Registry
	pub      Publisher
	perf     *PerformanceTracker
	health   *HealthChecker

	mu          sync.Mutex
	mode        domain.Mode
	cancelDrain context.CancelFunc // interrupts an in-flight graceful drain

	transitioning atomic.Bool
	paused        atomic.Bool
	running       atomic.Bool

	wg   sync.WaitGroup
	stop context.CancelFunc
	now  func() time.Time
}

// NewController builds a controller starting in SINGLE_INSTRUMENT mode.
func NewController(cfg *config.Store, ledger Ledger, exec ExecutionGateway, registry Registry, pub Publisher, perf *PerformanceTracker, health *HealthChecker) *Controller {
	return &Controller{
		cfg:      cfg,
		ledger:   ledger,
		exec:     exec,
		registry: registry,
		pub:      pub,
		perf:     perf,
		health:   health,
		mode:     domain.ModeSingleInstrument,
		now:      time.Now,
	}
}

// Mode returns the externally visible operating mode; TRANSITIONING while a
// switch holds the lock.
func (c *Controller) Mode() domain.Mode {
	if c.transitioning.Load() {
		return domain.ModeTransitioning
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Paused reports whether the emergency breaker is tripped.
func (c *Controller) Paused() bool { return c.paused.Load() }

// SwitchMode moves the engine to target. Only one transition may be in
// flight: the lock is taken check-and-set and released on every exit path.
// A graceful switch polls the open-position ledger up to the configured
// drain timeout and force-closes whatever remains; a non-graceful switch
// force-closes immediately.
func (c *Controller) SwitchMode(ctx context.Context, target domain.Mode, graceful bool) error {
	if target != domain.ModeSingleInstrument && target != domain.ModeMultiInstrument {
		return errors.New("invalid target mode")
	}

	if !c.transitioning.CompareAndSwap(false, true) {
		return ErrTransitionInProgress
	}
	defer c.transitioning.Store(false)

	c.mu.Lock()
	from := c.mode
	c.mu.Unlock()
	if from == target {
		return nil
	}

	log.Info().
		Str("from", string(from)).
		Str("to", string(target)).
		Bool("graceful", graceful).
		Msg("mode switch started")

	if graceful {
		if err := c.drain(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful drain interrupted")
		}
	}
	c.forceCloseAll(ctx, ForceCloseModeSwitch)

	// Rebuild the instrument population for the target mode.
	c.registry.ResetAll()

	c.mu.Lock()
	c.mode = target
	c.mu.Unlock()

	if err := c.pub.Publish(bus.TopicModeChanged, domain.ModeChanged{From: from, To: target}); err != nil {
		log.Warn().Err(err).Msg("mode change publish failed")
	}
	log.Info().Str("mode", string(target)).Msg("mode switch completed")
	return nil
}

// drain waits for open positions to close, bounded by the drain timeout and
// cancellable by the caller or by an emergency shutdown.
func (c *Controller) drain(ctx context.Context) error {
	cfg := c.cfg.Get().Mode

	drainCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer cancel()

	c.mu.Lock()
	c.cancelDrain = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelDrain = nil
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		if c.ledger.OpenCount() == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			return drainCtx.Err()
		case <-ticker.C:
		}
	}
}

// forceCloseAll instructs execution to close every open position. The ledger
// entries are released by the position:closed events that follow.
func (c *Controller) forceCloseAll(ctx context.Context, reason string) {
	positions := c.ledger.OpenPositions()
	for _, pos := range positions {
		if err := c.exec.ClosePosition(ctx, pos, reason); err != nil {
			// A failed force-close is an emergency-grade condition, not
			// something to retry silently.
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("force close failed")
			c.publishEmergency(domain.RiskEmergency{Type: "force_close_failed", Metric: 1, Threshold: 0})
		}
	}
	if len(positions) > 0 {
		log.Warn().Int("count", len(positions)).Str("reason", reason).Msg("open positions force-closed")
	}
}

// Emergency trips the portfolio circuit breaker. Idempotent: repeated
// triggers while already paused are no-ops and publish nothing. An in-flight
// graceful drain is interrupted so the force-close happens immediately.
func (c *Controller) Emergency(ctx context.Context, em domain.RiskEmergency, forceClose bool) {
	if !c.cfg.Get().Admission.EmergencyShutdown {
		log.Warn().Str("type", em.Type).Msg("emergency shutdown disabled by config, trigger ignored")
		return
	}
	if !c.paused.CompareAndSwap(false, true) {
		log.Debug().Str("type", em.Type).Msg("emergency trigger while already paused")
		return
	}

	log.Error().
		Str("type", em.Type).
		Float64("metric", em.Metric).
		Float64("threshold", em.Threshold).
		Msg("emergency shutdown")

	c.ledger.Halt(em.Type)

	c.mu.Lock()
	if c.cancelDrain != nil {
		c.cancelDrain()
	}
	c.mu.Unlock()

	if forceClose {
		c.forceCloseAll(ctx, em.Type)
	}
	c.publishEmergency(em)
}

// ClearEmergency re-enables admissions after operator intervention.
func (c *Controller) ClearEmergency() {
	if !c.paused.CompareAndSwap(true, false) {
		return
	}
	c.ledger.Resume()
	log.Info().Msg("emergency cleared, trading resumed")
}

func (c *Controller) publishEmergency(em domain.RiskEmergency) {
	if err := c.pub.Publish(bus.TopicRiskEmergency, em); err != nil {
		log.Error().Err(err).Msg("emergency publish failed")
	}
}

// Run starts the periodic health-check and performance-review tasks. They
// stop, without orphaned timers, when ctx is cancelled or Stop is called.
func (c *Controller) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.running.Store(true)

	c.wg.Add(2)
	go c.healthLoop(runCtx)
	go c.reviewLoop(runCtx)
}

// Stop cancels the periodic tasks and waits for them to exit.
func (c *Controller) Stop() {
	c.running.Store(false)
	if c.stop != nil {
		c.stop()
	}
	c.wg.Wait()
}

func (c *Controller) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.Get().Mode.HealthInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.runHealthCheck(ctx)
			timer.Reset(c.cfg.Get().Mode.HealthInterval)
		}
	}
}

func (c *Controller) runHealthCheck(ctx context.Context) {
	report := c.health.Check(ctx)
	report.Components["controller"] = c.running.Load()
	if !c.running.Load() {
		report.Status = domain.HealthDegraded
	}
	report.Timestamp = c.now()

	if err := c.pub.Publish(bus.TopicHealthReport, report); err != nil {
		log.Warn().Err(err).Msg("health report publish failed")
	}
	if report.Status == domain.HealthDegraded {
		log.Warn().Interface("components", report.Components).Msg("health degraded")
	}
}

func (c *Controller) reviewLoop(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.Get().Mode.ReviewInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.runPerformanceReview(ctx)
			c.evaluateAutoSwitch(ctx)
			timer.Reset(c.cfg.Get().Mode.ReviewInterval)
		}
	}
}

// runPerformanceReview recomputes the rolling aggregates and trips the
// emergency breaker on a loss streak or drawdown breach. Both triggers
// force-close open positions.
func (c *Controller) runPerformanceReview(ctx context.Context) {
	adm := c.cfg.Get().Admission
	snap := c.perf.Snapshot()

	log.Debug().
		Int("trades", snap.TotalTrades).
		Float64("win_rate", snap.WinRate()).
		Float64("pnl", snap.TotalPnL).
		Int("consecutive_losses", snap.ConsecutiveLosses).
		Msg("performance review")

	if snap.ConsecutiveLosses >= adm.MaxConsecutiveLoss {
		c.Emergency(ctx, domain.RiskEmergency{
			Type:      domain.EmergencyConsecutiveLosses,
			Metric:    float64(snap.ConsecutiveLosses),
			Threshold: float64(adm.MaxConsecutiveLoss),
		}, true)
		return
	}
	if dd := snap.DrawdownRatio(); dd > adm.MaxDrawdown {
		c.Emergency(ctx, domain.RiskEmergency{
			Type:      domain.EmergencyDrawdown,
			Metric:    dd,
			Threshold: adm.MaxDrawdown,
		}, true)
	}
}

// evaluateAutoSwitch recommends a mode based on rolling average confidence
// and routes the recommendation through the same exclusive SwitchMode path.
func (c *Controller) evaluateAutoSwitch(ctx context.Context) {
	if c.paused.Load() || c.transitioning.Load() {
		return
	}

	snapshots := c.registry.Snapshots()
	if len(snapshots) == 0 {
		return
	}
	sum := 0.0
	for _, s := range snapshots {
		sum += s.Confidence
	}
	avg := sum / float64(len(snapshots))

	target, ok := recommendMode(c.Mode(), avg, c.cfg.Get().Mode.AutoSwitchThreshold)
	if !ok {
		return
	}

	log.Info().
		Float64("avg_confidence", avg).
		Str("target", string(target)).
		Msg("auto-switch recommended")

	if err := c.SwitchMode(ctx, target, true); err != nil && !errors.Is(err, ErrTransitionInProgress) {
		log.Warn().Err(err).Msg("auto-switch failed")
	}
}
