package instrument

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kjarvik/tradegate/internal/admission"
	"github.com/kjarvik/tradegate/internal/bus"
	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
)

// DefaultSource labels analytics updates that do not carry a source of their
// own; it doubles as the calibration signal-type key.
const DefaultSource = "composite"

// SignalTimeframe is stamped on every published signal.
const SignalTimeframe = "4h"

// Adjuster supplies calibrated confidence. The calibration engine fails open,
// so implementations must return the raw value when statistics are missing.
type Adjuster interface {
	Adjust(signalType string, raw float64) float64
}

// Admitter gates GO transitions and owns the position ledger.
type Admitter interface {
	Admit(instrumentID string, side domain.Side, signalID string) admission.Decision
	Release(instrumentID string) (domain.Position, bool)
}

// Publisher is the outbound slice of the event bus.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Machine is the per-instrument admission state machine. One machine exists
// per tracked instrument; Apply serializes that instrument's evaluation while
// different instruments evaluate concurrently.
type Machine struct {
	mu    sync.Mutex
	state domain.InstrumentState

	cfg      *config.Store
	adjuster Adjuster
	admitter Admitter
	pub      Publisher
	now      func() time.Time

	// Last published signal, kept until the next fire so a late
	// position:closed event can still be correlated for calibration.
	lastSignal *domain.TradeSignal

	seenUpdate bool
}

// NewMachine creates a machine in INACTIVE for instrumentID.
func NewMachine(instrumentID string, cfg *config.Store, adjuster Adjuster, admitter Admitter, pub Publisher) *Machine {
	return &Machine{
		state: domain.InstrumentState{
			InstrumentID: instrumentID,
			Status:       domain.StatusInactive,
			Side:         domain.SideNeutral,
		},
		cfg:      cfg,
		adjuster: adjuster,
		admitter: admitter,
		pub:      pub,
		now:      time.Now,
	}
}

// Apply advances the machine on one analytics update. The evaluation order
// is fixed: cooldown gate, calibration, side derivation, threshold ladder,
// then admission on entering GO.
func (m *Machine) Apply(u domain.AnalyticsUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	adm := m.cfg.Get().Admission
	st := &m.state

	st.LastUpdate = now
	st.TrendComposite = u.TrendComposite
	st.PhaseComposite = u.PhaseComposite
	st.RiskReward = u.RiskReward
	st.Regime = u.Regime

	// Cooldown overrides everything until it elapses.
	if st.CooldownUntil != nil {
		if now.Before(*st.CooldownUntil) {
			m.moveTo(domain.StatusCooldown, now)
			return
		}
		st.CooldownUntil = nil
	}

	source := u.Source
	if source == "" {
		source = DefaultSource
	}
	calibrated := m.adjuster.Adjust(source, u.Confidence)
	if m.seenUpdate {
		st.ConfidenceDelta = calibrated - st.Confidence
	} else {
		st.ConfidenceDelta = 0
		m.seenUpdate = true
	}
	st.Confidence = calibrated

	st.Side = deriveSide(u.TrendComposite, u.PhaseComposite)

	var target domain.Status
	switch {
	case st.Side == domain.SideNeutral || st.HasOpenPosition:
		target = domain.StatusInactive
	case calibrated < adm.MinConfidence:
		target = domain.StatusReady
	case st.RiskReward < adm.MinRiskReward:
		target = domain.StatusReady
	case st.ConfidenceDelta < adm.ConfidenceDelta:
		target = domain.StatusSet
	default:
		target = domain.StatusGo
	}

	m.moveTo(target, now)

	if st.Status == domain.StatusGo {
		m.fire(source, adm.CooldownDuration, now)
	}
}

// moveTo transitions to target, emitting every intermediate step when
// climbing the ladder so downstream consumers see READY and SET even when a
// single update clears all thresholds at once.
func (m *Machine) moveTo(target domain.Status, now time.Time) {
	cur := m.state.Status
	if cur == target {
		return
	}

	ladder := []domain.Status{domain.StatusInactive, domain.StatusReady, domain.StatusSet, domain.StatusGo}
	if target != domain.StatusCooldown && cur != domain.StatusCooldown && target.Rank() > cur.Rank() {
		for _, step := range ladder[cur.Rank()+1 : target.Rank()+1] {
			m.emitTransition(cur, step, now)
			cur = step
		}
	} else {
		m.emitTransition(cur, target, now)
	}
	m.state.Status = target
}

func (m *Machine) emitTransition(from, to domain.Status, now time.Time) {
	if err := m.pub.Publish(bus.TopicStateTransition, domain.StateTransition{
		InstrumentID: m.state.InstrumentID,
		From:         from,
		To:           to,
		Timestamp:    now,
	}); err != nil {
		log.Warn().Err(err).Str("instrument", m.state.InstrumentID).Msg("state transition publish failed")
	}
	log.Debug().
		Str("instrument", m.state.InstrumentID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("state transition")
}

// fire requests admission and, on approval, publishes exactly one trade
// signal and enters cooldown. Rejections leave the machine in GO; the next
// qualifying update retries admission.
func (m *Machine) fire(source string, cooldown time.Duration, now time.Time) {
	st := &m.state

	signalID := uuid.NewString()
	decision := m.admitter.Admit(st.InstrumentID, st.Side, signalID)
	if !decision.Approved {
		log.Info().
			Str("instrument", st.InstrumentID).
			Str("reason", decision.Reason).
			Msg("admission rejected")
		return
	}

	sig := domain.TradeSignal{
		SignalID:     signalID,
		InstrumentID: st.InstrumentID,
		Side:         st.Side,
		Confidence:   st.Confidence,
		Conviction:   conviction(st),
		ExpectedMove: expectedMove(st),
		Timeframe:    SignalTimeframe,
		Regime:       st.Regime,
		Source:       source,
		CreatedAt:    now,
	}

	if err := m.pub.Publish(bus.TopicTradeSignal, sig); err != nil {
		// The reservation must not leak if the signal never left.
		m.admitter.Release(st.InstrumentID)
		log.Error().Err(err).Str("instrument", st.InstrumentID).Msg("trade signal publish failed")
		return
	}

	st.HasOpenPosition = true
	st.OpenPositionID = decision.Position.PositionID
	until := now.Add(cooldown)
	st.CooldownUntil = &until
	m.lastSignal = &sig

	log.Info().
		Str("instrument", st.InstrumentID).
		Str("signal_id", sig.SignalID).
		Str("side", string(sig.Side)).
		Float64("confidence", sig.Confidence).
		Float64("conviction", sig.Conviction).
		Msg("trade signal published")

	m.moveTo(domain.StatusCooldown, now)
}

// PositionClosed clears the open-position flag and returns the signal that
// opened it, if still known. Arrival order relative to analytics updates is
// arbitrary; closing an unknown position is a no-op.
func (m *Machine) PositionClosed(positionID string) (domain.TradeSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.OpenPositionID != "" && m.state.OpenPositionID != positionID {
		log.Warn().
			Str("instrument", m.state.InstrumentID).
			Str("position_id", positionID).
			Str("open_position_id", m.state.OpenPositionID).
			Msg("close event for unknown position")
		return domain.TradeSignal{}, false
	}

	m.state.HasOpenPosition = false
	m.state.OpenPositionID = ""

	if m.lastSignal == nil {
		return domain.TradeSignal{}, false
	}
	// Hand the signal out exactly once so a replayed close event cannot
	// feed the same outcome into calibration twice.
	sig := *m.lastSignal
	m.lastSignal = nil
	return sig, true
}

// Reset forces the machine back to INACTIVE, clearing cooldown. Used when a
// mode switch rebuilds the instrument population.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status != domain.StatusInactive {
		m.emitTransition(m.state.Status, domain.StatusInactive, m.now())
	}
	m.state.Status = domain.StatusInactive
	m.state.CooldownUntil = nil
	m.state.Side = domain.SideNeutral
}

// Snapshot returns a copy of the instrument state for reporting.
func (m *Machine) Snapshot() domain.InstrumentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetClock overrides the time source in tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
