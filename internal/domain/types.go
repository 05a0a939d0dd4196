package domain

import (
	"time"
)

// Side is the directional bias of a signal or position.
type Side string

const (
	SideLong    Side = "LONG"
	SideShort   Side = "SHORT"
	SideNeutral Side = "NEUTRAL"
)

// Status is the admission readiness state of a tracked instrument.
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusReady    Status = "READY"
	StatusSet      Status = "SET"
	StatusGo       Status = "GO"
	StatusCooldown Status = "COOLDOWN"
)

// rank orders statuses along the readiness ladder so upward moves can emit
// every intermediate transition.
var statusRank = map[Status]int{
	StatusInactive: 0,
	StatusReady:    1,
	StatusSet:      2,
	StatusGo:       3,
	StatusCooldown: 4,
}

// Rank returns the ladder position of s (INACTIVE lowest, COOLDOWN highest).
func (s Status) Rank() int { return statusRank[s] }

// Mode is the operating mode of the whole engine.
type Mode string

const (
	ModeSingleInstrument Mode = "SINGLE_INSTRUMENT"
	ModeMultiInstrument  Mode = "MULTI_INSTRUMENT"
	ModeTransitioning    Mode = "TRANSITIONING"
)

// Market regimes as reported by the analytics layer.
const (
	RegimeTrending = "TRENDING"
	RegimeChoppy   = "CHOP"
	RegimeHighVol  = "HIGH_VOL"
)

// InstrumentState is the full evaluated state of one tracked instrument.
// It is owned by that instrument's state machine; other components only see
// copies taken under the machine's lock.
type InstrumentState struct {
	InstrumentID    string     `json:"instrument_id"`
	Status          Status     `json:"status"`
	Confidence      float64    `json:"confidence"`
	ConfidenceDelta float64    `json:"confidence_delta"`
	RiskReward      float64    `json:"risk_reward"`
	Side            Side       `json:"side"`
	TrendComposite  float64    `json:"trend_composite"`
	PhaseComposite  float64    `json:"phase_composite"`
	Regime          string     `json:"regime"`
	LastUpdate      time.Time  `json:"last_update"`
	HasOpenPosition bool       `json:"has_open_position"`
	OpenPositionID  string     `json:"open_position_id,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
}

// TradeSignal is produced exactly once per admitted GO transition and is
// immutable after creation. The execution layer consumes it from the bus.
type TradeSignal struct {
	SignalID     string    `json:"signal_id"`
	InstrumentID string    `json:"instrument_id"`
	Side         Side      `json:"side"`
	Confidence   float64   `json:"confidence"`
	Conviction   float64   `json:"conviction"`
	ExpectedMove float64   `json:"expected_move"`
	Timeframe    string    `json:"timeframe"`
	Regime       string    `json:"regime"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

// Position is an open (or pending-fill) position tracked by the ledger.
type Position struct {
	PositionID   string    `json:"position_id"`
	InstrumentID string    `json:"instrument_id"`
	Side         Side      `json:"side"`
	SignalID     string    `json:"signal_id"`
	OpenedAt     time.Time `json:"opened_at"`
}

// CalibrationBucket is one fixed-width confidence bucket with realized stats.
type CalibrationBucket struct {
	MinConfidence     float64 `json:"min_confidence"`
	MaxConfidence     float64 `json:"max_confidence"`
	ExpectedWinRate   float64 `json:"expected_win_rate"`
	ActualWinRate     float64 `json:"actual_win_rate"`
	SampleCount       int     `json:"sample_count"`
	CalibrationError  float64 `json:"calibration_error"`
	ReliabilityWeight float64 `json:"reliability_weight"`
}

// ConfidenceAdjustment is the learned per-signal-type confidence correction.
type ConfidenceAdjustment struct {
	SignalType         string    `json:"signal_type" db:"signal_type"`
	RawBaseline        float64   `json:"raw_baseline" db:"raw_baseline"`
	Adjustment         float64   `json:"adjustment" db:"adjustment"`
	EffectivenessScore float64   `json:"effectiveness_score" db:"effectiveness_score"`
	SampleCount        int       `json:"sample_count" db:"sample_count"`
	LastUpdated        time.Time `json:"last_updated" db:"last_updated"`
}

// Outcome is one realized trade result fed back into calibration.
type Outcome struct {
	SignalType   string    `json:"signal_type"`
	Confidence   float64   `json:"confidence"`
	Won          bool      `json:"won"`
	MoveAccuracy float64   `json:"move_accuracy"`
	Timestamp    time.Time `json:"timestamp"`
}

// PerformanceSnapshot is the rolling aggregate the mode controller keeps for
// reporting and emergency decisions.
type PerformanceSnapshot struct {
	TotalTrades       int                 `json:"total_trades"`
	WinningTrades     int                 `json:"winning_trades"`
	TotalPnL          float64             `json:"total_pnl"`
	PeakPnL           float64             `json:"peak_pnl"`
	ConsecutiveLosses int                 `json:"consecutive_losses"`
	PerMode           map[Mode]*ModeStats `json:"per_mode"`
}

// ModeStats aggregates results realized while a given mode was active.
type ModeStats struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	PnL    float64 `json:"pnl"`
}

// WinRate returns the fraction of winning trades, 0 when no trades closed.
func (p PerformanceSnapshot) WinRate() float64 {
	if p.TotalTrades == 0 {
		return 0
	}
	return float64(p.WinningTrades) / float64(p.TotalTrades)
}

// DrawdownRatio is the current peak-to-trough loss relative to peak PnL.
// Zero until a positive peak exists.
func (p PerformanceSnapshot) DrawdownRatio() float64 {
	if p.PeakPnL <= 0 {
		return 0
	}
	dd := p.PeakPnL - p.TotalPnL
	if dd <= 0 {
		return 0
	}
	return dd / p.PeakPnL
}

// AnalyticsUpdate is the inbound analytical payload for one instrument.
type AnalyticsUpdate struct {
	InstrumentID   string  `json:"instrument_id"`
	Confidence     float64 `json:"confidence"`
	TrendComposite float64 `json:"trend_composite"`
	PhaseComposite float64 `json:"phase_composite"`
	RiskReward     float64 `json:"risk_reward"`
	Regime         string  `json:"regime"`
	Source         string  `json:"source"`
}

// Validate rejects malformed analytics payloads before they reach a machine.
func (u AnalyticsUpdate) Validate() error {
	switch {
	case u.InstrumentID == "":
		return ErrMissingInstrument
	case u.Confidence < 0 || u.Confidence > 1:
		return ErrConfidenceRange
	case u.RiskReward < 0:
		return ErrNegativeRiskReward
	}
	return nil
}

// StateTransition is published whenever a machine changes status.
type StateTransition struct {
	InstrumentID string    `json:"instrument_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Timestamp    time.Time `json:"timestamp"`
}

// PositionClosed is the inbound realized-outcome payload from execution.
type PositionClosed struct {
	InstrumentID string  `json:"instrument_id"`
	PositionID   string  `json:"position_id"`
	PnL          float64 `json:"pnl"`
	Won          bool    `json:"won"`
}

// Emergency trigger types raised by the performance review. These flatten
// open positions; external trigger types pause admissions and leave the
// positions to the operator.
const (
	EmergencyDrawdown          = "drawdown"
	EmergencyConsecutiveLosses = "consecutive_losses"
)

// RiskEmergency travels both directions: inbound external risk breaches and
// outbound shutdown notifications.
type RiskEmergency struct {
	Type      string  `json:"type"`
	Metric    float64 `json:"metric"`
	Threshold float64 `json:"threshold"`
}

// ModeChanged announces a completed operating-mode switch.
type ModeChanged struct {
	From         Mode   `json:"from"`
	To           Mode   `json:"to"`
	InstrumentID string `json:"instrument_id,omitempty"`
}

// HealthReport is the periodic component-liveness summary.
type HealthReport struct {
	Status     string          `json:"status"` // HEALTHY or DEGRADED
	Components map[string]bool `json:"components"`
	Timestamp  time.Time       `json:"timestamp"`
}

const (
	HealthHealthy  = "HEALTHY"
	HealthDegraded = "DEGRADED"
)
