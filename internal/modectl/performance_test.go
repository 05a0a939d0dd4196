package modectl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kjarvik/tradegate/internal/domain"
)

func TestPerformanceTracker_Aggregates(t *testing.T) {
	tr := NewPerformanceTracker()

	tr.RecordTrade(300, true, domain.ModeSingleInstrument)
	tr.RecordTrade(-100, false, domain.ModeSingleInstrument)
	tr.RecordTrade(-50, false, domain.ModeMultiInstrument)
	tr.RecordTrade(200, true, domain.ModeMultiInstrument)

	s := tr.Snapshot()
	assert.Equal(t, 4, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.InDelta(t, 0.5, s.WinRate(), 1e-9)
	assert.InDelta(t, 350.0, s.TotalPnL, 1e-9)
	assert.InDelta(t, 300.0, s.PeakPnL, 1e-9)
	// The streak resets on the final win.
	assert.Equal(t, 0, s.ConsecutiveLosses)

	single := s.PerMode[domain.ModeSingleInstrument]
	assert.Equal(t, 2, single.Trades)
	assert.Equal(t, 1, single.Wins)
	assert.InDelta(t, 200.0, single.PnL, 1e-9)
}

func TestPerformanceTracker_ConsecutiveLossStreak(t *testing.T) {
	tr := NewPerformanceTracker()

	for i := 0; i < 3; i++ {
		tr.RecordTrade(-10, false, domain.ModeSingleInstrument)
	}
	assert.Equal(t, 3, tr.Snapshot().ConsecutiveLosses)

	tr.RecordTrade(5, true, domain.ModeSingleInstrument)
	assert.Equal(t, 0, tr.Snapshot().ConsecutiveLosses)
}

func TestPerformanceTracker_SnapshotIsDeepCopy(t *testing.T) {
	tr := NewPerformanceTracker()
	tr.RecordTrade(100, true, domain.ModeSingleInstrument)

	s := tr.Snapshot()
	s.PerMode[domain.ModeSingleInstrument].PnL = -9999

	assert.InDelta(t, 100.0, tr.Snapshot().PerMode[domain.ModeSingleInstrument].PnL, 1e-9)
}

func TestDrawdownRatio(t *testing.T) {
	s := domain.PerformanceSnapshot{}
	assert.Equal(t, 0.0, s.DrawdownRatio())

	s.PeakPnL = 1000
	s.TotalPnL = 850
	assert.InDelta(t, 0.15, s.DrawdownRatio(), 1e-9)

	// At a fresh peak there is no drawdown.
	s.TotalPnL = 1000
	assert.Equal(t, 0.0, s.DrawdownRatio())
}
