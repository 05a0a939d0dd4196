package modectl

import (
	"sync"

	"github.com/kjarvik/tradegate/internal/domain"
)

// PerformanceTracker accumulates trade outcomes for the periodic review and
// for the mode-attributed statistics exposed over the reporting surface.
type PerformanceTracker struct {
	mu   sync.Mutex
	snap domain.PerformanceSnapshot
}

func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{
		snap: domain.PerformanceSnapshot{
			PerMode: make(map[domain.Mode]*domain.ModeStats),
		},
	}
}

// RecordTrade folds one closed trade into the running aggregates. mode is the
// operating mode the trade was opened under.
func (t *PerformanceTracker) RecordTrade(pnl float64, won bool, mode domain.Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.snap
	s.TotalTrades++
	s.TotalPnL += pnl
	if won {
		s.WinningTrades++
		s.ConsecutiveLosses = 0
	} else {
		s.ConsecutiveLosses++
	}
	if s.TotalPnL > s.PeakPnL {
		s.PeakPnL = s.TotalPnL
	}

	ms := s.PerMode[mode]
	if ms == nil {
		ms = &domain.ModeStats{}
		s.PerMode[mode] = ms
	}
	ms.Trades++
	ms.PnL += pnl
	if won {
		ms.Wins++
	}
}

// Snapshot returns a deep copy safe to read without the lock.
func (t *PerformanceTracker) Snapshot() domain.PerformanceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.snap
	out.PerMode = make(map[domain.Mode]*domain.ModeStats, len(t.snap.PerMode))
	for mode, ms := range t.snap.PerMode {
		copied := *ms
		out.PerMode[mode] = &copied
	}
	return out
}
