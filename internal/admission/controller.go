package admission

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
)

// Rejection reasons, stable across repeated calls for the same state.
const (
	ReasonEmergency   = "emergency shutdown active"
	ReasonConcurrency = "concurrency limit"
	ReasonDuplicate   = "position already open"
)

// Check is one admission gate evaluation, in evaluation order.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Decision is the result of an admission request. On approval Position holds
// the reserved slot; the reservation is released when the matching
// position:closed event arrives, or explicitly if signal publication fails.
type Decision struct {
	Approved bool             `json:"approved"`
	Reason   string           `json:"reason,omitempty"`
	Checks   []Check          `json:"checks"`
	Position *domain.Position `json:"position,omitempty"`
}

// Controller serializes admission decisions against a single position
// ledger. State evaluation runs concurrently across instruments, but every
// Admit passes through one mutex so two GO transitions can never both take
// the last concurrency slot.
type Controller struct {
	cfg *config.Store

	mu         sync.Mutex
	positions  map[string]domain.Position // keyed by instrument id
	halted     bool
	haltReason string
}

// NewController creates a controller reading limits from cfg snapshots.
func NewController(cfg *config.Store) *Controller {
	return &Controller{
		cfg:       cfg,
		positions: make(map[string]domain.Position),
	}
}

// Admit runs the ordered gate checks for instrumentID. The first failing
// check determines the rejection reason; rejections have no side effects, so
// repeated calls for an unchanged state return identical decisions. Approval
// reserves the position slot immediately — execution fills asynchronously,
// and reserving at decision time is what keeps the global concurrency
// invariant under concurrent GO transitions.
func (c *Controller) Admit(instrumentID string, side domain.Side, signalID string) Decision {
	limit := c.cfg.Get().Admission.MaxConcurrent

	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{Checks: make([]Check, 0, 3)}

	emergency := Check{Name: "emergency", Passed: !c.halted}
	if c.halted {
		emergency.Reason = c.haltReason
	}
	d.Checks = append(d.Checks, emergency)
	if !emergency.Passed {
		d.Reason = ReasonEmergency
		return d
	}

	concurrency := Check{Name: "concurrency", Passed: len(c.positions) < limit}
	d.Checks = append(d.Checks, concurrency)
	if !concurrency.Passed {
		d.Reason = ReasonConcurrency
		return d
	}

	_, open := c.positions[instrumentID]
	duplicate := Check{Name: "duplicate", Passed: !open}
	d.Checks = append(d.Checks, duplicate)
	if !duplicate.Passed {
		d.Reason = ReasonDuplicate
		return d
	}

	pos := domain.Position{
		PositionID:   uuid.NewString(),
		InstrumentID: instrumentID,
		Side:         side,
		SignalID:     signalID,
		OpenedAt:     time.Now(),
	}
	c.positions[instrumentID] = pos
	d.Approved = true
	d.Position = &pos
	return d
}

// Release frees the slot held for instrumentID, returning the position that
// held it. Unknown instruments return false — a late or duplicate
// position:closed event is tolerated, not fatal.
func (c *Controller) Release(instrumentID string) (domain.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[instrumentID]
	if !ok {
		return domain.Position{}, false
	}
	delete(c.positions, instrumentID)
	return pos, true
}

// Halt pauses all new admissions. Idempotent.
func (c *Controller) Halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		return
	}
	c.halted = true
	c.haltReason = reason
	log.Warn().Str("reason", reason).Msg("admissions halted")
}

// Resume clears an emergency halt.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.halted {
		return
	}
	c.halted = false
	c.haltReason = ""
	log.Info().Msg("admissions resumed")
}

// Halted reports whether new admissions are paused.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// OpenCount returns the number of reserved/open positions.
func (c *Controller) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.positions)
}

// OpenPositions returns a copy of the ledger for draining and reporting.
func (c *Controller) OpenPositions() []domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}
