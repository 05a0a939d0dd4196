package application

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/kjarvik/tradegate/internal/bus"
	"github.com/kjarvik/tradegate/internal/domain"
)

// CloseRequest asks the execution layer to flatten one position. The realized
// outcome comes back later as a position:closed event.
type CloseRequest struct {
	Position domain.Position `json:"position"`
	Reason   string          `json:"reason"`
}

// BusExecutionGateway forwards execution commands over the event bus. The
// actual order routing lives outside this process.
type BusExecutionGateway struct {
	bus *bus.Bus
}

func NewBusExecutionGateway(b *bus.Bus) *BusExecutionGateway {
	return &BusExecutionGateway{bus: b}
}

// ClosePosition publishes the close request. Publishing is fire-and-forget;
// the admission slot stays reserved until position:closed arrives.
func (g *BusExecutionGateway) ClosePosition(_ context.Context, pos domain.Position, reason string) error {
	log.Info().
		Str("position_id", pos.PositionID).
		Str("instrument", pos.InstrumentID).
		Str("reason", reason).
		Msg("close requested")
	return g.bus.Publish(bus.TopicExecutionClose, CloseRequest{Position: pos, Reason: reason})
}

// Ping reports whether the command path is alive.
func (g *BusExecutionGateway) Ping(ctx context.Context) error {
	return g.bus.Ping(ctx)
}
