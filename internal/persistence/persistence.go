// Package persistence stores learned confidence adjustments across restarts.
// Two real drivers are provided, postgres and redis, plus a no-op driver for
// ephemeral runs. Load failures are never fatal to the caller: calibration
// starts from defaults when history is unavailable.
package persistence

import (
	"context"
	"fmt"

	"github.com/kjarvik/tradegate/internal/config"
	"github.com/kjarvik/tradegate/internal/domain"
)

// Store is the persistence contract the calibration engine depends on.
type Store interface {
	LoadAdjustments(ctx context.Context) ([]domain.ConfidenceAdjustment, error)
	SaveAdjustment(ctx context.Context, adj domain.ConfidenceAdjustment) error
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store named by cfg.Persistence.Driver.
func Open(ctx context.Context, cfg config.Persistence) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case config.DriverRedis:
		return OpenRedis(ctx, cfg.RedisURL)
	case config.DriverNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// Noop discards writes and loads nothing.
type Noop struct{}

func (Noop) LoadAdjustments(context.Context) ([]domain.ConfidenceAdjustment, error) {
	return nil, nil
}

func (Noop) SaveAdjustment(context.Context, domain.ConfidenceAdjustment) error { return nil }

func (Noop) Ping(context.Context) error { return nil }

func (Noop) Close() error { return nil }
