package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kjarvik/tradegate/internal/domain"
)

const pgTimeout = 5 * time.Second

const adjustmentsSchema = `
CREATE TABLE IF NOT EXISTS confidence_adjustments (
	signal_type         TEXT PRIMARY KEY,
	raw_baseline        DOUBLE PRECISION NOT NULL,
	adjustment          DOUBLE PRECISION NOT NULL,
	effectiveness_score DOUBLE PRECISION NOT NULL,
	sample_count        INTEGER NOT NULL,
	last_updated        TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps confidence adjustments in a single upsert table.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, adjustmentsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle; used by tests with sqlmock.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadAdjustments(ctx context.Context) ([]domain.ConfidenceAdjustment, error) {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	var out []domain.ConfidenceAdjustment
	err := s.db.SelectContext(ctx, &out, `
		SELECT signal_type, raw_baseline, adjustment, effectiveness_score, sample_count, last_updated
		FROM confidence_adjustments
		ORDER BY signal_type`)
	if err != nil {
		return nil, fmt.Errorf("load adjustments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveAdjustment(ctx context.Context, adj domain.ConfidenceAdjustment) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confidence_adjustments
			(signal_type, raw_baseline, adjustment, effectiveness_score, sample_count, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signal_type) DO UPDATE SET
			raw_baseline        = EXCLUDED.raw_baseline,
			adjustment          = EXCLUDED.adjustment,
			effectiveness_score = EXCLUDED.effectiveness_score,
			sample_count        = EXCLUDED.sample_count,
			last_updated        = EXCLUDED.last_updated`,
		adj.SignalType, adj.RawBaseline, adj.Adjustment,
		adj.EffectivenessScore, adj.SampleCount, adj.LastUpdated)
	if err != nil {
		return fmt.Errorf("save adjustment %s: %w", adj.SignalType, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pgTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
