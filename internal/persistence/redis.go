package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjarvik/tradegate/internal/domain"
)

const (
	redisTimeout = 5 * time.Second

	// One hash, field per signal type, JSON-encoded adjustment.
	adjustmentsKey = "tradegate:calibration:adjustments"
)

// RedisStore keeps confidence adjustments in a single redis hash.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects using a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStore wraps an existing client; used by tests with redismock.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) LoadAdjustments(ctx context.Context) ([]domain.ConfidenceAdjustment, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, adjustmentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load adjustments: %w", err)
	}

	out := make([]domain.ConfidenceAdjustment, 0, len(fields))
	for signalType, raw := range fields {
		var adj domain.ConfidenceAdjustment
		if err := json.Unmarshal([]byte(raw), &adj); err != nil {
			return nil, fmt.Errorf("decode adjustment %s: %w", signalType, err)
		}
		out = append(out, adj)
	}
	return out, nil
}

func (s *RedisStore) SaveAdjustment(ctx context.Context, adj domain.ConfidenceAdjustment) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	data, err := json.Marshal(adj)
	if err != nil {
		return fmt.Errorf("encode adjustment %s: %w", adj.SignalType, err)
	}
	if err := s.client.HSet(ctx, adjustmentsKey, adj.SignalType, data).Err(); err != nil {
		return fmt.Errorf("save adjustment %s: %w", adj.SignalType, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
