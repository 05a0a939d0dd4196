package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjarvik/tradegate/internal/domain"
)

func TestRedisStore_LoadAdjustments(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	adj := domain.ConfidenceAdjustment{
		SignalType:  "composite",
		Adjustment:  -0.04,
		SampleCount: 25,
		LastUpdated: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	encoded, err := json.Marshal(adj)
	require.NoError(t, err)

	mock.ExpectHGetAll(adjustmentsKey).SetVal(map[string]string{
		"composite": string(encoded),
	})

	adjs, err := store.LoadAdjustments(context.Background())
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, "composite", adjs[0].SignalType)
	assert.InDelta(t, -0.04, adjs[0].Adjustment, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_LoadAdjustmentsEmpty(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	mock.ExpectHGetAll(adjustmentsKey).SetVal(map[string]string{})

	adjs, err := store.LoadAdjustments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, adjs)
}

func TestRedisStore_LoadAdjustmentsCorruptEntry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	mock.ExpectHGetAll(adjustmentsKey).SetVal(map[string]string{
		"composite": "{not json",
	})

	_, err := store.LoadAdjustments(context.Background())
	assert.ErrorContains(t, err, "decode adjustment composite")
}

func TestRedisStore_SaveAdjustment(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	adj := domain.ConfidenceAdjustment{
		SignalType:  "composite",
		Adjustment:  0.02,
		SampleCount: 12,
		LastUpdated: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	encoded, err := json.Marshal(adj)
	require.NoError(t, err)

	mock.ExpectHSet(adjustmentsKey, "composite", encoded).SetVal(1)

	require.NoError(t, store.SaveAdjustment(context.Background(), adj))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_SaveAdjustmentError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client)

	adj := domain.ConfidenceAdjustment{SignalType: "composite"}
	encoded, err := json.Marshal(adj)
	require.NoError(t, err)

	mock.ExpectHSet(adjustmentsKey, "composite", encoded).SetErr(errors.New("read only replica"))

	err = store.SaveAdjustment(context.Background(), adj)
	assert.ErrorContains(t, err, "save adjustment composite")
}

func TestOpenRedis_BadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}
