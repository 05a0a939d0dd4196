package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := New(16)
	defer b.Close()

	var a, c atomic.Int32
	require.NoError(t, b.Subscribe(TopicTradeSignal, "sub-a", func(context.Context, Event) error {
		a.Add(1)
		return nil
	}))
	require.NoError(t, b.Subscribe(TopicTradeSignal, "sub-b", func(context.Context, Event) error {
		c.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(TopicTradeSignal, i))
	}

	require.Eventually(t, func() bool {
		return a.Load() == 5 && c.Load() == 5
	}, time.Second, 5*time.Millisecond)
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New(16)
	defer b.Close()

	var got atomic.Int32
	require.NoError(t, b.Subscribe(TopicStateTransition, "sub", func(context.Context, Event) error {
		got.Add(1)
		return nil
	}))

	require.NoError(t, b.Publish(TopicTradeSignal, "other topic"))
	require.NoError(t, b.Publish(TopicStateTransition, "mine"))

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give a stray delivery time to surface.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestBus_EventEnvelope(t *testing.T) {
	b := New(16)
	defer b.Close()

	events := make(chan Event, 1)
	require.NoError(t, b.Subscribe(TopicModeChanged, "sub", func(_ context.Context, ev Event) error {
		events <- ev
		return nil
	}))
	require.NoError(t, b.Publish(TopicModeChanged, "payload"))

	select {
	case ev := <-events:
		assert.Equal(t, TopicModeChanged, ev.Topic)
		assert.Equal(t, "payload", ev.Payload)
		assert.NotZero(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	b := New(16)
	defer b.Close()

	var ok atomic.Int32
	require.NoError(t, b.Subscribe(TopicTradeSignal, "failing", func(context.Context, Event) error {
		return errors.New("handler broken")
	}))
	require.NoError(t, b.Subscribe(TopicTradeSignal, "healthy", func(context.Context, Event) error {
		ok.Add(1)
		return nil
	}))

	require.NoError(t, b.Publish(TopicTradeSignal, 1))
	require.NoError(t, b.Publish(TopicTradeSignal, 2))

	require.Eventually(t, func() bool { return ok.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_SlowSubscriberDropsOnOverflow(t *testing.T) {
	b := New(1)
	defer b.Close()

	block := make(chan struct{})
	var delivered atomic.Int32
	require.NoError(t, b.Subscribe(TopicTradeSignal, "slow", func(context.Context, Event) error {
		<-block
		delivered.Add(1)
		return nil
	}))

	// First event occupies the worker, second fills the queue, the rest drop.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(TopicTradeSignal, i))
	}
	close(block)

	require.Eventually(t, func() bool {
		return b.Health().Dropped > 0
	}, time.Second, 5*time.Millisecond)
	assert.Less(t, delivered.Load(), int32(10))
}

func TestBus_CloseRejectsFurtherUse(t *testing.T) {
	b := New(16)
	b.Close()
	b.Close() // idempotent

	assert.ErrorIs(t, b.Publish(TopicTradeSignal, 1), ErrBusClosed)
	assert.ErrorIs(t, b.Subscribe(TopicTradeSignal, "late", func(context.Context, Event) error { return nil }), ErrBusClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), ErrBusClosed)
}

func TestBus_CloseDrainsQueuedEvents(t *testing.T) {
	b := New(64)

	var mu sync.Mutex
	var got []int
	require.NoError(t, b.Subscribe(TopicTradeSignal, "sub", func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(TopicTradeSignal, i))
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 20)
}

func TestBus_HealthSnapshot(t *testing.T) {
	b := New(16)
	require.NoError(t, b.Subscribe(TopicTradeSignal, "a", func(context.Context, Event) error { return nil }))
	require.NoError(t, b.Subscribe(TopicHealthReport, "b", func(context.Context, Event) error { return nil }))

	h := b.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, 2, h.Subscriptions)

	b.Close()
	assert.False(t, b.Health().Healthy)
}
