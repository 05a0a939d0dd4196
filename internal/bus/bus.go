package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic names carried by the bus. Payload types per topic are documented on
// the corresponding structs in internal/domain.
const (
	TopicAnalyticsUpdate = "analytics:update"
	TopicStateTransition = "state:transition"
	TopicTradeSignal     = "trade:signal"
	TopicPositionClosed  = "position:closed"
	TopicExecutionClose  = "execution:close"
	TopicRiskEmergency   = "risk:emergency"
	TopicModeChanged     = "mode:changed"
	TopicHealthReport    = "health:report"
	TopicConfigUpdate    = "config:update"
)

var (
	ErrBusClosed     = errors.New("event bus closed")
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrQueueOverflow = errors.New("subscriber queue full")
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        uint64
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Handler processes one event. Handler errors are logged, never propagated to
// the publisher: a fault in one subscriber must not halt the others.
type Handler func(ctx context.Context, ev Event) error

// Bus is an in-process publish/subscribe transport. Each subscription runs on
// its own worker goroutine fed by a bounded queue, so slow subscribers cannot
// block publishers; overflow drops the event with a warning and is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	closed  bool
	nextID  atomic.Uint64
	dropped atomic.Uint64

	queueSize int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type subscription struct {
	name    string
	topic   string
	handler Handler
	ch      chan Event
}

// New creates a bus whose subscriber queues hold up to queueSize events.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:      make(map[string][]*subscription),
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers handler for topic under a subscriber name used in logs.
// Subscriptions are expected at startup; there is no unsubscribe.
func (b *Bus) Subscribe(topic, name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub := &subscription{
		name:    name,
		topic:   topic,
		handler: handler,
		ch:      make(chan Event, b.queueSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.run(sub)

	log.Debug().Str("topic", topic).Str("subscriber", name).Msg("bus subscription registered")
	return nil
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-sub.ch:
					b.dispatch(sub, ev)
				default:
					return
				}
			}
		case ev := <-sub.ch:
			b.dispatch(sub, ev)
		}
	}
}

func (b *Bus) dispatch(sub *subscription, ev Event) {
	if err := sub.handler(b.ctx, ev); err != nil {
		log.Warn().
			Err(err).
			Str("topic", ev.Topic).
			Str("subscriber", sub.name).
			Uint64("event_id", ev.ID).
			Msg("subscriber handler failed")
	}
}

// Publish delivers payload to every subscriber of topic. Delivery is
// asynchronous; a full subscriber queue drops the event for that subscriber
// only.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	ev := Event{
		ID:        b.nextID.Add(1),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("topic", topic).
				Str("subscriber", sub.name).
				Msg("subscriber queue full, event dropped")
		}
	}
	return nil
}

// Close stops delivery. Queued events are drained before workers exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// Health reports liveness and drop accounting for the health check.
type Health struct {
	Healthy       bool   `json:"healthy"`
	Subscriptions int    `json:"subscriptions"`
	Dropped       uint64 `json:"dropped"`
}

// Health returns the bus health snapshot.
func (b *Bus) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return Health{
		Healthy:       !b.closed,
		Subscriptions: n,
		Dropped:       b.dropped.Load(),
	}
}

// Ping satisfies the liveness probe used by the mode controller.
func (b *Bus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}
