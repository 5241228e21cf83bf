package messagebus

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds bus construction parameters. Zero values pick the defaults
// documented on each field.
type Config struct {
	// MessageStoreSize is the per-topic ring capacity. Default 5000.
	MessageStoreSize int

	// MaxWorkers bounds the engine pool. Default 3 × CPU count.
	MaxWorkers int

	// MaxIdleWorkers is the idle slack tolerated before workers retire.
	// Default CPU count.
	MaxIdleWorkers int

	// IdleCheckInterval is the engine's re-schedule timer period. Default 5s.
	IdleCheckInterval time.Duration

	// Logger is the trace sink. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Counters is the telemetry sink. Defaults to NoopCounters.
	Counters Counters
}

// MessageBus is the in-process bus: topics keyed by name, each with a
// bounded ring of recent messages, fanned out to subscriptions by the
// worker engine. Publish never blocks on subscribers and never fails;
// the ring drops the oldest messages when consumers fall behind.
type MessageBus struct {
	registry *TopicRegistry
	engine   *Engine
	logger   zerolog.Logger

	publishedTotal  Counter
	publishedPerSec Counter
	subsTotal       Counter
	subsCurrent     Counter
	subsPerSec      Counter
}

// New creates a started bus. Callers own it and must Close it to stop the
// engine.
func New(cfg Config) *MessageBus {
	if cfg.Counters == nil {
		cfg.Counters = NoopCounters{}
	}
	registry := NewTopicRegistry(cfg.MessageStoreSize)
	return &MessageBus{
		registry: registry,
		engine: NewEngine(registry, EngineConfig{
			MaxWorkers:        cfg.MaxWorkers,
			MaxIdleWorkers:    cfg.MaxIdleWorkers,
			IdleCheckInterval: cfg.IdleCheckInterval,
			Logger:            cfg.Logger,
			Counters:          cfg.Counters,
		}),
		logger:          cfg.Logger,
		publishedTotal:  cfg.Counters.GetCounter(CounterMessagesPublishedTotal),
		publishedPerSec: cfg.Counters.GetCounter(CounterMessagesPublishedPerSec),
		subsTotal:       cfg.Counters.GetCounter(CounterSubscribersTotal),
		subsCurrent:     cfg.Counters.GetCounter(CounterSubscribersCurrent),
		subsPerSec:      cfg.Counters.GetCounter(CounterSubscribersPerSec),
	}
}

// Publish appends the message to its topic's store and schedules every
// current subscriber of that topic. It completes immediately and never
// reports an error to the publisher.
func (b *MessageBus) Publish(msg Message) {
	topic := b.registry.GetOrAdd(msg.Key)
	topic.Store().Add(msg)

	b.publishedTotal.SafeIncrement()
	b.publishedPerSec.SafeIncrement()

	for _, sub := range topic.Snapshot() {
		b.engine.Schedule(sub)
	}
}

// Subscribe registers the subscriber's event keys and begins delivery
// through callback, at most maxMessages per topic per batch.
//
// An empty cursor starts every key at id 0, i.e. the beginning of each
// topic's retention window; pass a GetCursor value to start at the head
// instead. A non-empty cursor resumes each listed key at its recorded
// position; event keys missing from it start at 0. An undecodable cursor
// fails the subscribe.
//
// The returned registration's Close tears the subscription down from every
// topic, after which one terminal cursor-only result is delivered.
func (b *MessageBus) Subscribe(subscriber Subscriber, cursor string, callback Callback, maxMessages int) (*Registration, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("messagebus: subscriber is required")
	}
	if callback == nil {
		return nil, fmt.Errorf("messagebus: callback is required")
	}

	decoded, err := DecodeCursors(cursor)
	if err != nil {
		return nil, fmt.Errorf("messagebus: invalid cursor: %w", err)
	}

	keys := subscriber.EventKeys()
	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}

	sub := NewSubscription(subscriber.Identity(), callback, maxMessages)

	// Resume positions from the cursor string first, in its order; cursors
	// for keys the subscriber no longer cares about are dropped here.
	for _, c := range decoded {
		if _, ok := keySet[c.Key]; !ok {
			continue
		}
		sub.AddOrUpdateCursor(c.Key, c.ID, b.registry.GetOrAdd(c.Key))
	}

	topics := make([]*Topic, 0, len(keys))
	for _, key := range keys {
		topic := b.registry.GetOrAdd(key)
		// No-op for keys already positioned by the cursor string.
		sub.AddOrUpdateCursor(key, 0, topic)
		topics = append(topics, topic)
	}

	reg := &Registration{bus: b, sub: sub}
	if dyn, ok := subscriber.(DynamicSubscriber); ok {
		reg.unhook = dyn.HookEventKeys(reg.eventKeyAdded, reg.eventKeyRemoved)
	}

	for _, topic := range topics {
		topic.AddSubscription(sub)
	}

	b.subsTotal.SafeIncrement()
	b.subsPerSec.SafeIncrement()
	b.subsCurrent.SafeIncrement()

	// Drain any backlog between the resume position and the current head.
	b.engine.Schedule(sub)

	return reg, nil
}

// GetCursor returns the next message id for key as a decimal string. It
// anchors a fresh subscription at the topic's current head without reading.
func (b *MessageBus) GetCursor(key string) string {
	topic := b.registry.Get(key)
	if topic == nil {
		return "0"
	}
	return strconv.FormatUint(topic.Store().MessageCount(), 10)
}

// AllocatedWorkers returns the engine's current worker count.
func (b *MessageBus) AllocatedWorkers() int {
	return b.engine.AllocatedWorkers()
}

// BusyWorkers returns how many workers are currently executing a pump.
func (b *MessageBus) BusyWorkers() int {
	return b.engine.BusyWorkers()
}

// Topics returns the topic registry. Exposed for collaborators that need
// read access to stores (gateways, monitors); the registry owns the topics.
func (b *MessageBus) Topics() *TopicRegistry {
	return b.registry
}

// Close stops the engine and waits for in-flight pumps to finish.
func (b *MessageBus) Close() {
	b.engine.Close()
}

// Registration is the teardown handle returned by Subscribe.
type Registration struct {
	bus    *MessageBus
	sub    *Subscription
	unhook func()

	closeOnce sync.Once
}

// Subscription exposes the underlying subscription, mainly for tests and
// observability.
func (r *Registration) Subscription() *Subscription {
	return r.sub
}

// Close removes the subscription from every topic and disposes it. After
// any in-flight pump completes, one terminal cursor-only result is
// delivered so the caller can persist its position. Idempotent.
func (r *Registration) Close() error {
	r.closeOnce.Do(func() {
		if r.unhook != nil {
			r.unhook()
		}
		r.sub.Dispose()
		for _, key := range r.sub.cursorKeys() {
			if topic := r.bus.registry.Get(key); topic != nil {
				topic.RemoveSubscription(r.sub)
			}
		}
		r.bus.subsCurrent.SafeDecrement()
		// Route the terminal result through the engine like any other
		// delivery.
		r.bus.engine.Schedule(r.sub)
	})
	return nil
}

// eventKeyAdded tracks dynamic interest: new keys anchor at the topic's
// current head rather than replaying the retention window.
func (r *Registration) eventKeyAdded(key string) {
	topic := r.bus.registry.GetOrAdd(key)
	r.sub.AddOrUpdateCursor(key, topic.Store().MessageCount(), topic)
	topic.AddSubscription(r.sub)
}

func (r *Registration) eventKeyRemoved(key string) {
	r.sub.RemoveCursor(key)
	if topic := r.bus.registry.Get(key); topic != nil {
		topic.RemoveSubscription(r.sub)
	}
}
