package messagebus

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, registry *TopicRegistry, cfg EngineConfig) *Engine {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	e := NewEngine(registry, cfg)
	t.Cleanup(e.Close)
	return e
}

// blockingSub builds a subscription whose callback parks on release, with
// one pending message so a pump has something to deliver.
func blockingSub(registry *TopicRegistry, id string, entered chan<- string, release <-chan struct{}) *Subscription {
	topic := registry.GetOrAdd(id)
	topic.Store().Add(msg(id, "payload"))

	sub := NewSubscription(id, func(r MessageResult) (bool, error) {
		if !r.Terminal {
			entered <- id
			<-release
		}
		return true, nil
	}, 100)
	sub.AddOrUpdateCursor(id, 0, topic)
	topic.AddSubscription(sub)
	return sub
}

func TestEngineGrowsWhileAllWorkersBusy(t *testing.T) {
	registry := NewTopicRegistry(64)
	e := newTestEngine(t, registry, EngineConfig{
		MaxWorkers:        3,
		MaxIdleWorkers:    1,
		IdleCheckInterval: time.Hour,
	})

	entered := make(chan string, 8)
	release := make(chan struct{})
	defer close(release)

	// Admit one blocking pump at a time so each Schedule observes every
	// existing worker busy and spawns a new one.
	for i := 0; i < 3; i++ {
		e.Schedule(blockingSub(registry, fmt.Sprintf("s%d", i), entered, release))
		select {
		case <-entered:
		case <-time.After(3 * time.Second):
			t.Fatalf("pump %d never started", i)
		}
	}

	assert.Equal(t, 3, e.AllocatedWorkers())
	assert.Equal(t, 3, e.BusyWorkers())

	// A fourth ready subscription queues; the pool never exceeds MaxWorkers.
	e.Schedule(blockingSub(registry, "s3", entered, release))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, e.AllocatedWorkers())
}

func TestEngineShrinksWhenIdle(t *testing.T) {
	registry := NewTopicRegistry(64)
	e := newTestEngine(t, registry, EngineConfig{
		MaxWorkers:        4,
		MaxIdleWorkers:    1,
		IdleCheckInterval: 20 * time.Millisecond,
	})

	entered := make(chan string, 8)
	release := make(chan struct{})

	for i := 0; i < 4; i++ {
		e.Schedule(blockingSub(registry, fmt.Sprintf("s%d", i), entered, release))
		select {
		case <-entered:
		case <-time.After(3 * time.Second):
			t.Fatalf("pump %d never started", i)
		}
	}
	require.Equal(t, 4, e.AllocatedWorkers())

	// Unblock everything; the idle sweeps keep cycling workers until the
	// surplus drops within MaxIdleWorkers.
	close(release)
	require.Eventually(t, func() bool {
		return e.AllocatedWorkers() <= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngineCoalescesBurstSchedules(t *testing.T) {
	registry := NewTopicRegistry(64)
	e := newTestEngine(t, registry, EngineConfig{
		MaxWorkers:        1,
		MaxIdleWorkers:    1,
		IdleCheckInterval: time.Hour,
	})

	topic := registry.GetOrAdd("t")
	topic.Store().Add(msg("t", "a"))

	pumps := make(chan struct{}, 64)
	sub := NewSubscription("s1", func(MessageResult) (bool, error) {
		pumps <- struct{}{}
		return true, nil
	}, 100)
	sub.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(sub)

	// Burst of schedules before any pump runs: the queued flag collapses
	// them into a single enqueue.
	for i := 0; i < 50; i++ {
		e.Schedule(sub)
	}

	select {
	case <-pumps:
	case <-time.After(3 * time.Second):
		t.Fatal("pump never ran")
	}
	// One delivery for one message; the other 49 schedules were coalesced
	// and there is nothing left to read.
	select {
	case <-pumps:
		t.Fatal("coalesced schedule produced a second delivery")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineScheduleAfterClose(t *testing.T) {
	registry := NewTopicRegistry(64)
	e := NewEngine(registry, EngineConfig{
		IdleCheckInterval: time.Hour,
		Logger:            zerolog.Nop(),
	})
	e.Close()

	sub := NewSubscription("s1", discardCallback, 100)
	e.Schedule(sub)

	// The subscription is not stranded in a queued state.
	assert.False(t, sub.Queued())
	assert.Equal(t, 0, e.AllocatedWorkers())
}

func TestEngineSurvivesPanickingCallback(t *testing.T) {
	registry := NewTopicRegistry(64)
	e := newTestEngine(t, registry, EngineConfig{
		MaxWorkers:        1,
		MaxIdleWorkers:    1,
		IdleCheckInterval: time.Hour,
	})

	topic := registry.GetOrAdd("t")
	topic.Store().Add(msg("t", "boom"))

	bad := NewSubscription("bad", func(MessageResult) (bool, error) {
		panic("subscriber exploded")
	}, 100)
	bad.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(bad)
	e.Schedule(bad)

	delivered := make(chan struct{}, 1)
	good := NewSubscription("good", func(MessageResult) (bool, error) {
		delivered <- struct{}{}
		return true, nil
	}, 100)
	good.AddOrUpdateCursor("t", 0, topic)
	topic.AddSubscription(good)
	e.Schedule(good)

	// The worker that hit the panic keeps serving the queue.
	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestEngineDefaultConfig(t *testing.T) {
	cfg := EngineConfig{}
	cfg.applyDefaults()
	assert.Greater(t, cfg.MaxWorkers, 0)
	assert.Greater(t, cfg.MaxIdleWorkers, 0)
	assert.Equal(t, DefaultIdleCheckInterval, cfg.IdleCheckInterval)
	assert.NotNil(t, cfg.Counters)
}
