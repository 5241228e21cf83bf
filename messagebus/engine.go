package messagebus

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIdleCheckInterval is how often the engine re-schedules every
// subscription to sweep up messages stranded by the publish-during-pump
// race, and incidentally drives idle workers toward retirement.
const DefaultIdleCheckInterval = 5 * time.Second

// EngineConfig holds the engine tunables, read once at construction.
type EngineConfig struct {
	// MaxWorkers bounds the pool. Default 3 × CPU count.
	MaxWorkers int

	// MaxIdleWorkers is the idle slack tolerated before workers retire.
	// Default CPU count.
	MaxIdleWorkers int

	// IdleCheckInterval is the re-schedule timer period. Default 5s.
	IdleCheckInterval time.Duration

	Logger   zerolog.Logger
	Counters Counters
}

func (c *EngineConfig) applyDefaults() {
	cpus := runtime.NumCPU()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 3 * cpus
	}
	if c.MaxIdleWorkers <= 0 {
		c.MaxIdleWorkers = cpus
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = DefaultIdleCheckInterval
	}
	if c.Counters == nil {
		c.Counters = NoopCounters{}
	}
}

// Engine schedules subscription pumps across a bounded, adaptive worker
// pool. Ready subscriptions wait in a single FIFO guarded by a mutex and
// condition variable. Allocation is demand driven: a worker is spawned only
// when every existing worker is busy. Shrinkage is slack driven: a worker
// retires when the idle surplus exceeds MaxIdleWorkers.
type Engine struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Subscription
	closed bool

	// allocated counts workers that exist; busy counts workers currently
	// executing a pump. allocated <= MaxWorkers and busy <= allocated.
	allocated atomic.Int32
	busy      atomic.Int32

	// checking is the single-flight guard for the idle timer sweep.
	checking atomic.Int32

	maxWorkers int
	maxIdle    int
	interval   time.Duration

	registry *TopicRegistry
	logger   zerolog.Logger

	allocatedGauge Counter
	busyGauge      Counter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine draining subscriptions registered in the
// given topic registry, and starts its idle-check timer.
func NewEngine(registry *TopicRegistry, cfg EngineConfig) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		maxWorkers:     cfg.MaxWorkers,
		maxIdle:        cfg.MaxIdleWorkers,
		interval:       cfg.IdleCheckInterval,
		registry:       registry,
		logger:         cfg.Logger,
		allocatedGauge: cfg.Counters.GetCounter(CounterAllocatedWorkers),
		busyGauge:      cfg.Counters.GetCounter(CounterBusyWorkers),
		stopCh:         make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	e.wg.Add(1)
	go e.idleLoop()
	return e
}

// Schedule marks the subscription ready. The queued flag collapses bursts:
// only the caller that transitions queued 0→1 enqueues; every later call
// before the pump finishes is coalesced into that one run.
func (e *Engine) Schedule(sub *Subscription) {
	if !sub.SetQueued() {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.UnsetQueued()
		return
	}
	e.queue = append(e.queue, sub)
	e.cond.Signal()
	e.mu.Unlock()

	e.addWorker()
}

// addWorker spawns a worker iff the pool is below MaxWorkers and every
// existing worker is busy. The CAS loop makes the two-condition check and
// the increment atomic against concurrent schedulers.
func (e *Engine) addWorker() {
	for {
		allocated := e.allocated.Load()
		if int(allocated) >= e.maxWorkers || allocated != e.busy.Load() {
			return
		}
		if e.allocated.CompareAndSwap(allocated, allocated+1) {
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				e.allocated.Add(-1)
				return
			}
			e.wg.Add(1)
			e.mu.Unlock()
			e.allocatedGauge.SafeSetRaw(int64(allocated + 1))
			go e.pump()
			return
		}
	}
}

// pump is the worker body: dequeue, drain one subscription, clear its
// queued flag, repeat. The worker retires when the idle surplus exceeds
// MaxIdleWorkers. The allocated decrement runs exactly once per worker
// regardless of exit path.
func (e *Engine) pump() {
	defer e.wg.Done()
	defer func() {
		e.allocatedGauge.SafeSetRaw(int64(e.allocated.Add(-1)))
	}()

	for {
		if int(e.allocated.Load()-e.busy.Load()) > e.maxIdle {
			return
		}

		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			// Closed with nothing left to drain.
			e.mu.Unlock()
			return
		}
		sub := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.busyGauge.SafeSetRaw(int64(e.busy.Add(1)))

		err := e.work(sub)

		// Clearing queued here is the race-free handoff: a Publish that saw
		// queued=1 during this pump was coalesced into it; a Publish after
		// this line re-queues. The window in between is covered by the idle
		// timer sweep.
		sub.UnsetQueued()

		busy := e.busy.Add(-1)
		if busy < 0 {
			// Accounting bug; clamp and keep serving.
			e.busy.Store(0)
			busy = 0
			e.logger.Error().Msg("busy worker count went negative, clamped to zero")
		}
		e.busyGauge.SafeSetRaw(int64(busy))

		if err != nil {
			e.logger.Info().
				Err(err).
				Str("subscription", sub.Identity()).
				Msg("subscription pump faulted")
		}
	}
}

// work runs one pump with panic containment so a misbehaving callback
// cannot take the worker down.
func (e *Engine) work(sub *Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscription pump: %v", r)
			e.logger.Error().
				Interface("panic_value", r).
				Str("subscription", sub.Identity()).
				Str("stack_trace", string(debug.Stack())).
				Msg("subscription pump panicked")
		}
	}()
	return sub.Work()
}

// idleLoop periodically re-schedules every subscription of every topic.
// This recovers subscriptions whose queued flag was cleared in the narrow
// window after a Publish checked it but before new messages became visible,
// and delivers to subscriptions that joined mid-publish. The checking flag
// keeps sweeps single flight.
func (e *Engine) idleLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if !e.checking.CompareAndSwap(0, 1) {
				continue
			}
			e.registry.Range(func(t *Topic) bool {
				for _, sub := range t.Snapshot() {
					e.Schedule(sub)
				}
				return true
			})
			e.checking.Store(0)
		}
	}
}

// AllocatedWorkers returns the number of workers currently existing.
func (e *Engine) AllocatedWorkers() int {
	return int(e.allocated.Load())
}

// BusyWorkers returns the number of workers currently executing a pump.
func (e *Engine) BusyWorkers() int {
	return int(e.busy.Load())
}

// Close stops the idle timer, drains the queue, and waits for all workers
// to retire. Safe to call once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}
