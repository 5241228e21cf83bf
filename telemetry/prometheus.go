// Package telemetry provides a Prometheus-backed implementation of the
// message bus counter sink. Counters can be scraped at /metrics and
// visualized in Grafana.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netdebug/SignalR/messagebus"
)

// perSecWindow is the sampling period for the rate gauges.
const perSecWindow = time.Second

// Prometheus metric per recognized bus counter. Gauges throughout: the bus
// sink contract includes decrement and raw set, which plain prometheus
// counters cannot express.
var busMetricOpts = map[string]prometheus.GaugeOpts{
	messagebus.CounterMessagesPublishedTotal: {
		Name: "signalr_messages_published_total",
		Help: "Total number of messages published to the bus",
	},
	messagebus.CounterMessagesPublishedPerSec: {
		Name: "signalr_messages_published_per_sec",
		Help: "Messages published per second, sampled over the last one-second window",
	},
	messagebus.CounterSubscribersTotal: {
		Name: "signalr_subscribers_total",
		Help: "Total number of subscriptions ever created",
	},
	messagebus.CounterSubscribersCurrent: {
		Name: "signalr_subscribers_current",
		Help: "Current number of live subscriptions",
	},
	messagebus.CounterSubscribersPerSec: {
		Name: "signalr_subscribers_per_sec",
		Help: "Subscriptions created per second, sampled over the last one-second window",
	},
	messagebus.CounterAllocatedWorkers: {
		Name: "signalr_allocated_workers",
		Help: "Current number of engine workers in existence",
	},
	messagebus.CounterBusyWorkers: {
		Name: "signalr_busy_workers",
		Help: "Current number of engine workers executing a pump",
	},
}

// perSecNames are the bus counters whose increments are a rate, not a
// level: the sampler converts their accumulated count into a per-window
// gauge value and resets.
var perSecNames = map[string]struct{}{
	messagebus.CounterMessagesPublishedPerSec: {},
	messagebus.CounterSubscribersPerSec:       {},
}

// Counters adapts a Prometheus registry to the bus telemetry sink. Names
// the bus does not recognize map to a discard counter so the sink never
// fails a caller.
type Counters struct {
	gauges map[string]prometheus.Gauge
	rates  map[string]*rateCounter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCounters registers one gauge per recognized bus counter with reg,
// starts the per-second sampler, and returns the sink. Pass
// prometheus.DefaultRegisterer for the default scrape endpoint. Stop the
// sink when the bus it serves is closed.
func NewCounters(reg prometheus.Registerer) (*Counters, error) {
	c := &Counters{
		gauges: make(map[string]prometheus.Gauge, len(busMetricOpts)),
		rates:  make(map[string]*rateCounter, len(perSecNames)),
		stopCh: make(chan struct{}),
	}
	for name, opts := range busMetricOpts {
		g := prometheus.NewGauge(opts)
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		if _, ok := perSecNames[name]; ok {
			c.rates[name] = &rateCounter{gauge: g}
		} else {
			c.gauges[name] = g
		}
	}

	c.wg.Add(1)
	go c.sampleLoop()
	return c, nil
}

// MustNewCounters is NewCounters, panicking on registration conflicts.
// Intended for process startup where a conflict is a programming error.
func MustNewCounters(reg prometheus.Registerer) *Counters {
	c, err := NewCounters(reg)
	if err != nil {
		panic(err)
	}
	return c
}

// GetCounter implements messagebus.Counters.
func (c *Counters) GetCounter(name string) messagebus.Counter {
	if r, ok := c.rates[name]; ok {
		return r
	}
	g, ok := c.gauges[name]
	if !ok {
		return messagebus.NoopCounters{}.GetCounter(name)
	}
	return gaugeCounter{g}
}

// Stop halts the per-second sampler.
func (c *Counters) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}

func (c *Counters) sampleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(perSecWindow)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

// sample publishes each rate counter's accumulated count as the gauge
// value for the window just ended and resets the accumulator.
func (c *Counters) sample() {
	for _, r := range c.rates {
		r.gauge.Set(float64(r.count.Swap(0)))
	}
}

type gaugeCounter struct {
	g prometheus.Gauge
}

func (c gaugeCounter) SafeIncrement()         { c.g.Inc() }
func (c gaugeCounter) SafeDecrement()         { c.g.Dec() }
func (c gaugeCounter) SafeSetRaw(value int64) { c.g.Set(float64(value)) }

// rateCounter accumulates increments between sampler ticks; the gauge only
// ever shows whole-window figures.
type rateCounter struct {
	count atomic.Int64
	gauge prometheus.Gauge
}

func (c *rateCounter) SafeIncrement()         { c.count.Add(1) }
func (c *rateCounter) SafeDecrement()         { c.count.Add(-1) }
func (c *rateCounter) SafeSetRaw(value int64) { c.count.Store(value) }
