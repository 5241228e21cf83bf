package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdebug/SignalR/messagebus"
)

func newTestCounters(t *testing.T) *Counters {
	t.Helper()
	c, err := NewCounters(prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestCountersLevelGauges(t *testing.T) {
	c := newTestCounters(t)

	current := c.GetCounter(messagebus.CounterSubscribersCurrent)
	current.SafeIncrement()
	current.SafeIncrement()
	current.SafeDecrement()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gauges[messagebus.CounterSubscribersCurrent]))

	workers := c.GetCounter(messagebus.CounterAllocatedWorkers)
	workers.SafeSetRaw(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.gauges[messagebus.CounterAllocatedWorkers]))
}

func TestCountersPerSecSampling(t *testing.T) {
	c := newTestCounters(t)

	perSec := c.GetCounter(messagebus.CounterMessagesPublishedPerSec)
	perSec.SafeIncrement()
	perSec.SafeIncrement()
	perSec.SafeIncrement()

	gauge := c.rates[messagebus.CounterMessagesPublishedPerSec].gauge

	// Increments accumulate without touching the gauge until the window
	// closes.
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))

	c.sample()
	assert.Equal(t, 3.0, testutil.ToFloat64(gauge))

	// The next window starts from zero, not from the lifetime total.
	c.sample()
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

func TestCountersUnknownNameDiscards(t *testing.T) {
	c := newTestCounters(t)

	unknown := c.GetCounter("NoSuchCounter")
	unknown.SafeIncrement()
	unknown.SafeSetRaw(42)
}

func TestCountersRegistrationConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCounters(reg)
	require.NoError(t, err)
	defer c.Stop()

	_, err = NewCounters(reg)
	assert.Error(t, err)
}

func TestCountersStopIdempotent(t *testing.T) {
	c, err := NewCounters(prometheus.NewRegistry())
	require.NoError(t, err)
	c.Stop()
	c.Stop()
}
