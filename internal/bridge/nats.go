// Package bridge republishes broker traffic into the in-process bus. The
// bus stays single-process; the bridge is how external producers reach it.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/netdebug/SignalR/messagebus"
)

var (
	bridgeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signalr_bridge_connected",
		Help: "NATS bridge status (1=connected, 0=disconnected)",
	})

	bridgeMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_bridge_messages_received_total",
		Help: "Total number of messages received from NATS",
	})

	bridgeMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_bridge_messages_dropped_total",
		Help: "Total number of NATS messages dropped by the ingest rate limit",
	})
)

func init() {
	prometheus.MustRegister(bridgeConnected)
	prometheus.MustRegister(bridgeMessagesReceived)
	prometheus.MustRegister(bridgeMessagesDropped)
}

// Config holds bridge configuration.
type Config struct {
	URL      string
	Subjects []string

	// MaxRate caps bus publishes per second. Messages over the cap are
	// dropped, not queued; the ring buffer semantics make this safe for
	// consumers that resume by cursor.
	MaxRate int

	Logger zerolog.Logger
}

// Bridge subscribes to NATS subjects and publishes every message into the
// bus keyed by subject.
type Bridge struct {
	bus     *messagebus.MessageBus
	logger  zerolog.Logger
	limiter *rate.Limiter

	conn *nats.Conn
	subs []*nats.Subscription

	subjects []string

	mu sync.Mutex

	processed uint64
	dropped   uint64
}

// New connects to NATS and prepares subscriptions. Start must be called to
// begin ingesting.
func New(cfg Config, bus *messagebus.MessageBus) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if len(cfg.Subjects) == 0 {
		return nil, fmt.Errorf("at least one subject is required")
	}
	if cfg.MaxRate <= 0 {
		return nil, fmt.Errorf("max rate must be > 0, got %d", cfg.MaxRate)
	}

	logger := cfg.Logger.With().Str("component", "nats_bridge").Logger()

	b := &Bridge{
		bus:      bus,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRate), cfg.MaxRate),
		subjects: cfg.Subjects,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			bridgeConnected.Set(1)
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			bridgeConnected.Set(0)
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			bridgeConnected.Set(1)
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	bridgeConnected.Set(1)

	return b, nil
}

// Start subscribes to every configured subject.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subject := range b.subjects {
		sub, err := b.conn.Subscribe(subject, b.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		b.logger.Info().Str("subject", subject).Msg("subscribed to NATS subject")
	}
	return nil
}

// handleMessage publishes one NATS message into the bus, keyed by its
// subject. Over-rate messages are dropped and counted.
func (b *Bridge) handleMessage(msg *nats.Msg) {
	bridgeMessagesReceived.Inc()

	if !b.limiter.Allow() {
		bridgeMessagesDropped.Inc()
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Debug().Str("subject", msg.Subject).Msg("message dropped by ingest rate limit")
		return
	}

	b.bus.Publish(messagebus.Message{Key: msg.Subject, Value: msg.Data})

	b.mu.Lock()
	b.processed++
	b.mu.Unlock()
}

// Metrics returns processed and dropped counts since start.
func (b *Bridge) Metrics() (processed, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed, b.dropped
}

// Stop drains subscriptions and closes the connection.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("unsubscribe failed")
		}
	}

	// Drain lets in-flight handlers finish before the connection closes.
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for b.conn.IsDraining() {
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	}

	bridgeConnected.Set(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Info().
		Uint64("messages_processed", b.processed).
		Uint64("messages_dropped", b.dropped).
		Msg("NATS bridge stopped")
	return nil
}
