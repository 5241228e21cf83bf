package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/netdebug/SignalR/internal/bridge"
	"github.com/netdebug/SignalR/internal/gateway"
	"github.com/netdebug/SignalR/internal/monitoring"
	"github.com/netdebug/SignalR/messagebus"
	"github.com/netdebug/SignalR/telemetry"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := gateway.LoadConfig(nil)
	if err != nil {
		fallback := monitoring.NewLogger(monitoring.LoggerConfig{})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs already adjusted GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")
	cfg.LogConfig(logger)

	counters := telemetry.MustNewCounters(prometheus.DefaultRegisterer)

	bus := messagebus.New(messagebus.Config{
		MessageStoreSize:  cfg.MessageStoreSize,
		MaxWorkers:        cfg.MaxWorkers,
		MaxIdleWorkers:    cfg.MaxIdleWorkers,
		IdleCheckInterval: cfg.IdleCheckInterval,
		Logger:            logger,
		Counters:          counters,
	})

	server := gateway.NewServer(cfg, bus, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start gateway")
	}

	var ingest *bridge.Bridge
	if cfg.NATSURL != "" {
		ingest, err = bridge.New(bridge.Config{
			URL:      cfg.NATSURL,
			Subjects: cfg.Subjects(),
			MaxRate:  cfg.MaxIngestRate,
			Logger:   logger,
		}, bus)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create NATS bridge")
		}
		if err := ingest.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start NATS bridge")
		}
	} else {
		logger.Info().Msg("NATS_URL not set, running without ingest bridge")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if ingest != nil {
		if err := ingest.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("bridge shutdown failed")
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown failed")
	}
	bus.Close()
	counters.Stop()

	logger.Info().Msg("shutdown complete")
}
