package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"BUS_ADDR" envDefault:":3002"`

	// NATS ingest bridge (empty URL disables the bridge)
	NATSURL      string `env:"NATS_URL" envDefault:""`
	NATSSubjects string `env:"NATS_SUBJECTS" envDefault:"signals.>"`

	// Bus tunables
	MessageStoreSize  int           `env:"BUS_MESSAGE_STORE_SIZE" envDefault:"5000"`
	MaxWorkers        int           `env:"BUS_MAX_WORKERS" envDefault:"0"` // 0 = 3 x CPU
	MaxIdleWorkers    int           `env:"BUS_MAX_IDLE_WORKERS" envDefault:"0"`
	IdleCheckInterval time.Duration `env:"BUS_IDLE_CHECK_INTERVAL" envDefault:"5s"`

	// Gateway capacity
	MaxConnections   int `env:"BUS_MAX_CONNECTIONS" envDefault:"500"`
	SendBufferSize   int `env:"BUS_SEND_BUFFER_SIZE" envDefault:"1024"`
	MaxBatchMessages int `env:"BUS_MAX_BATCH_MESSAGES" envDefault:"64"`

	// Rate limiting
	MaxIngestRate int `env:"BUS_MAX_INGEST_RATE" envDefault:"1000"` // bridge messages/sec

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production environment
	// variables are set directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BUS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BUS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("BUS_SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.MaxBatchMessages < 1 {
		return fmt.Errorf("BUS_MAX_BATCH_MESSAGES must be > 0, got %d", c.MaxBatchMessages)
	}
	if c.MaxIngestRate < 1 {
		return fmt.Errorf("BUS_MAX_INGEST_RATE must be > 0, got %d", c.MaxIngestRate)
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubjects) == "" {
		return fmt.Errorf("NATS_SUBJECTS is required when NATS_URL is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Subjects splits the configured NATS subject list.
func (c *Config) Subjects() []string {
	var out []string
	for _, s := range strings.Split(c.NATSSubjects, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Str("nats_subjects", c.NATSSubjects).
		Int("message_store_size", c.MessageStoreSize).
		Int("max_workers", c.MaxWorkers).
		Int("max_idle_workers", c.MaxIdleWorkers).
		Dur("idle_check_interval", c.IdleCheckInterval).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer_size", c.SendBufferSize).
		Int("max_batch_messages", c.MaxBatchMessages).
		Int("max_ingest_rate", c.MaxIngestRate).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Service configuration loaded")
}
