package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all host-binary configuration, loaded from the
// environment (with an optional .env file for local development).
// Tags: env is the variable name, envDefault its fallback value.
type Config struct {
	Addr string `env:"SINK_ADDR" envDefault:":7001"`

	UpstreamKind  string `env:"SINK_UPSTREAM" envDefault:"kafka"` // "kafka" or "nats"
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaGroup    string `env:"KAFKA_CONSUMER_GROUP" envDefault:"sink-server-group"`
	KafkaTopics   string `env:"KAFKA_TOPICS" envDefault:"media.data"`
	KafkaHeaderTopics string `env:"KAFKA_HEADER_TOPICS" envDefault:""`

	NATSUrl          string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject      string        `env:"NATS_SUBJECT" envDefault:"media.>"`
	NATSStreamName   string        `env:"NATS_STREAM_NAME" envDefault:"MEDIA"`
	NATSConsumerName string        `env:"NATS_CONSUMER_NAME" envDefault:"sink-server"`
	NATSAckWait      time.Duration `env:"NATS_ACK_WAIT" envDefault:"30s"`

	// Sink Options (§6)
	UnitType          string `env:"SINK_UNIT_TYPE" envDefault:"buffers"`
	UnitsMax          int64  `env:"SINK_UNITS_MAX" envDefault:"-1"`
	UnitsSoftMax      int64  `env:"SINK_UNITS_SOFT_MAX" envDefault:"-1"`
	BurstValue        int64  `env:"SINK_BURST_VALUE" envDefault:"-1"`
	DefaultSyncMethod string `env:"SINK_SYNC_METHOD" envDefault:"latest"`
	RecoverPolicy     string `env:"SINK_RECOVER_POLICY" envDefault:"none"`
	ClientTimeout     time.Duration `env:"SINK_CLIENT_TIMEOUT" envDefault:"0"`
	QoSDSCP           int    `env:"SINK_QOS_DSCP" envDefault:"-1"`

	// Accept-side admission control
	MaxConnections    int     `env:"SINK_MAX_CONNECTIONS" envDefault:"0"` // 0 = derive from cgroup memory
	AcceptIPBurst     int     `env:"SINK_ACCEPT_IP_BURST" envDefault:"10"`
	AcceptIPRate      float64 `env:"SINK_ACCEPT_IP_RATE" envDefault:"1.0"`
	AcceptGlobalBurst int     `env:"SINK_ACCEPT_GLOBAL_BURST" envDefault:"300"`
	AcceptGlobalRate  float64 `env:"SINK_ACCEPT_GLOBAL_RATE" envDefault:"50.0"`

	// Upstream backpressure
	MaxUpstreamRate   int     `env:"SINK_MAX_UPSTREAM_RATE" envDefault:"1000"`
	CPUPauseThreshold float64 `env:"SINK_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	MetricsAddr     string        `env:"SINK_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"SINK_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads the environment (optionally seeded by a local .env
// file) into a validated Config. Priority: real env vars > .env file >
// struct defaults, matching the teacher's LoadConfig.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("info: no .env file found (using environment variables only)")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally-inconsistent or
// out-of-range values before the server starts accepting traffic.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SINK_ADDR is required")
	}
	if c.UpstreamKind != "kafka" && c.UpstreamKind != "nats" {
		return fmt.Errorf("SINK_UPSTREAM must be kafka or nats, got %q", c.UpstreamKind)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("SINK_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,pretty (got %s)", c.LogFormat)
	}

	validSyncMethods := map[string]bool{"latest": true, "next-keyframe": true, "latest-keyframe": true, "burst": true, "burst-keyframe": true, "burst-with-keyframe": true}
	if !validSyncMethods[c.DefaultSyncMethod] {
		return fmt.Errorf("SINK_SYNC_METHOD must be a valid sync method, got %q", c.DefaultSyncMethod)
	}
	validRecoverPolicies := map[string]bool{"none": true, "resync-latest": true, "resync-soft-limit": true, "resync-keyframe": true}
	if !validRecoverPolicies[c.RecoverPolicy] {
		return fmt.Errorf("SINK_RECOVER_POLICY must be a valid recover policy, got %q", c.RecoverPolicy)
	}

	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("upstream", c.UpstreamKind).
		Str("unit_type", c.UnitType).
		Int64("units_max", c.UnitsMax).
		Int64("units_soft_max", c.UnitsSoftMax).
		Str("sync_method", c.DefaultSyncMethod).
		Str("recover_policy", c.RecoverPolicy).
		Int("max_connections", c.MaxConnections).
		Int("max_upstream_rate", c.MaxUpstreamRate).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
