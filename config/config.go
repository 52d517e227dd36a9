// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/absmach/stompmux/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the STOMP connection broker.
type Config struct {
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	Broker    BrokerConfig     `yaml:"broker"`
	Server    ServerConfig     `yaml:"server"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Log       LogConfig        `yaml:"log"`
	Webhook   WebhookConfig    `yaml:"webhook"`
}

// UpstreamConfig describes the single STOMP server the broker talks to.
type UpstreamConfig struct {
	URL        string            `yaml:"url"`
	Transport  string            `yaml:"transport"` // "ws" or "tcp"
	Headers    map[string]string `yaml:"headers"`
	AuthHeader string            `yaml:"auth_header"`

	// Heartbeat proposal sent in CONNECT. Zero disables that direction.
	HeartbeatOutgoing time.Duration `yaml:"heartbeat_outgoing"`
	HeartbeatIncoming time.Duration `yaml:"heartbeat_incoming"`

	MaxFrameSize   int           `yaml:"max_frame_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AcceptVersion  []string      `yaml:"accept_version"`
}

// ReconnectConfig holds the retry policy applied after unexpected disconnects.
type ReconnectConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 disables reconnect
}

// BrokerConfig holds dispatcher settings.
type BrokerConfig struct {
	CommandQueueSize      int  `yaml:"command_queue_size"`
	MaxRetainedPerChannel int  `yaml:"max_retained_per_channel"` // 0 = unbounded
	AutoConnect           bool `yaml:"auto_connect"`
}

// ServerConfig holds the listeners exposed to consumers and operators.
type ServerConfig struct {
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	WSSendBuffer    int           `yaml:"ws_send_buffer"`
	APIAddr         string        `yaml:"api_addr"`
	APIEnabled      bool          `yaml:"api_enabled"`
	APITLSCertFile  string        `yaml:"api_tls_cert_file"`
	APITLSKeyFile   string        `yaml:"api_tls_key_file"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	BrokerID        string            `yaml:"broker_id"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	Compress        bool              `yaml:"compress"`         // gzip request bodies
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"` // "http"
	URL            string            `yaml:"url"`
	Events         []string          `yaml:"events"`          // Event type filter (empty = all)
	ChannelFilters []string          `yaml:"channel_filters"` // Channel pattern filter (empty = all)
	Headers        map[string]string `yaml:"headers"`
	Timeout        time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry          *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Transport:         "ws",
			Headers:           map[string]string{},
			HeartbeatOutgoing: 10 * time.Second,
			HeartbeatIncoming: 10 * time.Second,
			MaxFrameSize:      1024 * 1024, // 1MB
			ConnectTimeout:    30 * time.Second,
			WriteTimeout:      10 * time.Second,
			AcceptVersion:     []string{"1.1", "1.0"},
		},
		Reconnect: ReconnectConfig{
			Interval:    10 * time.Second,
			MaxAttempts: 10,
		},
		Broker: BrokerConfig{
			CommandQueueSize:      1024,
			MaxRetainedPerChannel: 0,
			AutoConnect:           false,
		},
		Server: ServerConfig{
			WSAddr:          ":8083",
			WSPath:          "/ws",
			WSEnabled:       true,
			WSSendBuffer:    256,
			APIAddr:         ":8080",
			APIEnabled:      true,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,

			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "stompmux",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			BrokerID:        "stompmux",
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil {
			return fmt.Errorf("upstream.url is invalid: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "tcp":
		default:
			return fmt.Errorf("upstream.url scheme must be one of: ws, wss, tcp")
		}
	}
	if c.Upstream.Transport != "ws" && c.Upstream.Transport != "tcp" {
		return fmt.Errorf("upstream.transport must be 'ws' or 'tcp'")
	}
	if c.Upstream.HeartbeatOutgoing < 0 || c.Upstream.HeartbeatIncoming < 0 {
		return fmt.Errorf("upstream heartbeat intervals cannot be negative")
	}
	if c.Upstream.MaxFrameSize < 1024 {
		return fmt.Errorf("upstream.max_frame_size must be at least 1KB")
	}
	if c.Upstream.ConnectTimeout < time.Second {
		return fmt.Errorf("upstream.connect_timeout must be at least 1 second")
	}
	if len(c.Upstream.AcceptVersion) == 0 {
		return fmt.Errorf("upstream.accept_version cannot be empty")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}
	if c.Reconnect.MaxAttempts > 0 && c.Reconnect.Interval < 100*time.Millisecond {
		return fmt.Errorf("reconnect.interval must be at least 100ms")
	}

	if c.Broker.CommandQueueSize < 1 {
		return fmt.Errorf("broker.command_queue_size must be at least 1")
	}
	if c.Broker.MaxRetainedPerChannel < 0 {
		return fmt.Errorf("broker.max_retained_per_channel cannot be negative")
	}
	if c.Broker.AutoConnect && c.Upstream.URL == "" {
		return fmt.Errorf("broker.auto_connect requires upstream.url")
	}

	if c.Server.WSEnabled {
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr cannot be empty when websocket is enabled")
		}
		if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
			return fmt.Errorf("server.ws_path must start with '/'")
		}
		if c.Server.WSSendBuffer < 1 {
			return fmt.Errorf("server.ws_send_buffer must be at least 1")
		}
	}
	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr cannot be empty when the API is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && c.RateLimit.Connection.Rate <= 0 {
			return fmt.Errorf("ratelimit.connection.rate must be positive")
		}
		if c.RateLimit.Message.Enabled && c.RateLimit.Message.Rate <= 0 {
			return fmt.Errorf("ratelimit.message.rate must be positive")
		}
		if c.RateLimit.Subscribe.Enabled && c.RateLimit.Subscribe.Rate <= 0 {
			return fmt.Errorf("ratelimit.subscribe.rate must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
