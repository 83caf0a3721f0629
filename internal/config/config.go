package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all connection manager configuration.
//
// Every field is explicit; Validate rejects ranges that would make the
// manager misbehave rather than guessing at runtime.
type Config struct {
	Server    ServerConfig
	Endpoints EndpointConfig
	Pool      PoolConfig
	Health    HealthConfig
	Breaker   BreakerConfig
	Stream    StreamConfig
	Logging   LogConfig
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8090" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
}

// Address returns the host:port the admin server binds to.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EndpointConfig holds the primary endpoint and its fallbacks.
type EndpointConfig struct {
	Primary         string   `envconfig:"ENDPOINT_PRIMARY" validate:"required,url"`
	Fallbacks       []string `envconfig:"ENDPOINT_FALLBACKS" validate:"dive,url"`
	EnableFallbacks bool     `envconfig:"ENDPOINT_ENABLE_FALLBACKS" default:"true"`
}

// PoolConfig holds connection pool sizing and lifecycle settings.
type PoolConfig struct {
	MinConnections    int           `envconfig:"POOL_MIN_CONNECTIONS" default:"2" validate:"min=0"`
	MaxConnections    int           `envconfig:"POOL_MAX_CONNECTIONS" default:"10" validate:"min=1"`
	ConnectionTimeout time.Duration `envconfig:"POOL_CONNECTION_TIMEOUT" default:"10s" validate:"gt=0"`
	IdleTimeout       time.Duration `envconfig:"POOL_IDLE_TIMEOUT" default:"5m" validate:"gt=0"`

	EnableAdaptiveScaling   bool `envconfig:"POOL_ADAPTIVE_SCALING" default:"true"`
	EnableConnectionWarming bool `envconfig:"POOL_CONNECTION_WARMING" default:"false"`
	WarmUpRequests          int  `envconfig:"POOL_WARM_UP_REQUESTS" default:"2" validate:"min=0"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	CheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s" validate:"gt=0"`
	CheckTimeout  time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s" validate:"gt=0"`
	MaxFailures   int           `envconfig:"HEALTH_MAX_FAILURES" default:"3" validate:"min=1"`
}

// BreakerConfig holds per-endpoint circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	RecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"30s" validate:"gt=0"`
}

// StreamConfig holds streaming subscription settings.
type StreamConfig struct {
	MaxReconnectAttempts int           `envconfig:"STREAM_MAX_RECONNECT_ATTEMPTS" default:"5" validate:"min=1"`
	ReconnectDelay       time.Duration `envconfig:"STREAM_RECONNECT_DELAY" default:"1s" validate:"gt=0"`
	BackoffMultiplier    float64       `envconfig:"STREAM_BACKOFF_MULTIPLIER" default:"2.0" validate:"gte=1"`
	MaxReconnectDelay    time.Duration `envconfig:"STREAM_MAX_RECONNECT_DELAY" default:"30s" validate:"gt=0"`
	MessageBufferSize    int           `envconfig:"STREAM_MESSAGE_BUFFER_SIZE" default:"256" validate:"min=1"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("CONNMGR", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks field ranges and cross-field constraints.
// A validation error is fatal at Start time.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Pool.MaxConnections < c.Pool.MinConnections {
		return fmt.Errorf("invalid config: max_connections %d < min_connections %d",
			c.Pool.MaxConnections, c.Pool.MinConnections)
	}
	if c.Stream.MaxReconnectDelay < c.Stream.ReconnectDelay {
		return fmt.Errorf("invalid config: max_reconnect_delay %s < reconnect_delay %s",
			c.Stream.MaxReconnectDelay, c.Stream.ReconnectDelay)
	}
	if c.Endpoints.EnableFallbacks && c.Endpoints.Primary == "" && len(c.Endpoints.Fallbacks) == 0 {
		return fmt.Errorf("invalid config: fallbacks enabled but no endpoints configured")
	}
	return nil
}

// AllEndpoints returns the primary endpoint followed by fallbacks in
// configured order. Fallbacks are omitted when disabled.
func (c *Config) AllEndpoints() []string {
	urls := []string{c.Endpoints.Primary}
	if c.Endpoints.EnableFallbacks {
		urls = append(urls, c.Endpoints.Fallbacks...)
	}
	return urls
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ShutdownTimeout: 10 * time.Second,
		},
		Endpoints: EndpointConfig{
			Primary:         "http://localhost:9000",
			EnableFallbacks: true,
		},
		Pool: PoolConfig{
			MinConnections:        2,
			MaxConnections:        10,
			ConnectionTimeout:     10 * time.Second,
			IdleTimeout:           5 * time.Minute,
			EnableAdaptiveScaling: true,
			WarmUpRequests:        2,
		},
		Health: HealthConfig{
			CheckInterval: 30 * time.Second,
			CheckTimeout:  5 * time.Second,
			MaxFailures:   3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Stream: StreamConfig{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       time.Second,
			BackoffMultiplier:    2.0,
			MaxReconnectDelay:    30 * time.Second,
			MessageBufferSize:    256,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}
