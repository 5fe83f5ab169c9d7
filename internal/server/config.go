// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"time"

	"github.com/Tyrowin/dmrelay/internal/store"
)

// Defaults applied by sanitizeConfig when a field is left at its zero value.
const (
	DefaultAddr           = ":8080"
	DefaultOrigin         = "http://localhost:8080"
	DefaultMaxMessageSize = 4096
	DefaultSendBuffer     = 256
	DefaultStoreTimeout   = 5 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST"    envDefault:"10"`
	RefillInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"1s"`
}

// Config holds the relay settings including security controls and delivery
// policy.
type Config struct {
	Addr           string   `env:"ADDR"             envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"  envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimit      RateLimitConfig
	// SendBuffer is the number of outgoing frames queued per connection
	// before the connection is treated as too slow and dropped.
	SendBuffer   int `env:"SEND_BUFFER"   envDefault:"256"`
	HistoryLimit int `env:"HISTORY_LIMIT" envDefault:"100"`
	// SuppressDeliveryOnStoreError drops a chat message entirely when it
	// could not be persisted. By default it is still delivered.
	SuppressDeliveryOnStoreError bool          `env:"SUPPRESS_DELIVERY_ON_STORE_ERROR"`
	StoreTimeout                 time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	// CloseTimeout bounds the offline marking and presence broadcast that
	// run after a connection is gone.
	CloseTimeout time.Duration `env:"CLOSE_TIMEOUT" envDefault:"5s"`
}

func defaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		AllowedOrigins: []string{DefaultOrigin},
		MaxMessageSize: DefaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		SendBuffer:   DefaultSendBuffer,
		HistoryLimit: store.DefaultHistoryLimit,
		StoreTimeout: DefaultStoreTimeout,
		CloseTimeout: DefaultCloseTimeout,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// sanitizeConfig replaces invalid or missing values with defaults. The
// origin list is copied so later changes by the caller have no effect.
func sanitizeConfig(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}

	cfg.HistoryLimit = store.NormalizeLimit(cfg.HistoryLimit)

	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
