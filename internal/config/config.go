// Package config loads the relay's process configuration from DMRELAY_*
// environment variables and command-line flags.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Tyrowin/dmrelay/internal/server"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DMRELAY_"

// Store drivers.
const (
	DriverMongo    = "mongo"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and addresses the durable store.
type StoreConfig struct {
	Driver string `env:"DRIVER" envDefault:"mongo"`
	// URI is the connection string, or the file path for sqlite. Empty
	// selects a driver specific local default.
	URI         string `env:"URI"`
	Database    string `env:"DATABASE"      envDefault:"chatapp"`
	MaxPoolSize int    `env:"MAX_POOL_SIZE" envDefault:"100"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr        string        `env:"ADDR"`
	Password    string        `env:"PASSWORD"`
	DB          int           `env:"DB"`
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`
}

// Config is the full process configuration.
type Config struct {
	Server          server.Config
	Store           StoreConfig   `envPrefix:"STORE_"`
	Redis           RedisConfig   `envPrefix:"REDIS_"`
	NATSURL         string        `env:"NATS_URL"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"console"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(env.Options{Prefix: EnvPrefix})
}

// LoadFrom reads the configuration from environ instead of the process
// environment. Keys include the DMRELAY_ prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return load(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	return cfg, nil
}

// Validate reports settings that cannot be fixed by falling back to
// defaults.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMongo, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	if c.Redis.Addr != "" && c.Redis.PresenceTTL <= 0 {
		return fmt.Errorf("presence ttl must be positive, got %v", c.Redis.PresenceTTL)
	}
	return nil
}

// ParseConfig loads the environment and applies flag overrides from args.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	return parseFlags(cfg, fs, args)
}

func parseFlags(cfg Config, fs *flag.FlagSet, args []string) (Config, error) {
	var origins string

	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "listen address (default: DMRELAY_ADDR or :8080)")
	fs.StringVar(&origins, "allowed-origins", strings.Join(cfg.Server.AllowedOrigins, ","), "comma-separated WebSocket origin allow-list, * for any")
	fs.StringVar(&cfg.Store.Driver, "store-driver", cfg.Store.Driver, "store driver (mongo|sqlite|postgres)")
	fs.StringVar(&cfg.Store.URI, "store-uri", cfg.Store.URI, "store connection string or sqlite path")
	fs.StringVar(&cfg.Store.Database, "store-database", cfg.Store.Database, "mongo database name")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "redis address for the presence mirror (empty disables it)")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for chat and presence events (empty disables them)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console|json)")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint (empty disables tracing)")
	fs.BoolVar(&cfg.Server.SuppressDeliveryOnStoreError, "suppress-on-store-error", cfg.Server.SuppressDeliveryOnStoreError, "drop chat messages that could not be persisted")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Server.AllowedOrigins = splitList(origins)
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
