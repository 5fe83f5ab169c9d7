package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror receives best-effort presence notifications so that tooling outside
// the relay can observe who is online. Errors never affect the session that
// triggered them.
type Mirror interface {
	Online(ctx context.Context, username string) error
	Offline(ctx context.Context, username string) error
	Refresh(ctx context.Context, usernames []string) error
	Close() error
}

// NopMirror discards every notification.
type NopMirror struct{}

func (NopMirror) Online(context.Context, string) error    { return nil }
func (NopMirror) Offline(context.Context, string) error   { return nil }
func (NopMirror) Refresh(context.Context, []string) error { return nil }
func (NopMirror) Close() error                            { return nil }

// DefaultKeyPrefix prefixes every presence key written to Redis.
const DefaultKeyPrefix = "dmrelay:presence:"

// RedisConfig configures a RedisMirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a key survives without a refresh.
	TTL time.Duration
	// NodeID is stored as the key value to identify the relay holding the
	// connection.
	NodeID string
}

// RedisMirror writes one key per online user with a TTL.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	nodeID string
	prefix string
}

// NewRedisMirror connects to Redis and verifies the connection with a ping.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "dmrelay"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}

	return &RedisMirror{
		client: client,
		ttl:    cfg.TTL,
		nodeID: cfg.NodeID,
		prefix: DefaultKeyPrefix,
	}, nil
}

func (m *RedisMirror) key(username string) string { return m.prefix + username }

// Online marks username online and renews its TTL.
func (m *RedisMirror) Online(ctx context.Context, username string) error {
	return errors.Wrap(m.client.Set(ctx, m.key(username), m.nodeID, m.ttl).Err(), "presence online")
}

// Offline removes the presence key of username.
func (m *RedisMirror) Offline(ctx context.Context, username string) error {
	return errors.Wrap(m.client.Del(ctx, m.key(username)).Err(), "presence offline")
}

// Refresh renews the TTL of every given username in a single pipeline.
func (m *RedisMirror) Refresh(ctx context.Context, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range usernames {
			pipe.Set(ctx, m.key(name), m.nodeID, m.ttl)
		}
		return nil
	})
	return errors.Wrap(err, "presence refresh")
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// KeepAlive refreshes the mirror with the registry contents every interval
// until ctx is done.
func KeepAlive(ctx context.Context, registry *Registry, mirror Mirror, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mirror.Refresh(ctx, registry.Snapshot()); err != nil && ctx.Err() == nil {
				logger.Warn("presence refresh failed", zap.Error(err))
			}
		}
	}
}
