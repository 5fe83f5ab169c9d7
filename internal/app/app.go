// Package app assembles the relay from its configuration and runs it until
// the context is cancelled.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/dmrelay/internal/config"
	"github.com/Tyrowin/dmrelay/internal/events"
	"github.com/Tyrowin/dmrelay/internal/logging"
	"github.com/Tyrowin/dmrelay/internal/presence"
	"github.com/Tyrowin/dmrelay/internal/server"
	"github.com/Tyrowin/dmrelay/internal/store"
	"github.com/Tyrowin/dmrelay/internal/store/mongostore"
	"github.com/Tyrowin/dmrelay/internal/store/pgstore"
	"github.com/Tyrowin/dmrelay/internal/store/sqlitestore"
	"github.com/Tyrowin/dmrelay/internal/telemetry"
)

const serviceName = "dmrelay"

// Local defaults used when no store URI is configured.
const (
	defaultMongoURI    = "mongodb://localhost:27017"
	defaultSQLitePath  = "dmrelay.db"
	defaultPostgresURI = "postgres://localhost:5432/chatapp"
)

// Run builds every component named by cfg, serves HTTP until ctx is
// cancelled and then shuts down in order: HTTP listener, connections and
// their cleanup, then the store and the optional backends.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return errors.Wrap(err, "setup tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return errors.Wrapf(err, "open %s store", cfg.Store.Driver)
	}
	st = store.WithTracing(st)
	defer closeStore(st, logger)
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver))

	mirror, err := openMirror(ctx, cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "connect presence mirror")
	}
	defer func() {
		if err := mirror.Close(); err != nil {
			logger.Warn("presence mirror close failed", zap.Error(err))
		}
	}()

	publisher, err := openPublisher(cfg.NATSURL)
	if err != nil {
		return errors.Wrap(err, "connect event publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg.Server, server.Deps{
		Store:  st,
		Events: publisher,
		Mirror: mirror,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	srv.Start()

	httpServer := server.CreateServer(srv.Config().Addr, srv.Routes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer, srv, cfg.ShutdownTimeout, logger)
	})
	if cfg.Redis.Addr != "" {
		g.Go(func() error {
			presence.KeepAlive(gctx, srv.Registry(), mirror, cfg.Redis.PresenceTTL/2, logger.Named("presence"))
			return nil
		})
	}

	return g.Wait()
}

// shutdown stops accepting requests first, then closes connections so each
// session can record its user offline while the store is still open.
func shutdown(httpServer *http.Server, srv *server.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutdown requested")

	httpErr := server.ShutdownServer(httpServer, timeout, logger)

	if err := srv.Shutdown(timeout); err != nil {
		logger.Warn("hub shutdown did not finish in time", zap.Error(err))
	}
	logger.Info("shutdown completed")
	return httpErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		uri := firstNonEmpty(cfg.URI, defaultMongoURI)
		return mongostore.Open(ctx, mongostore.Config{
			URI:         uri,
			Database:    cfg.Database,
			MaxPoolSize: cfg.MaxPoolSize,
		})
	case config.DriverSQLite:
		return sqlitestore.Open(ctx, firstNonEmpty(cfg.URI, defaultSQLitePath))
	case config.DriverPostgres:
		return pgstore.Open(ctx, firstNonEmpty(cfg.URI, defaultPostgresURI), int32(cfg.MaxPoolSize))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func closeStore(st store.Store, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Close(ctx); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

func openMirror(ctx context.Context, cfg config.RedisConfig) (presence.Mirror, error) {
	if cfg.Addr == "" {
		return presence.NopMirror{}, nil
	}
	return presence.NewRedisMirror(ctx, presence.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		TTL:      cfg.PresenceTTL,
		NodeID:   nodeID(),
	})
}

func openPublisher(url string) (events.Publisher, error) {
	if url == "" {
		return events.Nop{}, nil
	}
	return events.NewNATSPublisher(events.NATSConfig{URL: url, Name: serviceName})
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return serviceName
	}
	return serviceName + "@" + host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
