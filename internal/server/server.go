// Package server implements the relay's connection, session and routing
// engine on top of a WebSocket transport.
package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/dmrelay/internal/events"
	"github.com/Tyrowin/dmrelay/internal/presence"
	"github.com/Tyrowin/dmrelay/internal/store"
)

// Deps are the collaborators a Server needs. Only Store is required.
type Deps struct {
	Store    store.Store
	Events   events.Publisher
	Mirror   presence.Mirror
	Registry *presence.Registry
	Metrics  *Metrics
	Logger   *zap.Logger
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Server owns the hub, the presence registry and the HTTP surface.
type Server struct {
	cfg      Config
	hub      *Hub
	registry *presence.Registry
	store    store.Store
	router   *Router
	events   events.Publisher
	mirror   presence.Mirror
	metrics  *Metrics
	logger   *zap.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New builds a Server from cfg and deps. Missing optional dependencies are
// replaced by no-op implementations.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Mirror == nil {
		deps.Mirror = presence.NopMirror{}
	}
	if deps.Registry == nil {
		deps.Registry = presence.NewRegistry()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	cfg = sanitizeConfig(cfg)
	s := &Server{
		cfg:      cfg,
		hub:      NewHub(deps.Logger.Named("hub"), deps.Metrics),
		registry: deps.Registry,
		store:    deps.Store,
		events:   deps.Events,
		mirror:   deps.Mirror,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		origins:  newOriginPolicy(cfg.AllowedOrigins, deps.Logger.Named("origin")),
		now:      deps.Now,
	}
	s.router = &Router{
		hub:      s.hub,
		registry: s.registry,
		store:    s.store,
		events:   s.events,
		metrics:  s.metrics,
		logger:   deps.Logger.Named("router"),
		now:      s.now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s, nil
}

// Config returns the sanitized configuration in effect.
func (s *Server) Config() Config { return s.cfg }

// Registry returns the presence registry shared by every session.
func (s *Server) Registry() *presence.Registry { return s.registry }

// Start launches the hub loop. It must be called before serving requests.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info("hub started and ready to manage websocket connections")
}

// Shutdown closes every connection and waits for their cleanup, up to
// timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
