// Package server coordinates connection registration, presence broadcast, and
// connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/dmrelay/internal/presence"
)

// peer is a connection tracked by the hub. *Client is the production
// implementation.
type peer interface {
	presence.Conn
	RemoteAddr() string
	close()
}

// Hub tracks every open connection, joined or not, and fans presence
// snapshots out to all of them. It never blocks on a slow connection: a
// connection whose send buffer is full is dropped.
type Hub struct {
	clients  map[string]peer
	register chan *Client
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
	metrics  *Metrics
}

// NewHub creates a Hub ready to be started with Run.
func NewHub(logger *zap.Logger, metrics *Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:  make(map[string]peer),
		register: make(chan *Client),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger,
		metrics:  metrics,
	}
}

// Run starts the hub's main event loop, accepting new clients and launching
// their pumps until Shutdown is called. It should run in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			count := h.attach(client)
			h.logger.Info("client registered",
				zap.String("conn", client.ID()),
				zap.String("remote", client.RemoteAddr()),
				zap.Int("clients", count),
			)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()
		}
	}
}

// submit hands a freshly upgraded client to the run loop. It reports false
// when the hub is already shutting down.
func (h *Hub) submit(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// attach adds p to the set of open connections and returns the new count.
func (h *Hub) attach(p peer) int {
	h.mutex.Lock()
	h.clients[p.ID()] = p
	count := len(h.clients)
	h.mutex.Unlock()

	h.metrics.connectionsOpen.Set(float64(count))
	return count
}

// unregisterClient removes p after its read pump has ended. Safe to call
// for connections that were already evicted.
func (h *Hub) unregisterClient(p peer) {
	h.mutex.Lock()
	_, ok := h.clients[p.ID()]
	if ok {
		delete(h.clients, p.ID())
	}
	count := len(h.clients)
	h.mutex.Unlock()

	p.close()
	if ok {
		h.metrics.connectionsOpen.Set(float64(count))
		h.logger.Info("client unregistered",
			zap.String("conn", p.ID()),
			zap.String("remote", p.RemoteAddr()),
			zap.Int("clients", count),
		)
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(p peer, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in safeSend", zap.Any("panic", r))
			err = ErrConnClosed
		}
	}()
	return p.Send(frame)
}

// deliver sends frame to conn and drops the connection if its buffer is
// full. Errors other than a full buffer are returned untouched.
func (h *Hub) deliver(conn presence.Conn, frame []byte) error {
	p, ok := conn.(peer)
	if !ok {
		return conn.Send(frame)
	}

	err := h.safeSend(p, frame)
	if errors.Is(err, ErrSendBufferFull) {
		h.removeFailedClients([]peer{p})
	}
	return err
}

// Broadcast sends frame to every open connection and returns how many
// accepted it.
func (h *Hub) Broadcast(frame []byte) int {
	clients := h.getClientSnapshot()

	delivered, clientsToRemove := h.broadcastToClients(clients, frame)
	h.removeFailedClients(clientsToRemove)

	h.logger.Debug("broadcast frame", zap.Int("targets", len(clients)), zap.Int("delivered", delivered))
	return delivered
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []peer {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]peer, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// broadcastToClients sends the frame to all clients and returns those whose
// buffer was full.
func (h *Hub) broadcastToClients(clients []peer, frame []byte) (int, []peer) {
	var (
		delivered       int
		clientsToRemove []peer
	)

	for _, client := range clients {
		err := h.safeSend(client, frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	return delivered, clientsToRemove
}

// removeFailedClients drops slow clients. Closing a client ends its write
// pump, which closes the socket and lets the read pump run session cleanup.
func (h *Hub) removeFailedClients(clientsToRemove []peer) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	removed := make([]peer, 0, len(clientsToRemove))
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client.ID()]; exists {
			delete(h.clients, client.ID())
			removed = append(removed, client)
		}
	}
	count := len(h.clients)
	h.mutex.Unlock()

	for _, client := range removed {
		client.close()
		h.metrics.frameDropped(dropBufferFull)
		h.logger.Warn("client removed due to full send buffer",
			zap.String("conn", client.ID()),
			zap.String("remote", client.RemoteAddr()),
		)
	}
	h.metrics.connectionsOpen.Set(float64(count))
}

// shutdownClients closes every active connection. Each read pump then runs
// its own session cleanup.
func (h *Hub) shutdownClients() {
	clients := h.getClientSnapshot()
	h.logger.Info("shutting down all client connections", zap.Int("clients", len(clients)))

	for _, client := range clients {
		c, ok := client.(*Client)
		if !ok {
			client.close()
			continue
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing client connection",
				zap.String("remote", c.RemoteAddr()),
				zap.Error(err),
			)
		}
	}
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
