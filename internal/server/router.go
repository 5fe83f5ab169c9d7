package server

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/dmrelay/internal/events"
	"github.com/Tyrowin/dmrelay/internal/presence"
	"github.com/Tyrowin/dmrelay/internal/protocol"
	"github.com/Tyrowin/dmrelay/internal/store"
)

// Router delivers presence snapshots to every connection and chat messages
// to exactly their recipient.
type Router struct {
	hub      *Hub
	registry *presence.Registry
	store    store.Store
	events   events.Publisher
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// BroadcastPresence sends the durable user list to every open connection,
// joined or not. If the store cannot list users the snapshot is built from
// the registry instead.
func (r *Router) BroadcastPresence(ctx context.Context) {
	list := protocol.UserList{}

	records, err := r.store.ListUsers(ctx)
	if err != nil {
		r.logger.Warn("failed to list users; falling back to registry snapshot", zap.Error(err))
		list.Users = r.registrySnapshot()
	} else {
		list.Users = store.UserEntries(records)
	}

	frame, err := protocol.Encode(list)
	if err != nil {
		r.logger.Error("failed to encode user list", zap.Error(err))
		return
	}

	delivered := r.hub.Broadcast(frame)
	r.metrics.broadcasts.Inc()
	r.logger.Debug("presence broadcast", zap.Int("users", len(list.Users)), zap.Int("delivered", delivered))

	if err := r.events.PublishPresence(list); err != nil {
		r.logger.Warn("failed to publish presence event", zap.Error(err))
	}
}

func (r *Router) registrySnapshot() []protocol.UserEntry {
	now := protocol.FormatTimestamp(r.now())
	names := r.registry.Snapshot()

	entries := make([]protocol.UserEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, protocol.UserEntry{
			Username: name,
			LastSeen: now,
			Status:   protocol.StatusOnline,
		})
	}
	return entries
}

// RouteChat delivers frame to the connection registered for msg.To. It
// reports whether the recipient accepted it. When the recipient is the
// sender itself nothing is sent, as the sender's echo already covers it.
func (r *Router) RouteChat(msg protocol.ChatMessage, frame []byte, sender presence.Conn) bool {
	conn, ok := r.registry.Lookup(msg.To)
	if !ok || !conn.IsOpen() {
		r.logger.Debug("recipient offline; message kept for history",
			zap.String("from", msg.From),
			zap.Error(errors.Wrap(ErrUnknownRecipient, msg.To)),
		)
		return false
	}
	if conn == sender {
		return true
	}

	if err := r.hub.deliver(conn, frame); err != nil {
		r.logger.Warn("failed to deliver message",
			zap.String("from", msg.From),
			zap.String("to", msg.To),
			zap.Error(err),
		)
		return false
	}
	return true
}
