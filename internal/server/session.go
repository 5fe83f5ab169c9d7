package server

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/dmrelay/internal/presence"
	"github.com/Tyrowin/dmrelay/internal/protocol"
)

type phase int

const (
	phaseUnjoined phase = iota
	phaseJoined
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseUnjoined:
		return "unjoined"
	case phaseJoined:
		return "joined"
	default:
		return "closed"
	}
}

// session is the per-connection state machine. It is driven only by the
// connection's read goroutine, so it needs no locking of its own.
type session struct {
	ctx      context.Context
	conn     presence.Conn
	srv      *Server
	username string
	phase    phase
	base     *zap.Logger
	logger   *zap.Logger
}

func newSession(ctx context.Context, conn presence.Conn, srv *Server) *session {
	base := srv.logger.Named("session").With(zap.String("conn", conn.ID()))
	return &session{
		ctx:    ctx,
		conn:   conn,
		srv:    srv,
		phase:  phaseUnjoined,
		base:   base,
		logger: base,
	}
}

// opContext bounds a single store round trip made on behalf of a frame.
func (s *session) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.srv.cfg.StoreTimeout)
}

func (s *session) onOpen() {
	s.logger.Debug("session opened")
}

// onFrame decodes and dispatches one inbound frame. Nothing a client sends
// closes the connection.
func (s *session) onFrame(raw []byte) {
	if s.phase == phaseClosed {
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		s.srv.metrics.frameDropped(dropMalformed)
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Join:
		s.join(m.UserName)
	case protocol.ChatMessage:
		s.chat(m.To, m.Content)
	default:
		s.violation("unexpected frame type from client", zap.String("type", msg.Type()))
	}
}

func (s *session) violation(reason string, fields ...zap.Field) {
	s.srv.metrics.frameDropped(dropViolation)
	fields = append(fields, zap.String("phase", s.phase.String()), zap.Error(errors.Wrap(ErrProtocolViolation, reason)))
	s.logger.Warn("ignoring frame", fields...)
}

// join binds the connection to name, replacing any previous binding of this
// same connection.
func (s *session) join(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.violation("join with empty username")
		return
	}

	ctx, cancel := s.opContext()
	defer cancel()
	now := s.srv.now()

	if s.phase == phaseJoined && s.username != name {
		s.release(ctx, s.username)
	}

	if prev, replaced := s.srv.registry.Register(name, s.conn); replaced && prev != s.conn {
		// The older connection stays open and keeps receiving broadcasts
		// but is no longer routable.
		s.logger.Info("username taken over by a newer connection",
			zap.String("user", name),
			zap.String("previous_conn", prev.ID()),
		)
	}
	s.username = name
	s.phase = phaseJoined
	s.logger = s.base.With(zap.String("user", name))
	s.srv.metrics.usersOnline.Set(float64(s.srv.registry.Len()))

	if err := s.srv.store.UpsertUserOnJoin(ctx, name, now); err != nil {
		s.logger.Error("failed to upsert user on join", zap.Error(err))
	}
	if err := s.srv.mirror.Online(ctx, name); err != nil {
		s.logger.Warn("presence mirror online failed", zap.Error(err))
	}

	s.srv.router.BroadcastPresence(ctx)

	history, err := s.srv.store.FetchHistory(ctx, name, s.srv.cfg.HistoryLimit)
	if err != nil {
		s.logger.Error("failed to fetch history; sending empty history", zap.Error(err))
		history = nil
	}
	frame, err := protocol.Encode(protocol.History{Messages: history})
	if err != nil {
		s.logger.Error("failed to encode history", zap.Error(err))
		return
	}
	if err := s.srv.hub.deliver(s.conn, frame); err != nil {
		s.logger.Warn("failed to send history", zap.Error(err))
	}

	s.logger.Info("user joined", zap.Int("history", len(history)))
}

// release drops the registry entry for name if this connection still owns
// it and records the user as offline. It reports whether it did.
func (s *session) release(ctx context.Context, name string) bool {
	if !s.srv.registry.Unregister(name, s.conn) {
		s.logger.Debug("registry entry already owned by another connection", zap.String("user", name))
		return false
	}
	s.srv.metrics.usersOnline.Set(float64(s.srv.registry.Len()))

	if err := s.srv.store.MarkUserOffline(ctx, name, s.srv.now()); err != nil {
		s.logger.Error("failed to mark user offline", zap.String("user", name), zap.Error(err))
	}
	if err := s.srv.mirror.Offline(ctx, name); err != nil {
		s.logger.Warn("presence mirror offline failed", zap.String("user", name), zap.Error(err))
	}
	return true
}

// chat persists a direct message and then delivers it to the recipient and
// back to the sender.
func (s *session) chat(to, content string) {
	if s.phase != phaseJoined {
		s.violation("chat before join", zap.String("to", to))
		return
	}
	to = strings.TrimSpace(to)
	if to == "" {
		s.violation("chat without recipient")
		return
	}

	msg := protocol.ChatMessage{
		From:      s.username,
		To:        to,
		Content:   content,
		Timestamp: protocol.FormatTimestamp(s.srv.now()),
	}

	ctx, cancel := s.opContext()
	defer cancel()

	persisted := true
	if err := s.srv.store.InsertMessage(ctx, msg); err != nil {
		persisted = false
		s.srv.metrics.messageHandled(resultStoreError)
		if s.srv.cfg.SuppressDeliveryOnStoreError {
			s.srv.metrics.messageHandled(resultSuppressed)
			s.logger.Error("failed to persist message; delivery suppressed", zap.String("to", to), zap.Error(err))
			return
		}
		s.logger.Error("failed to persist message; delivering anyway", zap.String("to", to), zap.Error(err))
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode chat message", zap.Error(err))
		return
	}

	if s.srv.router.RouteChat(msg, frame, s.conn) {
		s.srv.metrics.messageHandled(resultDelivered)
	} else {
		s.srv.metrics.messageHandled(resultOffline)
	}
	if err := s.srv.hub.deliver(s.conn, frame); err != nil {
		s.logger.Warn("failed to echo message to sender", zap.Error(err))
	}

	if persisted {
		if err := s.srv.events.PublishChat(msg); err != nil {
			s.logger.Warn("failed to publish chat event", zap.Error(err))
		}
	}
}

// onClose runs once when the transport is gone. Store and broadcast work
// uses a context detached from the connection, which is already cancelled.
func (s *session) onClose() {
	if s.phase == phaseClosed {
		return
	}
	wasJoined := s.phase == phaseJoined
	s.phase = phaseClosed

	if !wasJoined {
		s.logger.Debug("session closed before join")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.srv.cfg.CloseTimeout)
	defer cancel()

	s.release(ctx, s.username)
	s.srv.router.BroadcastPresence(ctx)
	s.logger.Info("user left")
}
