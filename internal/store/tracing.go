package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/dmrelay/internal/protocol"
)

const tracerName = "github.com/Tyrowin/dmrelay/internal/store"

type tracedStore struct {
	next   Store
	tracer trace.Tracer
}

// WithTracing wraps next so that every operation runs inside a span named
// store.<operation>. Spans go to the global tracer provider.
func WithTracing(next Store) Store {
	return &tracedStore{next: next, tracer: otel.Tracer(tracerName)}
}

func (s *tracedStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *tracedStore) UpsertUserOnJoin(ctx context.Context, username string, now time.Time) (err error) {
	ctx, span := s.start(ctx, "upsert_user", attribute.String("chat.user", username))
	defer func() { finish(span, err) }()
	return s.next.UpsertUserOnJoin(ctx, username, now)
}

func (s *tracedStore) MarkUserOffline(ctx context.Context, username string, now time.Time) (err error) {
	ctx, span := s.start(ctx, "mark_offline", attribute.String("chat.user", username))
	defer func() { finish(span, err) }()
	return s.next.MarkUserOffline(ctx, username, now)
}

func (s *tracedStore) InsertMessage(ctx context.Context, msg protocol.ChatMessage) (err error) {
	ctx, span := s.start(ctx, "insert_message",
		attribute.String("chat.from", msg.From),
		attribute.String("chat.to", msg.To),
	)
	defer func() { finish(span, err) }()
	return s.next.InsertMessage(ctx, msg)
}

func (s *tracedStore) FetchHistory(ctx context.Context, username string, limit int) (msgs []protocol.ChatMessage, err error) {
	ctx, span := s.start(ctx, "fetch_history",
		attribute.String("chat.user", username),
		attribute.Int("chat.limit", limit),
	)
	defer func() {
		span.SetAttributes(attribute.Int("chat.messages", len(msgs)))
		finish(span, err)
	}()
	return s.next.FetchHistory(ctx, username, limit)
}

func (s *tracedStore) ListUsers(ctx context.Context) (users []UserRecord, err error) {
	ctx, span := s.start(ctx, "list_users")
	defer func() {
		span.SetAttributes(attribute.Int("chat.users", len(users)))
		finish(span, err)
	}()
	return s.next.ListUsers(ctx)
}

func (s *tracedStore) Ping(ctx context.Context) (err error) {
	ctx, span := s.start(ctx, "ping")
	defer func() { finish(span, err) }()
	return s.next.Ping(ctx)
}

func (s *tracedStore) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}
