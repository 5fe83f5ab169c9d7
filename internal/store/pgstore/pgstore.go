// Package pgstore implements store.Store on PostgreSQL through a pgx
// connection pool.
package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Tyrowin/dmrelay/internal/protocol"
	"github.com/Tyrowin/dmrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username  TEXT PRIMARY KEY,
	last_seen TIMESTAMPTZ NOT NULL,
	status    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id        BIGSERIAL PRIMARY KEY,
	sender    TEXT NOT NULL,
	recipient TEXT NOT NULL,
	content   TEXT NOT NULL,
	sent_at   TIMESTAMPTZ NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages (recipient, sent_at);
`

const upsertUser = `
INSERT INTO users (username, last_seen, status) VALUES ($1, $2, $3)
ON CONFLICT (username) DO UPDATE SET
	last_seen = EXCLUDED.last_seen,
	status = EXCLUDED.status`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL and creates the schema if needed.
func Open(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres url")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &Store{pool: pool}, nil
}

// UpsertUserOnJoin implements store.Store.
func (s *Store) UpsertUserOnJoin(ctx context.Context, username string, now time.Time) error {
	_, err := s.pool.Exec(ctx, upsertUser, username, now.UTC(), string(protocol.StatusOnline))
	return store.Wrap("upsert user", err)
}

// MarkUserOffline implements store.Store.
func (s *Store) MarkUserOffline(ctx context.Context, username string, now time.Time) error {
	_, err := s.pool.Exec(ctx, upsertUser, username, now.UTC(), string(protocol.StatusOffline))
	return store.Wrap("mark user offline", err)
}

// InsertMessage implements store.Store.
func (s *Store) InsertMessage(ctx context.Context, msg protocol.ChatMessage) error {
	sentAt, err := protocol.ParseTimestamp(msg.Timestamp)
	if err != nil {
		return store.Wrap("insert message", errors.Wrapf(err, "parse timestamp %q", msg.Timestamp))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (sender, recipient, content, sent_at, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		msg.From, msg.To, msg.Content, sentAt.UTC(), msg.Timestamp,
	)
	return store.Wrap("insert message", err)
}

// FetchHistory implements store.Store.
func (s *Store) FetchHistory(ctx context.Context, username string, limit int) ([]protocol.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sender, recipient, content, timestamp FROM (
		    SELECT id, sender, recipient, content, sent_at, timestamp
		    FROM messages
		    WHERE sender = $1 OR recipient = $1
		    ORDER BY sent_at DESC, id DESC
		    LIMIT $2
		 ) recent ORDER BY sent_at ASC, id ASC`,
		username, store.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, store.Wrap("fetch history", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (protocol.ChatMessage, error) {
		var m protocol.ChatMessage
		err := row.Scan(&m.From, &m.To, &m.Content, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, store.Wrap("fetch history", err)
	}
	if messages == nil {
		messages = []protocol.ChatMessage{}
	}
	return messages, nil
}

// ListUsers implements store.Store.
func (s *Store) ListUsers(ctx context.Context) ([]store.UserRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT username, last_seen, status FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, store.Wrap("list users", err)
	}

	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.UserRecord, error) {
		var (
			rec    store.UserRecord
			status string
		)
		err := row.Scan(&rec.Username, &rec.LastSeen, &status)
		rec.LastSeen = rec.LastSeen.UTC()
		rec.Status = protocol.UserStatus(status)
		return rec, err
	})
	if err != nil {
		return nil, store.Wrap("list users", err)
	}
	return users, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.pool.Ping(ctx))
}

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
