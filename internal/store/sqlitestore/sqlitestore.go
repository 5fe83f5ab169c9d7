// Package sqlitestore implements store.Store on an embedded SQLite database
// using the pure Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/dmrelay/internal/protocol"
	"github.com/Tyrowin/dmrelay/internal/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username  TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL,
	status    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sender    TEXT NOT NULL,
	recipient TEXT NOT NULL,
	content   TEXT NOT NULL,
	sent_at   INTEGER NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender, sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages (recipient, sent_at);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path, creating the schema if needed. Use
// MemoryPath for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// SQLite serializes writers; a single connection also keeps an in-memory
	// database alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &Store{db: db}, nil
}

// UpsertUserOnJoin implements store.Store.
func (s *Store) UpsertUserOnJoin(ctx context.Context, username string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, last_seen, status) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		    last_seen = excluded.last_seen,
		    status = excluded.status`,
		username, now.UTC().UnixMilli(), string(protocol.StatusOnline),
	)
	return store.Wrap("upsert user", err)
}

// MarkUserOffline implements store.Store. Unknown users are created offline.
func (s *Store) MarkUserOffline(ctx context.Context, username string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, last_seen, status) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		    last_seen = excluded.last_seen,
		    status = excluded.status`,
		username, now.UTC().UnixMilli(), string(protocol.StatusOffline),
	)
	return store.Wrap("mark user offline", err)
}

// InsertMessage implements store.Store.
func (s *Store) InsertMessage(ctx context.Context, msg protocol.ChatMessage) error {
	sentAt, err := protocol.ParseTimestamp(msg.Timestamp)
	if err != nil {
		return store.Wrap("insert message", errors.Wrapf(err, "parse timestamp %q", msg.Timestamp))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, recipient, content, sent_at, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.From, msg.To, msg.Content, sentAt.UnixMilli(), msg.Timestamp,
	)
	return store.Wrap("insert message", err)
}

// FetchHistory implements store.Store.
func (s *Store) FetchHistory(ctx context.Context, username string, limit int) ([]protocol.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, recipient, content, timestamp FROM (
		    SELECT id, sender, recipient, content, sent_at, timestamp
		    FROM messages
		    WHERE sender = ? OR recipient = ?
		    ORDER BY sent_at DESC, id DESC
		    LIMIT ?
		 ) ORDER BY sent_at ASC, id ASC`,
		username, username, store.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, store.Wrap("fetch history", err)
	}
	defer rows.Close()

	messages := make([]protocol.ChatMessage, 0)
	for rows.Next() {
		var m protocol.ChatMessage
		if err := rows.Scan(&m.From, &m.To, &m.Content, &m.Timestamp); err != nil {
			return nil, store.Wrap("fetch history", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("fetch history", err)
	}
	return messages, nil
}

// ListUsers implements store.Store.
func (s *Store) ListUsers(ctx context.Context) ([]store.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, last_seen, status FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, store.Wrap("list users", err)
	}
	defer rows.Close()

	users := make([]store.UserRecord, 0)
	for rows.Next() {
		var (
			rec      store.UserRecord
			lastSeen int64
			status   string
		)
		if err := rows.Scan(&rec.Username, &lastSeen, &status); err != nil {
			return nil, store.Wrap("list users", err)
		}
		rec.LastSeen = time.UnixMilli(lastSeen).UTC()
		rec.Status = protocol.UserStatus(status)
		users = append(users, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list users", err)
	}
	return users, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.db.PingContext(ctx))
}

// Close releases the database.
func (s *Store) Close(context.Context) error {
	return store.Wrap("close", s.db.Close())
}
