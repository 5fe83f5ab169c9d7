// Package store defines the durable storage contract for chat messages and
// user presence records. Concrete backends live in the mongostore,
// sqlitestore and pgstore subpackages.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/dmrelay/internal/protocol"
)

// DefaultHistoryLimit caps the number of messages replayed on join.
const DefaultHistoryLimit = 100

// ErrStore is matched by every error a backend returns.
var ErrStore = errors.New("store error")

// UserRecord is the durable presence state of one user.
type UserRecord struct {
	Username string
	LastSeen time.Time
	Status   protocol.UserStatus
}

// Store persists users and messages. Implementations must be safe for
// concurrent use.
type Store interface {
	// UpsertUserOnJoin creates the user if needed and marks it online.
	UpsertUserOnJoin(ctx context.Context, username string, now time.Time) error
	// MarkUserOffline records a disconnect.
	MarkUserOffline(ctx context.Context, username string, now time.Time) error
	// InsertMessage stores msg exactly once.
	InsertMessage(ctx context.Context, msg protocol.ChatMessage) error
	// FetchHistory returns the most recent messages sent or received by
	// username, oldest first. A limit <= 0 means DefaultHistoryLimit.
	FetchHistory(ctx context.Context, username string, limit int) ([]protocol.ChatMessage, error)
	// ListUsers returns every known user sorted by username.
	ListUsers(ctx context.Context) ([]UserRecord, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Error carries the failing operation alongside the backend cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every Error match ErrStore.
func (e *Error) Is(target error) bool { return target == ErrStore }

// Wrap tags err with op so that errors.Is(err, ErrStore) holds. It returns
// nil when err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: errors.WithStack(err)}
}

// NormalizeLimit maps non-positive or oversized limits to DefaultHistoryLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}

// UserEntries converts records into their wire representation.
func UserEntries(records []UserRecord) []protocol.UserEntry {
	entries := make([]protocol.UserEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, protocol.UserEntry{
			Username: r.Username,
			LastSeen: protocol.FormatTimestamp(r.LastSeen),
			Status:   r.Status,
		})
	}
	return entries
}
