// Package protocol defines the JSON frames exchanged between chat clients and
// the relay and the codec that turns raw frames into typed messages.
//
// Every frame is a JSON object discriminated by its "type" field. Clients send
// join and chat frames; the relay answers with chat, userList and history
// frames.
package protocol

import "time"

// Frame type discriminators.
const (
	TypeJoin     = "join"
	TypeChat     = "chat"
	TypeUserList = "userList"
	TypeHistory  = "history"
)

// TimestampLayout is the ISO-8601 layout used for chat timestamps and
// lastSeen values. Fixed millisecond width keeps lexical and chronological
// order identical.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// UserStatus is the durable presence state of a user.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
)

// Message is implemented by every frame variant.
type Message interface {
	Type() string
}

// Join asks the relay to bind the connection to UserName.
type Join struct {
	UserName string `json:"userName"`
}

// ChatMessage is a direct message. Incoming frames only carry To and
// Content; the relay fills From and Timestamp before persisting it.
type ChatMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// UserEntry is one row of a presence snapshot.
type UserEntry struct {
	Username string     `json:"username"`
	LastSeen string     `json:"lastSeen"`
	Status   UserStatus `json:"status"`
}

// UserList is the full presence snapshot sent to every connection.
type UserList struct {
	Users []UserEntry `json:"users"`
}

// History replays past messages to a joining client.
type History struct {
	Messages []ChatMessage `json:"messages"`
}

func (Join) Type() string        { return TypeJoin }
func (ChatMessage) Type() string { return TypeChat }
func (UserList) Type() string    { return TypeUserList }
func (History) Type() string     { return TypeHistory }

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses any RFC 3339 timestamp, including TimestampLayout.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
