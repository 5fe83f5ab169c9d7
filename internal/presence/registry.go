// Package presence tracks which usernames are bound to a live connection.
//
// The Registry is the single shared mutable structure of the relay. It only
// stores connection handles; opening and closing them stays with the
// transport that owns them.
package presence

import (
	"sort"
	"sync"
)

// Conn is a live connection handle as seen by the registry.
type Conn interface {
	ID() string
	Send(frame []byte) error
	IsOpen() bool
}

// Registry maps usernames to their current connection handle.
type Registry struct {
	mutex   sync.RWMutex
	entries map[string]Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Conn)}
}

// Register binds username to conn, replacing any existing entry. The previous
// handle is returned so the caller can decide what to do with it; the
// registry never closes it.
func (r *Registry) Register(username string, conn Conn) (Conn, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	prev, replaced := r.entries[username]
	r.entries[username] = conn
	return prev, replaced
}

// Unregister removes the entry for username only if it still points at conn.
// It reports whether an entry was removed. A connection that lost its entry
// to a newer join cannot evict that newer session.
func (r *Registry) Unregister(username string, conn Conn) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, ok := r.entries[username]
	if !ok || current != conn {
		return false
	}
	delete(r.entries, username)
	return true
}

// Lookup returns the connection currently bound to username.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	conn, ok := r.entries[username]
	return conn, ok
}

// Snapshot returns the registered usernames in sorted order.
func (r *Registry) Snapshot() []string {
	r.mutex.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mutex.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of registered usernames.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}
