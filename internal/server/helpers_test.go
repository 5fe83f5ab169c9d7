package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/dmrelay/internal/protocol"
	"github.com/Tyrowin/dmrelay/internal/store"
	"github.com/Tyrowin/dmrelay/internal/store/sqlitestore"
)

var errBackend = errors.New("backend unavailable")

// fakePeer is an in-memory connection that records every frame it accepts.
// A positive capacity makes Send fail with ErrSendBufferFull once that many
// frames are held.
type fakePeer struct {
	id       string
	capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string         { return p.id }
func (p *fakePeer) RemoteAddr() string { return "test/" + p.id }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnClosed
	}
	if p.capacity > 0 && len(p.frames) >= p.capacity {
		return ErrSendBufferFull
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *fakePeer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// messages decodes every recorded frame.
func (p *fakePeer) messages(t *testing.T) []protocol.Message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]protocol.Message, 0, len(p.frames))
	for _, f := range p.frames {
		msg, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("peer %s holds undecodable frame %q: %v", p.id, f, err)
		}
		out = append(out, msg)
	}
	return out
}

func (p *fakePeer) ofType(t *testing.T, frameType string) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, msg := range p.messages(t) {
		if msg.Type() == frameType {
			out = append(out, msg)
		}
	}
	return out
}

func (p *fakePeer) chats(t *testing.T) []protocol.ChatMessage {
	t.Helper()
	var out []protocol.ChatMessage
	for _, msg := range p.ofType(t, protocol.TypeChat) {
		out = append(out, msg.(protocol.ChatMessage))
	}
	return out
}

func (p *fakePeer) userLists(t *testing.T) []protocol.UserList {
	t.Helper()
	var out []protocol.UserList
	for _, msg := range p.ofType(t, protocol.TypeUserList) {
		out = append(out, msg.(protocol.UserList))
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// flakyStore wraps a working store and can be told to fail individual
// operations. It also counts inserts.
type flakyStore struct {
	store.Store

	mu          sync.Mutex
	inserts     int
	failInsert  bool
	failHistory bool
	failList    bool
	failPing    bool
}

func (s *flakyStore) InsertMessage(ctx context.Context, msg protocol.ChatMessage) error {
	s.mu.Lock()
	fail := s.failInsert
	if !fail {
		s.inserts++
	}
	s.mu.Unlock()
	if fail {
		return store.Wrap("insert message", errBackend)
	}
	return s.Store.InsertMessage(ctx, msg)
}

func (s *flakyStore) FetchHistory(ctx context.Context, username string, limit int) ([]protocol.ChatMessage, error) {
	s.mu.Lock()
	fail := s.failHistory
	s.mu.Unlock()
	if fail {
		return nil, store.Wrap("fetch history", errBackend)
	}
	return s.Store.FetchHistory(ctx, username, limit)
}

func (s *flakyStore) ListUsers(ctx context.Context) ([]store.UserRecord, error) {
	s.mu.Lock()
	fail := s.failList
	s.mu.Unlock()
	if fail {
		return nil, store.Wrap("list users", errBackend)
	}
	return s.Store.ListUsers(ctx)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	fail := s.failPing
	s.mu.Unlock()
	if fail {
		return store.Wrap("ping", errBackend)
	}
	return s.Store.Ping(ctx)
}

func (s *flakyStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// steppingClock returns a clock that advances one millisecond per call so
// every timestamp in a test is distinct and ordered.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func openSQLite(t *testing.T) *sqlitestore.Store {
	t.Helper()
	st, err := sqlitestore.Open(context.Background(), sqlitestore.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

// harness is a Server driven directly through sessions and fake peers,
// without any network.
type harness struct {
	t     *testing.T
	srv   *Server
	store *flakyStore
}

func newHarness(t *testing.T, customize func(cfg *Config)) *harness {
	t.Helper()
	cfg := *NewConfig()
	if customize != nil {
		customize(&cfg)
	}
	st := &flakyStore{Store: openSQLite(t)}
	srv, err := New(cfg, Deps{Store: st, Now: steppingClock()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{t: t, srv: srv, store: st}
}

// connect attaches a new unjoined connection.
func (h *harness) connect(id string) (*fakePeer, *session) {
	p := newFakePeer(id)
	h.srv.hub.attach(p)
	return p, newSession(context.Background(), p, h.srv)
}

// join connects and joins as name, then clears the recorded frames.
func (h *harness) join(id, name string) (*fakePeer, *session) {
	h.t.Helper()
	p, s := h.connect(id)
	s.onFrame(mustEncode(h.t, protocol.Join{UserName: name}))
	p.reset()
	return p, s
}

// disconnect mirrors the read pump's teardown order.
func (h *harness) disconnect(p *fakePeer, s *session) {
	h.srv.hub.unregisterClient(p)
	s.onClose()
}

func (h *harness) resetAll(peers ...*fakePeer) {
	for _, p := range peers {
		p.reset()
	}
}

func (h *harness) userRecord(name string) (store.UserRecord, bool) {
	h.t.Helper()
	users, err := h.store.Store.ListUsers(context.Background())
	if err != nil {
		h.t.Fatalf("ListUsers() error = %v", err)
	}
	for _, u := range users {
		if u.Username == name {
			return u, true
		}
	}
	return store.UserRecord{}, false
}

func mustEncode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%T) error = %v", msg, err)
	}
	return frame
}

func chatFrame(t *testing.T, to, content string) []byte {
	t.Helper()
	return mustEncode(t, protocol.ChatMessage{To: to, Content: content})
}

func findEntry(list protocol.UserList, name string) (protocol.UserEntry, bool) {
	for _, u := range list.Users {
		if u.Username == name {
			return u, true
		}
	}
	return protocol.UserEntry{}, false
}
