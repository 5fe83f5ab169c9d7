package server

import (
	"context"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/dmrelay/internal/protocol"
)

// TestJoinSendsUserListThenHistory tests the frames a client receives when it
// joins. It verifies that the joining client gets the presence snapshot
// listing itself online followed by an empty history.
func TestJoinSendsUserListThenHistory(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.connect("c1")

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))

	msgs := alice.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 frames after join, got %d", len(msgs))
	}
	list, ok := msgs[0].(protocol.UserList)
	if !ok {
		t.Fatalf("Expected first frame to be userList, got %s", msgs[0].Type())
	}
	entry, ok := findEntry(list, "alice")
	if !ok || entry.Status != protocol.StatusOnline {
		t.Errorf("Expected alice online in user list, got %+v", list.Users)
	}
	history, ok := msgs[1].(protocol.History)
	if !ok {
		t.Fatalf("Expected second frame to be history, got %s", msgs[1].Type())
	}
	if len(history.Messages) != 0 {
		t.Errorf("Expected empty history, got %d messages", len(history.Messages))
	}

	if conn, ok := h.srv.registry.Lookup("alice"); !ok || conn != alice {
		t.Error("Expected alice to be registered to her connection")
	}
	if s.phase != phaseJoined {
		t.Errorf("Expected phase joined, got %s", s.phase)
	}
}

// TestJoinTrimsUsername tests that surrounding whitespace is not part of the
// bound name.
func TestJoinTrimsUsername(t *testing.T) {
	h := newHarness(t, nil)
	_, s := h.connect("c1")

	s.onFrame(mustEncode(t, protocol.Join{UserName: "  alice  "}))

	if _, ok := h.srv.registry.Lookup("alice"); !ok {
		t.Error("Expected trimmed username to be registered")
	}
}

// TestEmptyUsernameIsRejected tests joining with a blank name. It verifies
// that nothing is registered, persisted or sent and the session stays
// unjoined.
func TestEmptyUsernameIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	p, s := h.connect("c1")

	for _, name := range []string{"", "   "} {
		s.onFrame(mustEncode(t, protocol.Join{UserName: name}))
	}

	if n := len(p.messages(t)); n != 0 {
		t.Errorf("Expected no frames, got %d", n)
	}
	if h.srv.registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d entries", h.srv.registry.Len())
	}
	if s.phase != phaseUnjoined {
		t.Errorf("Expected phase unjoined, got %s", s.phase)
	}
	if got := promtest.ToFloat64(h.srv.metrics.framesDropped.WithLabelValues(dropViolation)); got != 2 {
		t.Errorf("Expected 2 protocol violations, got %v", got)
	}
}

// TestChatPersistsOnceAndDeliversToBoth tests a direct message between two
// joined users. It verifies that the message is stored exactly once and that
// the same stamped frame reaches both the recipient and the sender.
func TestChatPersistsOnceAndDeliversToBoth(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceSession := h.join("c1", "alice")
	bob, _ := h.join("c2", "bob")
	h.resetAll(alice, bob)

	aliceSession.onFrame(chatFrame(t, "bob", "hello"))

	if got := h.store.insertCount(); got != 1 {
		t.Fatalf("Expected 1 insert, got %d", got)
	}

	bobChats := bob.chats(t)
	aliceChats := alice.chats(t)
	if len(bobChats) != 1 || len(aliceChats) != 1 {
		t.Fatalf("Expected one chat each, got bob=%d alice=%d", len(bobChats), len(aliceChats))
	}
	if bobChats[0] != aliceChats[0] {
		t.Errorf("Expected identical frames, got %+v and %+v", bobChats[0], aliceChats[0])
	}

	got := bobChats[0]
	if got.From != "alice" || got.To != "bob" || got.Content != "hello" {
		t.Errorf("Unexpected message %+v", got)
	}
	if _, err := protocol.ParseTimestamp(got.Timestamp); err != nil {
		t.Errorf("Expected parseable timestamp, got %q: %v", got.Timestamp, err)
	}

	stored, err := h.store.FetchHistory(context.Background(), "bob", 10)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(stored) != 1 || stored[0] != got {
		t.Errorf("Expected stored message to match delivered one, got %+v", stored)
	}
	if v := promtest.ToFloat64(h.srv.metrics.messages.WithLabelValues(resultDelivered)); v != 1 {
		t.Errorf("Expected delivered counter 1, got %v", v)
	}
}

// TestChatSenderFieldCannotBeSpoofed tests that the from and timestamp
// fields of an incoming chat frame are replaced by the relay.
func TestChatSenderFieldCannotBeSpoofed(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.join("c1", "alice")
	bob, _ := h.join("c2", "bob")
	h.resetAll(alice, bob)

	s.onFrame(mustEncode(t, protocol.ChatMessage{From: "mallory", To: "bob", Content: "hi", Timestamp: "1999-01-01T00:00:00Z"}))

	chats := bob.chats(t)
	if len(chats) != 1 {
		t.Fatalf("Expected 1 chat, got %d", len(chats))
	}
	if chats[0].From != "alice" {
		t.Errorf("Expected from alice, got %q", chats[0].From)
	}
	if chats[0].Timestamp == "1999-01-01T00:00:00Z" {
		t.Error("Expected the relay to stamp its own timestamp")
	}
}

// TestChatToOfflineRecipientIsKeptForHistory tests messaging a user who is
// not connected. It verifies that the sender still gets an echo and the
// recipient receives the message in history when joining later.
func TestChatToOfflineRecipientIsKeptForHistory(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.join("c1", "alice")

	s.onFrame(chatFrame(t, "carol", "are you there?"))

	if n := len(alice.chats(t)); n != 1 {
		t.Fatalf("Expected sender echo, got %d chats", n)
	}
	if v := promtest.ToFloat64(h.srv.metrics.messages.WithLabelValues(resultOffline)); v != 1 {
		t.Errorf("Expected offline counter 1, got %v", v)
	}

	carol, carolSession := h.connect("c2")
	carolSession.onFrame(mustEncode(t, protocol.Join{UserName: "carol"}))

	histories := carol.ofType(t, protocol.TypeHistory)
	if len(histories) != 1 {
		t.Fatalf("Expected one history frame, got %d", len(histories))
	}
	history := histories[0].(protocol.History)
	if len(history.Messages) != 1 || history.Messages[0].Content != "are you there?" {
		t.Errorf("Unexpected history %+v", history.Messages)
	}
}

// TestSelfMessageDeliveredOnce tests that messaging yourself produces a
// single frame rather than an echo plus a delivery.
func TestSelfMessageDeliveredOnce(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.join("c1", "alice")

	s.onFrame(chatFrame(t, "alice", "note to self"))

	if n := len(alice.chats(t)); n != 1 {
		t.Errorf("Expected 1 chat frame, got %d", n)
	}
	if got := h.store.insertCount(); got != 1 {
		t.Errorf("Expected 1 insert, got %d", got)
	}
}

// TestChatBeforeJoinIsIgnored tests a chat frame from an unjoined
// connection. It verifies that nothing is stored or delivered and the
// connection remains usable.
func TestChatBeforeJoinIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	bob, _ := h.join("c2", "bob")
	p, s := h.connect("c1")

	s.onFrame(chatFrame(t, "bob", "sneaky"))

	if got := h.store.insertCount(); got != 0 {
		t.Errorf("Expected no inserts, got %d", got)
	}
	if n := len(bob.chats(t)); n != 0 {
		t.Errorf("Expected bob to receive nothing, got %d chats", n)
	}
	if n := len(p.messages(t)); n != 0 {
		t.Errorf("Expected no frames to unjoined connection, got %d", n)
	}

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))
	if s.phase != phaseJoined {
		t.Error("Expected connection to remain usable after violation")
	}
}

// TestChatWithoutRecipientIsIgnored tests that an empty recipient is a
// protocol violation.
func TestChatWithoutRecipientIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.join("c1", "alice")

	s.onFrame(chatFrame(t, " ", "nobody"))

	if got := h.store.insertCount(); got != 0 {
		t.Errorf("Expected no inserts, got %d", got)
	}
	if n := len(alice.messages(t)); n != 0 {
		t.Errorf("Expected no frames, got %d", n)
	}
}

// TestMalformedFramesAreIgnored tests frames that cannot be decoded or are
// not valid from a client. It verifies each is dropped silently and the
// session keeps working afterwards.
func TestMalformedFramesAreIgnored(t *testing.T) {
	frames := map[string]string{
		"not json":        "hello",
		"truncated":       `{"type":"join"`,
		"array":           `[1,2,3]`,
		"missing type":    `{"userName":"alice"}`,
		"unknown type":    `{"type":"typing"}`,
		"wrong field":     `{"type":"join","userName":42}`,
		"server userList": `{"type":"userList","users":[]}`,
		"server history":  `{"type":"history","messages":[]}`,
	}

	h := newHarness(t, nil)
	p, s := h.connect("c1")

	for name, raw := range frames {
		t.Run(name, func(t *testing.T) {
			s.onFrame([]byte(raw))
			if n := len(p.messages(t)); n != 0 {
				t.Errorf("Expected no frames, got %d", n)
			}
			if s.phase != phaseUnjoined {
				t.Errorf("Expected phase unjoined, got %s", s.phase)
			}
		})
	}

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))
	if s.phase != phaseJoined {
		t.Error("Expected join to succeed after malformed frames")
	}
	if got := h.store.insertCount(); got != 0 {
		t.Errorf("Expected no inserts, got %d", got)
	}
}

// TestPresenceBroadcastOnJoinAndLeave tests the user list broadcasts seen by
// a connection that never joins. It verifies exactly one snapshot per join
// and per joined disconnect, with the leaving user reported offline.
func TestPresenceBroadcastOnJoinAndLeave(t *testing.T) {
	h := newHarness(t, nil)
	observer, _ := h.connect("observer")

	alice, aliceSession := h.connect("c1")
	aliceSession.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))

	lists := observer.userLists(t)
	if len(lists) != 1 {
		t.Fatalf("Expected 1 user list after join, got %d", len(lists))
	}
	if entry, ok := findEntry(lists[0], "alice"); !ok || entry.Status != protocol.StatusOnline {
		t.Errorf("Expected alice online, got %+v", lists[0].Users)
	}
	observer.reset()

	h.disconnect(alice, aliceSession)

	lists = observer.userLists(t)
	if len(lists) != 1 {
		t.Fatalf("Expected 1 user list after leave, got %d", len(lists))
	}
	if entry, ok := findEntry(lists[0], "alice"); !ok || entry.Status != protocol.StatusOffline {
		t.Errorf("Expected alice offline, got %+v", lists[0].Users)
	}
	if _, ok := h.srv.registry.Lookup("alice"); ok {
		t.Error("Expected alice to be removed from registry")
	}
}

// TestUnjoinedDisconnectIsSilent tests that closing a connection that never
// joined produces no broadcast.
func TestUnjoinedDisconnectIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	observer, _ := h.connect("observer")
	p, s := h.connect("c1")

	h.disconnect(p, s)

	if n := len(observer.messages(t)); n != 0 {
		t.Errorf("Expected no frames, got %d", n)
	}
	if s.phase != phaseClosed {
		t.Errorf("Expected phase closed, got %s", s.phase)
	}
}

// TestSessionCloseIsIdempotent tests that cleanup runs only once.
func TestSessionCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	observer, _ := h.connect("observer")
	alice, s := h.join("c1", "alice")
	observer.reset()

	h.disconnect(alice, s)
	s.onClose()

	if n := len(observer.userLists(t)); n != 1 {
		t.Errorf("Expected exactly 1 user list, got %d", n)
	}

	s.onFrame(chatFrame(t, "bob", "after close"))
	if got := h.store.insertCount(); got != 0 {
		t.Errorf("Expected closed session to ignore frames, got %d inserts", got)
	}
}

// TestRejoinUnderNewNameReleasesOldName tests a connection that joins twice
// with different names. It verifies the old name is marked offline and
// no longer routable while the new one is online.
func TestRejoinUnderNewNameReleasesOldName(t *testing.T) {
	h := newHarness(t, nil)
	p, s := h.join("c1", "alice")

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alicia"}))

	if _, ok := h.srv.registry.Lookup("alice"); ok {
		t.Error("Expected old name to be unregistered")
	}
	if conn, ok := h.srv.registry.Lookup("alicia"); !ok || conn != p {
		t.Error("Expected new name to be bound to the connection")
	}
	if rec, ok := h.userRecord("alice"); !ok || rec.Status != protocol.StatusOffline {
		t.Errorf("Expected alice offline in store, got %+v", rec)
	}
	if rec, ok := h.userRecord("alicia"); !ok || rec.Status != protocol.StatusOnline {
		t.Errorf("Expected alicia online in store, got %+v", rec)
	}
	if s.username != "alicia" {
		t.Errorf("Expected session username alicia, got %q", s.username)
	}
}

// TestRejoinSameNameKeepsBinding tests that repeating a join with the same
// name refreshes presence without going offline.
func TestRejoinSameNameKeepsBinding(t *testing.T) {
	h := newHarness(t, nil)
	p, s := h.join("c1", "alice")

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))

	if conn, ok := h.srv.registry.Lookup("alice"); !ok || conn != p {
		t.Error("Expected alice to stay bound")
	}
	if rec, ok := h.userRecord("alice"); !ok || rec.Status != protocol.StatusOnline {
		t.Errorf("Expected alice online, got %+v", rec)
	}
	if n := len(p.ofType(t, protocol.TypeHistory)); n != 1 {
		t.Errorf("Expected a fresh history frame, got %d", n)
	}
}

// TestStaleDisconnectKeepsNewerOwner tests two connections joining under the
// same name. It verifies that the newer one receives messages and that the
// older one closing does not take the user offline.
func TestStaleDisconnectKeepsNewerOwner(t *testing.T) {
	h := newHarness(t, nil)
	oldConn, oldSession := h.join("c1", "alice")
	newConn, _ := h.join("c2", "alice")
	bob, bobSession := h.join("c3", "bob")
	h.resetAll(oldConn, newConn, bob)

	bobSession.onFrame(chatFrame(t, "alice", "which one?"))
	if n := len(newConn.chats(t)); n != 1 {
		t.Errorf("Expected newer connection to receive the message, got %d", n)
	}
	if n := len(oldConn.chats(t)); n != 0 {
		t.Errorf("Expected older connection to receive nothing, got %d", n)
	}

	h.disconnect(oldConn, oldSession)

	if conn, ok := h.srv.registry.Lookup("alice"); !ok || conn != newConn {
		t.Error("Expected registry to keep the newer connection")
	}
	if rec, ok := h.userRecord("alice"); !ok || rec.Status != protocol.StatusOnline {
		t.Errorf("Expected alice to stay online, got %+v", rec)
	}
}

// TestStoreFailureDeliversByDefault tests the default policy when a message
// cannot be persisted. It verifies the message is still delivered to both
// parties.
func TestStoreFailureDeliversByDefault(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.join("c1", "alice")
	bob, _ := h.join("c2", "bob")
	h.resetAll(alice, bob)
	h.store.failInsert = true

	s.onFrame(chatFrame(t, "bob", "unsaved"))

	if n := len(bob.chats(t)); n != 1 {
		t.Errorf("Expected delivery despite store failure, got %d", n)
	}
	if n := len(alice.chats(t)); n != 1 {
		t.Errorf("Expected echo despite store failure, got %d", n)
	}
	if v := promtest.ToFloat64(h.srv.metrics.messages.WithLabelValues(resultStoreError)); v != 1 {
		t.Errorf("Expected store_error counter 1, got %v", v)
	}
}

// TestStoreFailureSuppressesDeliveryWhenConfigured tests the suppressing
// policy. It verifies that neither party receives an unpersisted message.
func TestStoreFailureSuppressesDeliveryWhenConfigured(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.SuppressDeliveryOnStoreError = true })
	alice, s := h.join("c1", "alice")
	bob, _ := h.join("c2", "bob")
	h.resetAll(alice, bob)
	h.store.failInsert = true

	s.onFrame(chatFrame(t, "bob", "unsaved"))

	if n := len(bob.chats(t)); n != 0 {
		t.Errorf("Expected no delivery, got %d", n)
	}
	if n := len(alice.chats(t)); n != 0 {
		t.Errorf("Expected no echo, got %d", n)
	}
	if v := promtest.ToFloat64(h.srv.metrics.messages.WithLabelValues(resultSuppressed)); v != 1 {
		t.Errorf("Expected suppressed counter 1, got %v", v)
	}
}

// TestHistoryFailureSendsEmptyHistory tests that a failed history lookup
// still completes the join with an empty history frame.
func TestHistoryFailureSendsEmptyHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failHistory = true
	p, s := h.connect("c1")

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))

	histories := p.ofType(t, protocol.TypeHistory)
	if len(histories) != 1 {
		t.Fatalf("Expected 1 history frame, got %d", len(histories))
	}
	if n := len(histories[0].(protocol.History).Messages); n != 0 {
		t.Errorf("Expected empty history, got %d", n)
	}
	if s.phase != phaseJoined {
		t.Error("Expected join to complete")
	}
}

// TestUserListFallsBackToRegistry tests the presence broadcast when the
// store cannot list users. It verifies the snapshot is built from the
// connected users instead.
func TestUserListFallsBackToRegistry(t *testing.T) {
	h := newHarness(t, nil)
	h.join("c1", "bob")
	h.store.failList = true
	p, s := h.connect("c2")

	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))

	lists := p.userLists(t)
	if len(lists) != 1 {
		t.Fatalf("Expected 1 user list, got %d", len(lists))
	}
	users := lists[0].Users
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("Expected registry snapshot [alice bob], got %+v", users)
	}
	for _, u := range users {
		if u.Status != protocol.StatusOnline || u.LastSeen == "" {
			t.Errorf("Expected online entry with lastSeen, got %+v", u)
		}
	}
}

// TestHistoryIsCappedAndOrdered tests the history sent on join for a user
// with more messages than the configured limit. It verifies only the most
// recent ones are sent, oldest first.
func TestHistoryIsCappedAndOrdered(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.HistoryLimit = 5 })
	_, s := h.join("c1", "alice")

	for i := 0; i < 8; i++ {
		s.onFrame(chatFrame(t, "bob", string(rune('a'+i))))
	}

	bob, bobSession := h.connect("c2")
	bobSession.onFrame(mustEncode(t, protocol.Join{UserName: "bob"}))

	histories := bob.ofType(t, protocol.TypeHistory)
	if len(histories) != 1 {
		t.Fatalf("Expected 1 history frame, got %d", len(histories))
	}
	msgs := histories[0].(protocol.History).Messages
	want := []string{"d", "e", "f", "g", "h"}
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

// TestPhaseString covers the log rendering of session phases.
func TestPhaseString(t *testing.T) {
	cases := map[phase]string{
		phaseUnjoined: "unjoined",
		phaseJoined:   "joined",
		phaseClosed:   "closed",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}

// TestChatTrimsRecipient tests a chat frame whose recipient carries
// surrounding whitespace. It verifies that the message is routed to and
// stored under the trimmed username.
func TestChatTrimsRecipient(t *testing.T) {
	h := newHarness(t, nil)
	alice, s := h.join("c1", "alice")
	bob, _ := h.join("c2", "bob")
	h.resetAll(alice, bob)

	s.onFrame(chatFrame(t, " bob ", "hi"))

	bobChats := bob.chats(t)
	if len(bobChats) != 1 || bobChats[0].To != "bob" {
		t.Fatalf("Expected one chat to bob, got %+v", bobChats)
	}

	stored, err := h.store.FetchHistory(context.Background(), "bob", 10)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}
	if len(stored) != 1 || stored[0].To != "bob" {
		t.Errorf("Expected message stored for bob, got %+v", stored)
	}
}

// TestRebindLogsSingleUserField tests the session logger after a connection
// changes its username. It verifies that log lines carry only the current
// username.
func TestRebindLogsSingleUserField(t *testing.T) {
	h := newHarness(t, nil)
	core, logs := observer.New(zap.DebugLevel)
	h.srv.logger = zap.New(core)

	_, s := h.connect("c1")
	s.onFrame(mustEncode(t, protocol.Join{UserName: "alice"}))
	s.onFrame(mustEncode(t, protocol.Join{UserName: "alicia"}))

	joined := logs.FilterMessage("user joined").All()
	if len(joined) != 2 {
		t.Fatalf("Expected 2 join log entries, got %d", len(joined))
	}

	var users []string
	for _, f := range joined[1].Context {
		if f.Key == "user" {
			users = append(users, f.String)
		}
	}
	if len(users) != 1 || users[0] != "alicia" {
		t.Errorf("Expected a single user=alicia field, got %v", users)
	}
}
