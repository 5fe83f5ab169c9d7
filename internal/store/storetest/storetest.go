// Package storetest holds a conformance suite shared by every store.Store
// backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Tyrowin/dmrelay/internal/protocol"
	"github.com/Tyrowin/dmrelay/internal/store"
)

// Opener returns a fresh, empty store for one subtest. The suite closes it.
type Opener func(t *testing.T) store.Store

// Run exercises the store.Store contract against open.
func Run(t *testing.T, open Opener) {
	t.Run("UserLifecycle", func(t *testing.T) { testUserLifecycle(t, open(t)) })
	t.Run("HistoryOrderAndCap", func(t *testing.T) { testHistoryOrderAndCap(t, open(t)) })
	t.Run("HistoryFiltersByUser", func(t *testing.T) { testHistoryFilters(t, open(t)) })
}

func closeStore(t *testing.T, s store.Store) {
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
	})
}

func testUserLifecycle(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.UpsertUserOnJoin(ctx, "zed", now); err != nil {
		t.Fatalf("upsert zed: %v", err)
	}
	if err := s.UpsertUserOnJoin(ctx, "amy", now); err != nil {
		t.Fatalf("upsert amy: %v", err)
	}
	if err := s.MarkUserOffline(ctx, "zed", now.Add(time.Second)); err != nil {
		t.Fatalf("offline zed: %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers() = %+v, want 2 users", users)
	}
	if users[0].Username != "amy" || users[0].Status != protocol.StatusOnline {
		t.Errorf("users[0] = %+v, want amy online", users[0])
	}
	if users[1].Username != "zed" || users[1].Status != protocol.StatusOffline {
		t.Errorf("users[1] = %+v, want zed offline", users[1])
	}
	if !users[1].LastSeen.Equal(now.Add(time.Second)) {
		t.Errorf("zed lastSeen = %v, want %v", users[1].LastSeen, now.Add(time.Second))
	}
}

func testHistoryOrderAndCap(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	total := store.DefaultHistoryLimit + 20
	for i := 0; i < total; i++ {
		msg := protocol.ChatMessage{
			From:      "amy",
			To:        "zed",
			Content:   fmt.Sprintf("m%03d", i),
			Timestamp: protocol.FormatTimestamp(base.Add(time.Duration(i) * time.Millisecond)),
		}
		if err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	history, err := s.FetchHistory(ctx, "zed", 0)
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(history) != store.DefaultHistoryLimit {
		t.Fatalf("len(history) = %d, want %d", len(history), store.DefaultHistoryLimit)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp < history[i-1].Timestamp {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if want := fmt.Sprintf("m%03d", total-1); history[len(history)-1].Content != want {
		t.Errorf("last message = %s, want %s", history[len(history)-1].Content, want)
	}
}

func testHistoryFilters(t *testing.T, s store.Store) {
	closeStore(t, s)
	ctx := context.Background()
	at := protocol.FormatTimestamp(time.Now())

	for _, m := range []protocol.ChatMessage{
		{From: "amy", To: "bo", Content: "sent", Timestamp: at},
		{From: "bo", To: "amy", Content: "received", Timestamp: at},
		{From: "bo", To: "cy", Content: "other", Timestamp: at},
	} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	history, err := s.FetchHistory(ctx, "amy", 10)
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "sent" || history[1].Content != "received" {
		t.Errorf("history = %+v, want [sent received]", history)
	}
}
