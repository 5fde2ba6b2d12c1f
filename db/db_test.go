package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chat-relay/backend/provider"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

func TestMigrateIdempotent(t *testing.T) {
	database := setupTestDB(t)
	// Running the embedded migration again must be a no-op.
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func testEvent(id string) provider.ChatEvent {
	raw, _ := json.Marshal(map[string]string{"id": id})
	return provider.ChatEvent{
		ID:          id,
		AuthorID:    "UC-author",
		AuthorName:  "someone",
		Text:        "hello " + id,
		PublishedAt: time.Now().UTC().Truncate(time.Millisecond),
		Raw:         raw,
	}
}

func TestInsertChatEvent_DuplicateIsNoOp(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	session := fmt.Sprintf("chat-%d", time.Now().UnixNano())

	ev := testEvent("evt-1")
	if err := InsertChatEvent(ctx, database, session, ev); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := InsertChatEvent(ctx, database, session, ev); err != nil {
		t.Fatalf("duplicate insert should not error: %v", err)
	}

	var n int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_events WHERE session_id=$1 AND event_id=$2`, session, ev.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stored row for duplicate event, got %d", n)
	}
}

func TestInsertChatEvent_SameIDDifferentSessions(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UnixNano()
	s1 := fmt.Sprintf("chat-a-%d", base)
	s2 := fmt.Sprintf("chat-b-%d", base)

	ev := testEvent("evt-shared")
	if err := InsertChatEvent(ctx, database, s1, ev); err != nil {
		t.Fatalf("insert s1: %v", err)
	}
	if err := InsertChatEvent(ctx, database, s2, ev); err != nil {
		t.Fatalf("insert s2: %v", err)
	}

	var n int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_events WHERE event_id=$1 AND session_id IN ($2,$3)`, ev.ID, s1, s2).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("event id should be unique per session only, got %d rows", n)
	}
}

func TestRecentChatEvents(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	session := fmt.Sprintf("chat-recent-%d", time.Now().UnixNano())

	for i := 0; i < 5; i++ {
		ev := testEvent(fmt.Sprintf("evt-%d", i))
		if err := InsertChatEvent(ctx, database, session, ev); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	events, err := RecentChatEvents(ctx, database, 3)
	if err != nil {
		t.Fatalf("RecentChatEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// Newest first.
	if events[0].EventID != "evt-4" {
		t.Errorf("expected newest event first, got %s", events[0].EventID)
	}
	if events[0].SessionID != session {
		t.Errorf("unexpected session id %s", events[0].SessionID)
	}
}

func TestCountChatEvents(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	session := fmt.Sprintf("chat-count-%d", time.Now().UnixNano())

	before, err := CountChatEvents(ctx, database)
	if err != nil {
		t.Fatalf("count before: %v", err)
	}
	if err := InsertChatEvent(ctx, database, session, testEvent("evt-count")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	after, err := CountChatEvents(ctx, database)
	if err != nil {
		t.Fatalf("count after: %v", err)
	}
	if after != before+1 {
		t.Errorf("count = %d, want %d", after, before+1)
	}
}
