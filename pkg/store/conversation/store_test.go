package conversation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/parley/pkg/realtime"
)

// testStore connects to the database named by PARLEY_TEST_DATABASE_URL.
// Tests that need a live database are skipped when it is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PARLEY_TEST_DATABASE_URL not set")
	}
	store, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func testTurn(role realtime.Role, text string, ts time.Time) Turn {
	return Turn{Role: role, Text: text, Timestamp: ts}
}

func TestSaveTurnsValidation(t *testing.T) {
	t.Parallel()

	store := &Store{}
	if _, err := store.SaveTurns(context.Background(), "  ", []Turn{{Text: "hi"}}); err == nil {
		t.Fatalf("expected error for empty user ID")
	}

	// An all-empty batch is a no-op, not an error, and never touches
	// the database.
	n, err := store.SaveTurns(context.Background(), "user_1", []Turn{
		{Role: realtime.RoleUser, Text: "   "},
		{Role: realtime.RoleAssistant, Text: ""},
	})
	if err != nil {
		t.Fatalf("empty batch error: %v", err)
	}
	if n != 0 {
		t.Fatalf("saved=%d, want 0", n)
	}
}

func TestDeleteTurnsValidation(t *testing.T) {
	t.Parallel()

	store := &Store{}
	if _, err := store.DeleteTurns(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty user ID")
	}
}

func TestListTurnsByRangeValidation(t *testing.T) {
	t.Parallel()

	store := &Store{}
	now := time.Now()
	if _, err := store.ListTurnsByRange(context.Background(), "user_1", now, now, ListOptions{}); err == nil {
		t.Fatalf("expected error for empty range")
	}
}

func TestApplyWindow(t *testing.T) {
	t.Parallel()

	query, args := applyWindow("SELECT 1", []any{"u"}, ListOptions{})
	if query != "SELECT 1" || len(args) != 1 {
		t.Fatalf("no-window query=%q args=%d", query, len(args))
	}

	query, args = applyWindow("SELECT 1", []any{"u"}, ListOptions{Limit: 10, Offset: 5})
	if query != "SELECT 1 LIMIT $2 OFFSET $3" {
		t.Fatalf("windowed query=%q", query)
	}
	if len(args) != 3 || args[1] != 10 || args[2] != 5 {
		t.Fatalf("windowed args=%v", args)
	}
}

func TestSaveListDeleteRoundTrip(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()
	userID := "test_" + uuid.NewString()
	base := time.Now().Truncate(time.Millisecond)

	saved, err := store.SaveTurns(ctx, userID, []Turn{
		testTurn(realtime.RoleUser, "hello", base),
		testTurn(realtime.RoleAssistant, "hi there", base.Add(time.Second)),
		testTurn(realtime.RoleUser, "  ", base.Add(2*time.Second)),
	})
	if err != nil {
		t.Fatalf("save turns: %v", err)
	}
	if saved != 2 {
		t.Fatalf("saved=%d, want 2", saved)
	}

	turns, err := store.ListTurns(ctx, userID, ListOptions{})
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Text != "hello" || turns[1].Text != "hi there" {
		t.Fatalf("turns=%+v, want chronological pair", turns)
	}

	desc, err := store.ListTurns(ctx, userID, ListOptions{Descending: true, Limit: 1})
	if err != nil {
		t.Fatalf("list turns desc: %v", err)
	}
	if len(desc) != 1 || desc[0].Text != "hi there" {
		t.Fatalf("desc=%+v, want newest only", desc)
	}

	ranged, err := store.ListTurnsByRange(ctx, userID, base, base.Add(500*time.Millisecond), ListOptions{})
	if err != nil {
		t.Fatalf("list by range: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Text != "hello" {
		t.Fatalf("ranged=%+v, want first turn only", ranged)
	}

	stats, err := store.Stats(ctx, userID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTurns != 2 || stats.UserTurns != 1 || stats.AssistantTurns != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats.Oldest == nil || stats.Newest == nil || !stats.Newest.After(*stats.Oldest) {
		t.Fatalf("stats timestamps=%+v", stats)
	}

	one := turns[0].ID
	removed, err := store.DeleteTurns(ctx, userID, &one)
	if err != nil {
		t.Fatalf("delete one: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d, want 1", removed)
	}

	removed, err = store.DeleteTurns(ctx, userID, nil)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d, want remaining 1", removed)
	}
}

func TestStatsEmptyUser(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	stats, err := store.Stats(context.Background(), "test_"+uuid.NewString())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTurns != 0 || stats.Oldest != nil || stats.Newest != nil {
		t.Fatalf("stats=%+v, want empty", stats)
	}
}
