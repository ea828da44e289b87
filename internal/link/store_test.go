package link

import (
	"context"
	"os"
	"testing"

	"github.com/emberchat/ember/internal/db"
)

// newTestStore connects to the Postgres instance named by TEST_POSTGRES_DSN,
// runs migrations, and truncates the connections table. Tests are skipped
// when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skipping: TEST_POSTGRES_DSN not set")
	}

	handle, err := db.Open(dsn)
	if err != nil {
		t.Skipf("skipping: Postgres not available: %v", err)
	}
	if err := db.Migrate(handle); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	if _, err := handle.ExecContext(ctx, `TRUNCATE connections`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() {
		handle.ExecContext(ctx, `TRUNCATE connections`)
		handle.Close()
	})

	return NewStore(handle)
}

func TestUpsertPair_BothDirections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertPair(ctx, "alice", "bob", "chat-1"); err != nil {
		t.Fatalf("UpsertPair: %v", err)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		exists, err := store.Exists(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("Exists(%s,%s): %v", pair[0], pair[1], err)
		}
		if !exists {
			t.Errorf("expected link %s->%s", pair[0], pair[1])
		}
	}
}

func TestUpsertPair_OverwritesChatID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.UpsertPair(ctx, "alice", "bob", "chat-1")
	if err := store.UpsertPair(ctx, "alice", "bob", "chat-2"); err != nil {
		t.Fatalf("repeat UpsertPair: %v", err)
	}

	links, err := store.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(links))
	}
	if links[0].ChatID != "chat-2" {
		t.Errorf("expected chat-2, got %s", links[0].ChatID)
	}
}

func TestExists_Missing(t *testing.T) {
	store := newTestStore(t)

	exists, err := store.Exists(context.Background(), "alice", "nobody")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("expected no link")
	}
}

func TestListByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.UpsertPair(ctx, "alice", "bob", "chat-1")
	store.UpsertPair(ctx, "alice", "carol", "chat-2")
	store.UpsertPair(ctx, "bob", "carol", "chat-3")

	links, err := store.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links for alice, got %d", len(links))
	}
	for _, l := range links {
		if l.OwnerID != "alice" {
			t.Errorf("unexpected owner %s", l.OwnerID)
		}
	}
}

func TestDeletePair(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.UpsertPair(ctx, "alice", "bob", "chat-1")
	if err := store.DeletePair(ctx, "bob", "alice"); err != nil {
		t.Fatalf("DeletePair: %v", err)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		exists, _ := store.Exists(ctx, pair[0], pair[1])
		if exists {
			t.Errorf("expected link %s->%s removed", pair[0], pair[1])
		}
	}
}
