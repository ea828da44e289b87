package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// leftover ban test keys before returning. Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, BanPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client)
}

func TestGet_NotBanned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.Get(ctx, "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Banned {
		t.Errorf("expected not banned, got %+v", state)
	}
}

func TestBanAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_ban_check"

	if err := store.Ban(ctx, uid, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	state, err := store.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !state.Banned {
		t.Fatal("expected banned=true")
	}
	if state.Reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", state.Reason)
	}
	remaining := time.Until(state.BannedUntil)
	if remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("expected remaining in (0,30s], got %s", remaining)
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_unban"

	if err := store.Ban(ctx, uid, time.Minute, "abuse"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if err := store.Unban(ctx, uid); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}

	state, err := store.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if state.Banned {
		t.Errorf("expected unbanned, got %+v", state)
	}
}

func TestBanExpiresLazily(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_lazy_expiry"

	if err := store.Ban(ctx, uid, 50*time.Millisecond, "short"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if store.IsEligibleToMatch(ctx, uid) {
		t.Fatal("expected ineligible while banned")
	}

	time.Sleep(100 * time.Millisecond)

	if !store.IsEligibleToMatch(ctx, uid) {
		t.Error("expected eligible after TTL elapsed")
	}
}
