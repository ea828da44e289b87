package reaper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberchat/ember/internal/convo"
	"github.com/emberchat/ember/internal/fanout"
	"github.com/emberchat/ember/internal/queue"
)

// memBus is an in-process fanout.Bus that records published user events.
type memBus struct {
	mu     sync.Mutex
	events map[string][]fanout.Event
}

func newMemBus() *memBus {
	return &memBus{events: make(map[string][]fanout.Event)}
}

func (b *memBus) PublishUserEvent(userID string, data []byte) error {
	var event fanout.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	b.mu.Lock()
	b.events[userID] = append(b.events[userID], event)
	b.mu.Unlock()
	return nil
}

func (b *memBus) UserEvents(userID string) []fanout.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[userID]
}

func (b *memBus) SubscribeUserEvents(string, func(data []byte)) error { return nil }
func (b *memBus) UnsubscribeUserEvents(string) error                  { return nil }
func (b *memBus) PublishConvoEvent(string, []byte) error              { return nil }
func (b *memBus) SubscribeConvo(string, string, func(data []byte)) error {
	return nil
}
func (b *memBus) UnsubscribeConvo(string) error { return nil }

// memLinks satisfies convo.LinkStore without a database.
type memLinks struct{}

func (memLinks) UpsertPair(ctx context.Context, userA, userB, chatID string) error { return nil }
func (memLinks) DeletePair(ctx context.Context, userA, userB string) error         { return nil }
func (memLinks) Exists(ctx context.Context, ownerID, counterpartID string) (bool, error) {
	return false, nil
}

// setupReaper wires a Reaper against a test Redis instance. Requires Redis
// on localhost:6379. Tests are skipped if unavailable.
func setupReaper(t *testing.T) (*Reaper, *queue.Store, *convo.Engine, *memBus, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	bus := newMemBus()
	events := fanout.NewChannel(bus)
	queueStore := queue.NewStore(rdb)
	engine := convo.NewEngine(convo.NewStore(rdb), memLinks{}, events, 24*time.Hour)

	return New(queueStore, engine, events, DefaultInterval), queueStore, engine, bus, ctx
}

func TestSweep_ExpiresOverdueSearches(t *testing.T) {
	r, queueStore, _, bus, ctx := setupReaper(t)

	now := time.Now()
	overdue := now.Add(-time.Minute)

	// Alice's search deadline already passed; bob's has not.
	if _, err := queueStore.CreateEntry(ctx, "alice", nil, now.Add(-10*time.Minute), overdue); err != nil {
		t.Fatalf("CreateEntry(alice): %v", err)
	}
	if err := queueStore.Enqueue(ctx, "alice", now.Add(-10*time.Minute), overdue); err != nil {
		t.Fatalf("Enqueue(alice): %v", err)
	}
	if _, err := queueStore.CreateEntry(ctx, "bob", nil, now, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("CreateEntry(bob): %v", err)
	}
	if err := queueStore.Enqueue(ctx, "bob", now, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("Enqueue(bob): %v", err)
	}

	r.Sweep(ctx)

	aliceEntry, err := queueStore.GetEntry(ctx, "alice")
	if err != nil {
		t.Fatalf("GetEntry(alice): %v", err)
	}
	if aliceEntry.Status != queue.StatusExpired {
		t.Errorf("expected alice expired, got %s", aliceEntry.Status)
	}

	bobEntry, _ := queueStore.GetEntry(ctx, "bob")
	if bobEntry.Status != queue.StatusSearching {
		t.Errorf("expected bob untouched, got %s", bobEntry.Status)
	}

	events := bus.UserEvents("alice")
	if len(events) != 1 || events[0].Type != fanout.TypeSearchTimeout {
		t.Errorf("expected one search_timeout for alice, got %v", events)
	}
	if len(bus.UserEvents("bob")) != 0 {
		t.Error("bob must not receive a timeout event")
	}

	// A second sweep finds nothing.
	r.Sweep(ctx)
	if len(bus.UserEvents("alice")) != 1 {
		t.Error("second sweep must not emit again")
	}
}

func TestSweep_TerminatesOverdueConversations(t *testing.T) {
	r, _, engine, bus, ctx := setupReaper(t)

	// Direct store access to plant an already-overdue conversation.
	store := convo.NewStore(redisForTest(t, ctx))
	if err := store.CreateTemporary(ctx, "chat-1", "alice", "bob", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateTemporary: %v", err)
	}

	r.Sweep(ctx)

	if _, err := engine.Get(ctx, "chat-1"); err == nil {
		t.Error("expected overdue conversation removed")
	}

	for _, uid := range []string{"alice", "bob"} {
		events := bus.UserEvents(uid)
		if len(events) != 1 || events[0].Type != fanout.TypeChatTerminated {
			t.Fatalf("%s: expected one chat_terminated, got %v", uid, events)
		}
		if events[0].Reason != fanout.ReasonExpired {
			t.Errorf("%s: expected reason expired, got %s", uid, events[0].Reason)
		}
	}

	// Idempotent: a second sweep emits nothing new.
	r.Sweep(ctx)
	if len(bus.UserEvents("alice")) != 1 {
		t.Error("second sweep must not emit again")
	}
}

func TestSweep_SavedConversationSurvives(t *testing.T) {
	r, _, engine, _, ctx := setupReaper(t)

	store := convo.NewStore(redisForTest(t, ctx))
	if err := store.CreateTemporary(ctx, "chat-1", "alice", "bob", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateTemporary: %v", err)
	}

	// Both save before the sweep reaches the chat.
	if _, err := engine.Save(ctx, "chat-1", "alice"); err != nil {
		t.Fatalf("Save(alice): %v", err)
	}
	if _, err := engine.Save(ctx, "chat-1", "bob"); err != nil {
		t.Fatalf("Save(bob): %v", err)
	}

	r.Sweep(ctx)

	c, err := engine.Get(ctx, "chat-1")
	if err != nil {
		t.Fatalf("expected promoted chat to survive the sweep: %v", err)
	}
	if c.Kind != convo.KindPermanent {
		t.Errorf("expected permanent, got %s", c.Kind)
	}
}

// redisForTest returns a client on the shared test DB without flushing it,
// for direct store access inside a test that already ran setupReaper.
func redisForTest(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}
