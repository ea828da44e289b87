package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberchat/ember/internal/fanout"
	"github.com/emberchat/ember/internal/identity"
)

// memBus is an in-process fanout.Bus that records published user events.
type memBus struct {
	mu     sync.Mutex
	events map[string][][]byte // user_id -> payloads
}

func newMemBus() *memBus {
	return &memBus{events: make(map[string][][]byte)}
}

func (b *memBus) PublishUserEvent(userID string, data []byte) error {
	b.mu.Lock()
	b.events[userID] = append(b.events[userID], data)
	b.mu.Unlock()
	return nil
}

func (b *memBus) UserEvents(userID string) [][]byte {
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

// stubBlocks serves static block sets.
type stubBlocks struct {
	sets map[string]map[string]bool
}

func (s *stubBlocks) BlockedSet(ctx context.Context, userID string) (map[string]bool, error) {
	if set, ok := s.sets[userID]; ok {
		return set, nil
	}
	return map[string]bool{}, nil
}

// stubLinks answers Exists from a fixed pair set keyed "a|b" (both orders).
type stubLinks struct {
	pairs map[string]bool
}

func (s *stubLinks) Exists(ctx context.Context, ownerID, counterpartID string) (bool, error) {
	return s.pairs[ownerID+"|"+counterpartID], nil
}

// stubConvos records created conversations and can be made to fail.
type stubConvos struct {
	mu      sync.Mutex
	created []string // chat IDs
	fail    bool
}

func (s *stubConvos) CreateTemporary(ctx context.Context, chatID, createdBy, other string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("convo store down")
	}
	s.created = append(s.created, chatID)
	return nil
}

func (s *stubConvos) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type fixture struct {
	mq     *MatchQueue
	store  *Store
	bus    *memBus
	blocks *stubBlocks
	links  *stubLinks
	convos *stubConvos
}

// setupMatchQueue wires a MatchQueue against a test Redis instance.
// Requires Redis on localhost:6379. Tests are skipped if unavailable.
func setupMatchQueue(t *testing.T) (*fixture, context.Context) {
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

	f := &fixture{
		store:  NewStore(rdb),
		bus:    newMemBus(),
		blocks: &stubBlocks{sets: make(map[string]map[string]bool)},
		links:  &stubLinks{pairs: make(map[string]bool)},
		convos: &stubConvos{},
	}
	f.mq = New(f.store, f.blocks, f.links, f.convos, nil, fanout.NewChannel(f.bus), DefaultConfig())
	return f, ctx
}

func enqueueWaiting(t *testing.T, f *fixture, ctx context.Context, userID string) {
	t.Helper()
	match, err := f.mq.RequestSearch(ctx, userID)
	if err != nil {
		t.Fatalf("RequestSearch(%s): %v", userID, err)
	}
	if match != nil {
		t.Fatalf("RequestSearch(%s): unexpected match %+v", userID, match)
	}
}

func TestRequestSearch_EnqueuesWhenAlone(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")

	status, err := f.mq.SearchStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("SearchStatus: %v", err)
	}
	if !status.Searching || status.Matched {
		t.Errorf("expected searching status, got %+v", status)
	}
}

func TestRequestSearch_AlreadySearching(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")

	_, err := f.mq.RequestSearch(ctx, "alice")
	if !errors.Is(err, ErrAlreadySearching) {
		t.Errorf("expected ErrAlreadySearching, got %v", err)
	}
}

func TestRequestSearch_PairsWithWaitingUser(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")

	match, err := f.mq.RequestSearch(ctx, "bob")
	if err != nil {
		t.Fatalf("RequestSearch(bob): %v", err)
	}
	if match == nil {
		t.Fatal("expected a match, got nil")
	}
	if match.Counterpart.UserID != "alice" {
		t.Errorf("expected counterpart alice, got %s", match.Counterpart.UserID)
	}
	if f.convos.count() != 1 {
		t.Errorf("expected 1 conversation created, got %d", f.convos.count())
	}

	// Both entries are matched on the same chat.
	for _, uid := range []string{"alice", "bob"} {
		status, err := f.mq.SearchStatus(ctx, uid)
		if err != nil {
			t.Fatalf("SearchStatus(%s): %v", uid, err)
		}
		if !status.Matched || status.ChatID != match.ChatID {
			t.Errorf("%s: expected matched on %s, got %+v", uid, match.ChatID, status)
		}
	}

	// The waiting side learns about the pairing on its user channel.
	if len(f.bus.UserEvents("alice")) == 0 {
		t.Error("expected match_found event for alice")
	}
	if len(f.bus.UserEvents("bob")) != 0 {
		t.Error("did not expect events for the synchronous side")
	}
}

func TestRequestSearch_FIFOPicksOldest(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")
	time.Sleep(5 * time.Millisecond) // distinct queue positions
	enqueueWaiting(t, f, ctx, "carol")

	match, err := f.mq.RequestSearch(ctx, "bob")
	if err != nil {
		t.Fatalf("RequestSearch(bob): %v", err)
	}
	if match == nil || match.Counterpart.UserID != "alice" {
		t.Fatalf("expected oldest waiter alice, got %+v", match)
	}

	// Carol keeps waiting.
	status, _ := f.mq.SearchStatus(ctx, "carol")
	if !status.Searching {
		t.Errorf("expected carol still searching, got %+v", status)
	}
}

func TestRequestSearch_SkipsBlockedCandidate(t *testing.T) {
	f, ctx := setupMatchQueue(t)
	f.blocks.sets["bob"] = map[string]bool{"alice": true}

	enqueueWaiting(t, f, ctx, "alice")
	enqueueWaiting(t, f, ctx, "bob") // alice is excluded, bob waits

	status, _ := f.mq.SearchStatus(ctx, "alice")
	if !status.Searching {
		t.Errorf("expected alice untouched, got %+v", status)
	}
}

func TestRequestSearch_HonoursCandidateSnapshot(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	// Alice blocked bob before searching; her entry carries the snapshot.
	f.blocks.sets["alice"] = map[string]bool{"bob": true}
	enqueueWaiting(t, f, ctx, "alice")

	// Bob's own set is empty, but alice's snapshot still excludes the pair.
	enqueueWaiting(t, f, ctx, "bob")

	if f.convos.count() != 0 {
		t.Errorf("expected no pairing, got %d conversations", f.convos.count())
	}
}

func TestRequestSearch_SkipsLinkedPair(t *testing.T) {
	f, ctx := setupMatchQueue(t)
	f.links.pairs["bob|alice"] = true

	enqueueWaiting(t, f, ctx, "alice")
	enqueueWaiting(t, f, ctx, "bob")

	if f.convos.count() != 0 {
		t.Errorf("expected no pairing for linked pair, got %d", f.convos.count())
	}
}

func TestRequestSearch_UnwindsOnConvoFailure(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")
	f.convos.fail = true

	_, err := f.mq.RequestSearch(ctx, "bob")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	// Alice is restored to the queue at her original position.
	status, _ := f.mq.SearchStatus(ctx, "alice")
	if !status.Searching {
		t.Errorf("expected alice restored to searching, got %+v", status)
	}

	// A later searcher can still claim her.
	f.convos.fail = false
	match, err := f.mq.RequestSearch(ctx, "carol")
	if err != nil || match == nil || match.Counterpart.UserID != "alice" {
		t.Errorf("expected carol to pair with restored alice, got %+v err=%v", match, err)
	}
}

func TestCancelSearch(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")

	if err := f.mq.CancelSearch(ctx, "alice"); err != nil {
		t.Fatalf("CancelSearch: %v", err)
	}

	status, _ := f.mq.SearchStatus(ctx, "alice")
	if status.Searching || status.Matched {
		t.Errorf("expected no live search after cancel, got %+v", status)
	}

	// Cancelling again reports no active search.
	if err := f.mq.CancelSearch(ctx, "alice"); !errors.Is(err, ErrNoActiveSearch) {
		t.Errorf("expected ErrNoActiveSearch, got %v", err)
	}

	// A cancelled entry does not block a new search.
	enqueueWaiting(t, f, ctx, "alice")
}

func TestCancelSearch_NoEntry(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	if err := f.mq.CancelSearch(ctx, "ghost"); !errors.Is(err, ErrNoActiveSearch) {
		t.Errorf("expected ErrNoActiveSearch, got %v", err)
	}
}

func TestCancelSearch_MatchedEntryStays(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")
	if _, err := f.mq.RequestSearch(ctx, "bob"); err != nil {
		t.Fatalf("RequestSearch(bob): %v", err)
	}

	// The pairing already claimed alice's entry; the cancel loses.
	if err := f.mq.CancelSearch(ctx, "alice"); !errors.Is(err, ErrNoActiveSearch) {
		t.Errorf("expected ErrNoActiveSearch for matched entry, got %v", err)
	}

	status, _ := f.mq.SearchStatus(ctx, "alice")
	if !status.Matched {
		t.Errorf("expected alice still matched, got %+v", status)
	}
}

func TestSearchStatus_LazyExpiry(t *testing.T) {
	f, ctx := setupMatchQueue(t)
	f.mq.config.QueueTTL = 20 * time.Millisecond

	enqueueWaiting(t, f, ctx, "alice")
	time.Sleep(40 * time.Millisecond)

	status, err := f.mq.SearchStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("SearchStatus: %v", err)
	}
	if status.Searching {
		t.Errorf("expected overdue entry to read as not searching, got %+v", status)
	}

	// The stale entry does not block a fresh search either.
	enqueueWaiting(t, f, ctx, "alice")
}

func TestRequestSearch_OneWinnerPerCandidate(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")

	const searchers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < searchers; i++ {
		uid := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			match, err := f.mq.RequestSearch(ctx, uid)
			if err != nil || match == nil {
				return
			}
			if match.Counterpart.UserID == "alice" {
				mu.Lock()
				winners = append(winners, uid)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Errorf("expected exactly one searcher to claim alice, got %d (%v)", len(winners), winners)
	}
}

func TestRequestSearch_MutualConcurrentSearchersPair(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	for i := 0; i < 10; i++ {
		a := fmt.Sprintf("mutual-a-%d", i)
		b := fmt.Sprintf("mutual-b-%d", i)

		var (
			wg      sync.WaitGroup
			results [2]*Match
			errs    [2]error
		)
		for j, uid := range []string{a, b} {
			wg.Add(1)
			go func(j int, uid string) {
				defer wg.Done()
				results[j], errs[j] = f.mq.RequestSearch(ctx, uid)
			}(j, uid)
		}
		wg.Wait()

		for j, err := range errs {
			if err != nil {
				t.Fatalf("iteration %d: RequestSearch #%d: %v", i, j, err)
			}
		}

		// Exactly one side resolves synchronously; the other learns about
		// the pairing on its user channel.
		var match *Match
		for _, m := range results {
			if m == nil {
				continue
			}
			if match != nil {
				t.Fatalf("iteration %d: both searchers resolved synchronously", i)
			}
			match = m
		}
		if match == nil {
			t.Fatalf("iteration %d: neither searcher was paired", i)
		}

		for _, uid := range []string{a, b} {
			status, err := f.mq.SearchStatus(ctx, uid)
			if err != nil {
				t.Fatalf("iteration %d: SearchStatus(%s): %v", i, uid, err)
			}
			if !status.Matched || status.ChatID != match.ChatID {
				t.Errorf("iteration %d: %s expected matched on %s, got %+v", i, uid, match.ChatID, status)
			}
		}
	}
}

func TestScanAndClaim_CancelledMidPairing(t *testing.T) {
	f, ctx := setupMatchQueue(t)

	enqueueWaiting(t, f, ctx, "alice")

	// Bob's entry exists but a cancel from another device lands before his
	// scan claims anything.
	now := time.Now()
	created, err := f.store.CreateEntry(ctx, "bob", nil, now, now.Add(f.mq.config.QueueTTL))
	if err != nil || !created {
		t.Fatalf("CreateEntry(bob): created=%v err=%v", created, err)
	}
	if cancelled, err := f.store.Cancel(ctx, "bob"); err != nil || !cancelled {
		t.Fatalf("Cancel(bob): cancelled=%v err=%v", cancelled, err)
	}

	_, err = f.mq.scanAndClaim(ctx, "bob", nil, now)
	if !errors.Is(err, ErrNoActiveSearch) {
		t.Errorf("expected ErrNoActiveSearch, got %v", err)
	}

	// The cancellation wins and alice goes untouched.
	status, _ := f.mq.SearchStatus(ctx, "alice")
	if !status.Searching {
		t.Errorf("expected alice still searching, got %+v", status)
	}
}

// stubProfiles serves fixed public summaries.
type stubProfiles struct {
	aliases map[string]string
}

func (s *stubProfiles) Summary(ctx context.Context, userID string) (identity.Profile, error) {
	return identity.Profile{UserID: userID, Alias: s.aliases[userID]}, nil
}

func TestRequestSearch_BothSidesGetProfileSummaries(t *testing.T) {
	f, ctx := setupMatchQueue(t)
	f.mq.profiles = &stubProfiles{aliases: map[string]string{
		"alice": "Blue Fox",
		"bob":   "Red Owl",
	}}

	enqueueWaiting(t, f, ctx, "alice")

	match, err := f.mq.RequestSearch(ctx, "bob")
	if err != nil || match == nil {
		t.Fatalf("RequestSearch(bob): match=%+v err=%v", match, err)
	}
	if match.Counterpart.Alias != "Blue Fox" {
		t.Errorf("expected caller to see alice's summary, got %+v", match.Counterpart)
	}

	events := f.bus.UserEvents("alice")
	if len(events) != 1 {
		t.Fatalf("expected one event for alice, got %d", len(events))
	}
	var ev fanout.Event
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Counterpart == nil || ev.Counterpart.Alias != "Red Owl" {
		t.Errorf("expected alice's event to carry bob's summary, got %+v", ev.Counterpart)
	}
}
