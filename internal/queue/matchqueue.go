package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/fanout"
	"github.com/emberchat/ember/internal/identity"
	"github.com/emberchat/ember/internal/metrics"
	"github.com/emberchat/ember/internal/retry"
)

const (
	storeAttempts = 3
	storeBackoff  = 50 * time.Millisecond
)

// ErrTransient is returned after bounded retries against the backing store
// are exhausted. The underlying cause stays in the chain for logging.
var ErrTransient = errors.New("queue: transient storage failure")

// BlockRegistry is the read-only view of the symmetric blocked relation,
// consulted once per search attempt.
type BlockRegistry interface {
	BlockedSet(ctx context.Context, userID string) (map[string]bool, error)
}

// LinkIndex answers whether two users already share a permanent
// conversation; such pairs are never re-matched.
type LinkIndex interface {
	Exists(ctx context.Context, ownerID, counterpartID string) (bool, error)
}

// ConversationCreator creates the temporary conversation record for a fresh
// pairing. Implemented by the lifecycle engine.
type ConversationCreator interface {
	CreateTemporary(ctx context.Context, chatID, createdBy, other string) error
}

// ProfileSource resolves the public profile summaries attached to pairing
// results, so both sides of a match receive the same counterpart view.
// Implemented by the identity gate.
type ProfileSource interface {
	Summary(ctx context.Context, userID string) (identity.Profile, error)
}

// Config holds matchmaking tunables.
type Config struct {
	QueueTTL time.Duration // how long a search waits before expiring
	ChatTTL  time.Duration // lifetime of an unsaved temporary conversation
}

// DefaultConfig returns production defaults: 5 minute searches, 24 hour
// temporary conversations.
func DefaultConfig() Config {
	return Config{
		QueueTTL: 5 * time.Minute,
		ChatTTL:  24 * time.Hour,
	}
}

// Match is the synchronous result of a successful pairing.
type Match struct {
	ChatID      string
	Counterpart identity.Profile
}

// Status is the read model for a user's current search state.
type Status struct {
	Searching bool   `json:"searching"`
	Matched   bool   `json:"matched"`
	ChatID    string `json:"chat_id,omitempty"`
}

// MatchQueue pairs searching users. All mutable state lives in Redis behind
// conditional transitions, so any number of instances can serve requests
// concurrently.
type MatchQueue struct {
	store    *Store
	blocks   BlockRegistry
	links    LinkIndex
	convos   ConversationCreator
	profiles ProfileSource
	events   *fanout.Channel
	config   Config
}

// New creates a MatchQueue over the given collaborators. profiles may be nil;
// pairing results then carry bare user IDs.
func New(store *Store, blocks BlockRegistry, links LinkIndex, convos ConversationCreator, profiles ProfileSource, events *fanout.Channel, config Config) *MatchQueue {
	return &MatchQueue{
		store:    store,
		blocks:   blocks,
		links:    links,
		convos:   convos,
		profiles: profiles,
		events:   events,
		config:   config,
	}
}

// RequestSearch starts a search for userID. The caller must already have
// passed the ban-eligibility check. If a compatible candidate is waiting,
// the pairing happens synchronously: the candidate's entry is claimed
// atomically, a temporary conversation is created, and the counterpart is
// notified on their user channel. Otherwise the user's entry is enqueued and
// a nil Match is returned; the eventual pairing arrives via the fan-out
// channel or a status poll.
func (m *MatchQueue) RequestSearch(ctx context.Context, userID string) (*Match, error) {
	blocked, err := m.blocks.BlockedSet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	now := time.Now()
	expiresAt := now.Add(m.config.QueueTTL)

	var created bool
	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		var cerr error
		created, cerr = m.store.CreateEntry(ctx, userID, blocked, now, expiresAt)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !created {
		return nil, ErrAlreadySearching
	}

	match, err := m.scanAndClaim(ctx, userID, blocked, now)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return match, nil
	}

	// No candidate: publish the entry so later searchers can claim it.
	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		return m.store.Enqueue(ctx, userID, now, expiresAt)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// A mutually-eligible searcher may have scanned while this entry was
	// still unpublished, in which case neither side saw the other. Rescan
	// now that the entry is visible; the pair claim stays atomic, so two
	// concurrent rescans still produce exactly one pairing.
	match, err = m.scanAndClaim(ctx, userID, blocked, now)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return match, nil
	}

	if size, serr := m.store.Size(ctx); serr == nil {
		metrics.SearchQueueSize.Set(float64(size))
	}

	return nil, nil
}

// scanAndClaim walks the waiting set in FIFO order and tries to claim the
// first eligible candidate. FIFO is guaranteed only among entries visible at
// scan time; a race with a newer searcher is detected by the claim, not
// retroactively reordered.
func (m *MatchQueue) scanAndClaim(ctx context.Context, userID string, blocked map[string]bool, startedAt time.Time) (*Match, error) {
	candidates, err := m.store.Waiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	now := time.Now()
	matchedUntil := now.Add(m.config.ChatTTL)

	for _, candidateID := range candidates {
		if candidateID == userID || blocked[candidateID] {
			continue
		}

		entry, err := m.store.GetEntry(ctx, candidateID)
		if err != nil || entry == nil || entry.Status != StatusSearching {
			continue
		}
		// The block relation is symmetric: honour the candidate's snapshot
		// too, taken when they started searching.
		if entry.Blocked[userID] {
			continue
		}

		// Pairs that already share a permanent conversation are excluded.
		linked, err := m.links.Exists(ctx, userID, candidateID)
		if err != nil {
			log.Printf("[queue] link lookup %s/%s: %v", userID, candidateID, err)
			continue
		}
		if linked {
			continue
		}

		chatID := uuid.New().String()

		var res int
		err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
			var cerr error
			res, cerr = m.store.ClaimPair(ctx, userID, candidateID, chatID, now, matchedUntil)
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}

		switch res {
		case pairClaimed:
			return m.completePairing(ctx, userID, entry, chatID, now)
		case pairSelfGone:
			// Our own entry stopped being claimable mid-scan. A concurrent
			// pairing that took it delivers the match on the user channel;
			// a concurrent cancellation wins outright.
			own, gerr := m.store.GetEntry(ctx, userID)
			if gerr == nil && own != nil && own.Status == StatusMatched {
				return nil, nil
			}
			return nil, ErrNoActiveSearch
		default:
			continue // candidate claimed by someone else or overdue, try the next
		}
	}

	return nil, nil
}

// ClaimPair outcomes.
const (
	pairClaimed  = 1
	pairSelfGone = -1
)

// completePairing runs the side effects of a successful pair claim: create
// the conversation and notify the counterpart.
func (m *MatchQueue) completePairing(ctx context.Context, userID string, candidate *Entry, chatID string, now time.Time) (*Match, error) {
	err := retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		return m.convos.CreateTemporary(ctx, chatID, userID, candidate.UserID)
	})
	if err != nil {
		log.Printf("[queue] create conversation %s failed, unwinding pairing: %v", chatID, err)
		if rerr := m.store.Release(ctx, userID, chatID); rerr != nil {
			log.Printf("[queue] release %s: %v", userID, rerr)
		}
		m.unwindCandidate(ctx, candidate, chatID)
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// Counterpart is notified asynchronously; they are presumed subscribed
	// since they started searching. The caller gets the result directly.
	// Both sides receive the same public summary of the other.
	callerProfile := m.summary(ctx, userID)
	candidateProfile := m.summary(ctx, candidate.UserID)

	m.events.EmitUser(candidate.UserID, fanout.Event{
		Type:        fanout.TypeMatchFound,
		ChatID:      chatID,
		Counterpart: &callerProfile,
	})

	metrics.MatchesTotal.Inc()
	metrics.MatchWaitSeconds.Observe(now.Sub(candidate.StartedAt).Seconds())
	if size, serr := m.store.Size(ctx); serr == nil {
		metrics.SearchQueueSize.Set(float64(size))
	}

	log.Printf("[queue] paired %s with %s chat=%s (waited %s)",
		userID, candidate.UserID, chatID, now.Sub(candidate.StartedAt).Round(time.Millisecond))

	return &Match{
		ChatID:      chatID,
		Counterpart: candidateProfile,
	}, nil
}

// summary resolves a user's public profile, falling back to the bare ID when
// no source is wired or the lookup fails.
func (m *MatchQueue) summary(ctx context.Context, userID string) identity.Profile {
	if m.profiles == nil {
		return identity.Profile{UserID: userID}
	}
	p, err := m.profiles.Summary(ctx, userID)
	if err != nil {
		log.Printf("[queue] profile summary %s: %v", userID, err)
		return identity.Profile{UserID: userID}
	}
	return p
}

func (m *MatchQueue) unwindCandidate(ctx context.Context, candidate *Entry, chatID string) {
	if err := m.store.Restore(ctx, candidate.UserID, chatID, candidate.StartedAt, candidate.ExpiresAt); err != nil {
		log.Printf("[queue] restore %s: %v", candidate.UserID, err)
	}
}

// CancelSearch cancels the user's live search. Returns ErrNoActiveSearch if
// no searching entry exists, including when an in-flight pairing already
// claimed it, per the claim-wins race rule.
func (m *MatchQueue) CancelSearch(ctx context.Context, userID string) error {
	var cancelled bool
	err := retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		var cerr error
		cancelled, cerr = m.store.Cancel(ctx, userID)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !cancelled {
		return ErrNoActiveSearch
	}

	if size, serr := m.store.Size(ctx); serr == nil {
		metrics.SearchQueueSize.Set(float64(size))
	}
	return nil
}

// SearchStatus reads the user's current search state with read-time lazy
// expiry: an entry past its deadline reports as not searching even if the
// reaper has not swept it yet.
func (m *MatchQueue) SearchStatus(ctx context.Context, userID string) (Status, error) {
	entry, err := m.store.GetEntry(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if entry == nil || !entry.Live(time.Now()) {
		return Status{}, nil
	}

	switch entry.Status {
	case StatusSearching:
		return Status{Searching: true}, nil
	case StatusMatched:
		return Status{Matched: true, ChatID: entry.ChatID}, nil
	}
	return Status{}, nil
}

// ReleaseMatched frees both participants' matched entries when their chat
// leaves the temporary phase. Called by the lifecycle engine.
func (m *MatchQueue) ReleaseMatched(ctx context.Context, chatID string, userIDs ...string) {
	for _, id := range userIDs {
		if err := m.store.Release(ctx, id, chatID); err != nil {
			log.Printf("[queue] release matched %s chat=%s: %v", id, chatID, err)
		}
	}
}
