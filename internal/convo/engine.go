package convo

import (
	"context"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/emberchat/ember/internal/fanout"
	"github.com/emberchat/ember/internal/metrics"
	"github.com/emberchat/ember/internal/retry"
)

const (
	storeAttempts = 3
	storeBackoff  = 50 * time.Millisecond
)

// LinkStore mirrors permanent conversations into durable per-participant
// links. Implemented by the PostgreSQL link store.
type LinkStore interface {
	UpsertPair(ctx context.Context, userA, userB, chatID string) error
	DeletePair(ctx context.Context, userA, userB string) error
	Exists(ctx context.Context, ownerID, counterpartID string) (bool, error)
}

// SearchReleaser frees matched queue entries when their chat leaves the
// temporary phase. Implemented by the match queue.
type SearchReleaser interface {
	ReleaseMatched(ctx context.Context, chatID string, userIDs ...string)
}

// Engine is the lifecycle state machine for conversations. Each transition
// is one conditional store operation followed by fan-out side effects;
// concurrent transitions on the same chat (user actions racing the reaper)
// resolve through the store's conditional updates, never through locks.
type Engine struct {
	store    *Store
	links    LinkStore
	events   *fanout.Channel
	releaser SearchReleaser
	chatTTL  time.Duration
}

// NewEngine creates a lifecycle engine. The search releaser is attached
// afterwards via SetReleaser, since the match queue is constructed on top of
// the engine.
func NewEngine(store *Store, links LinkStore, events *fanout.Channel, chatTTL time.Duration) *Engine {
	return &Engine{
		store:   store,
		links:   links,
		events:  events,
		chatTTL: chatTTL,
	}
}

// SetReleaser attaches the match queue's release hook.
func (e *Engine) SetReleaser(r SearchReleaser) {
	e.releaser = r
}

// Get returns the conversation, or ErrChatNotFound.
func (e *Engine) Get(ctx context.Context, chatID string) (*Conversation, error) {
	c, err := e.store.Get(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if c == nil {
		return nil, ErrChatNotFound
	}
	return c, nil
}

// CreateTemporary creates the temporary conversation for a fresh pairing
// with the configured deadline. Called by the match queue.
func (e *Engine) CreateTemporary(ctx context.Context, chatID, createdBy, other string) error {
	err := e.store.CreateTemporary(ctx, chatID, createdBy, other, time.Now().Add(e.chatTTL))
	if err == nil {
		metrics.ActiveTemporaryChats.Inc()
	}
	return err
}

// CreatePermanent is the known-contact path: the conversation is born
// permanent, saved by both, and linked immediately. The save gate is
// bypassed by construction, never by a temporary chat finding a side door.
// Eligibility for this path is the caller's concern.
func (e *Engine) CreatePermanent(ctx context.Context, creator, other string) (string, error) {
	if creator == other {
		return "", ErrNotAParticipant
	}

	linked, err := e.links.Exists(ctx, creator, other)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if linked {
		return "", ErrAlreadyConnected
	}

	chatID := uuid.New().String()
	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		return e.store.CreatePermanent(ctx, chatID, creator, other)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	e.upsertLinks(ctx, chatID, creator, other)

	for _, id := range []string{creator, other} {
		e.events.EmitUser(id, fanout.Event{
			Type:        fanout.TypeChatSaved,
			ChatID:      chatID,
			SavedBy:     creator,
			IsPermanent: true,
		})
	}

	return chatID, nil
}

// Save records one participant's save. When the post-update saved set covers
// both participants the conversation is promoted to permanent in the same
// atomic step, the durable links are mirrored, and both matched queue
// entries are released. Returns whether this save completed the promotion.
//
// The participant pair is read before the transition. Participants are
// immutable, so the promotion side effects never depend on a read that could
// fail after the save has already committed.
func (e *Engine) Save(ctx context.Context, chatID, userID string) (bool, error) {
	c, err := e.store.Get(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if c == nil {
		return false, ErrChatNotFound
	}

	var code int
	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		var serr error
		code, serr = e.store.Save(ctx, chatID, userID)
		return serr
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch code {
	case codeNotFound:
		return false, ErrChatNotFound
	case codeWrongKind:
		return false, ErrInvalidTransition
	case codeNotParticipant:
		return false, ErrNotAParticipant
	case codeAlreadySaved:
		return false, ErrAlreadySaved
	}

	promoted := code == codeOK
	if promoted {
		e.upsertLinks(ctx, chatID, c.UserA, c.UserB)
		if e.releaser != nil {
			e.releaser.ReleaseMatched(ctx, chatID, c.UserA, c.UserB)
		}
		metrics.PromotionsTotal.Inc()
		metrics.ActiveTemporaryChats.Dec()
		log.Printf("[convo] promoted chat=%s (%s, %s)", chatID, c.UserA, c.UserB)
	}

	for _, id := range []string{c.UserA, c.UserB} {
		e.events.EmitUser(id, fanout.Event{
			Type:        fanout.TypeChatSaved,
			ChatID:      chatID,
			SavedBy:     userID,
			IsPermanent: promoted,
		})
	}

	return promoted, nil
}

// upsertLinks mirrors the promotion into both participants' durable links.
// The upsert is idempotent and the link is a rebuildable index over the
// authoritative conversation record, so exhausted retries are logged rather
// than failing an already-committed promotion.
func (e *Engine) upsertLinks(ctx context.Context, chatID, userA, userB string) {
	err := retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		return e.links.UpsertPair(ctx, userA, userB, chatID)
	})
	if err != nil {
		log.Printf("[convo] link upsert chat=%s: %v", chatID, err)
	}
}

// Terminate is a participant leaving a temporary or pending conversation.
// The departure destroys the conversation regardless of the counterpart's
// save; both parties are notified with messages reflecting who had saved.
func (e *Engine) Terminate(ctx context.Context, chatID, userID string) error {
	c, err := e.store.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if c == nil {
		return ErrChatNotFound
	}

	var code int
	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		var serr error
		code, serr = e.store.Terminate(ctx, chatID, userID)
		return serr
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch code {
	case codeNotFound:
		return ErrChatNotFound
	case codeWrongKind:
		return ErrInvalidTransition
	case codeNotParticipant:
		return ErrNotAParticipant
	}

	other := c.Other(userID)
	actorMsg := "you left the conversation"
	otherMsg := "the other party left the conversation"
	if code == codeOtherSaved {
		actorMsg = "you left despite the other party saving"
		otherMsg = "the other party left before saving"
	}

	e.events.EmitUser(userID, fanout.Event{
		Type:    fanout.TypeChatTerminated,
		ChatID:  chatID,
		Reason:  fanout.ReasonLeft,
		Message: actorMsg,
	})
	e.events.EmitUser(other, fanout.Event{
		Type:    fanout.TypeChatTerminated,
		ChatID:  chatID,
		Reason:  fanout.ReasonLeft,
		Message: otherMsg,
	})

	if e.releaser != nil {
		e.releaser.ReleaseMatched(ctx, chatID, c.UserA, c.UserB)
	}
	metrics.TerminationsTotal.WithLabelValues(fanout.ReasonLeft).Inc()
	metrics.ActiveTemporaryChats.Dec()

	return nil
}

// Expire is the reaper path: force a termination of an overdue temporary
// conversation. Idempotent; reports whether this call removed the record,
// so overlapping sweeps emit each notification exactly once.
func (e *Engine) Expire(ctx context.Context, chatID string, now time.Time) (bool, error) {
	c, err := e.store.Get(ctx, chatID)
	if err != nil {
		return false, err
	}

	code, err := e.store.ForceExpire(ctx, chatID, now)
	if err != nil {
		return false, err
	}
	if code != codeOK {
		return false, nil
	}

	if c != nil {
		for _, id := range []string{c.UserA, c.UserB} {
			e.events.EmitUser(id, fanout.Event{
				Type:    fanout.TypeChatTerminated,
				ChatID:  chatID,
				Reason:  fanout.ReasonExpired,
				Message: "the conversation expired before both parties saved",
			})
		}
		if e.releaser != nil {
			e.releaser.ReleaseMatched(ctx, chatID, c.UserA, c.UserB)
		}
	}
	metrics.TerminationsTotal.WithLabelValues(fanout.ReasonExpired).Inc()
	metrics.ActiveTemporaryChats.Dec()

	return true, nil
}

// ExpiryCandidates lists overdue temporary conversations for the reaper.
func (e *Engine) ExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	return e.store.ExpiryCandidates(ctx, now)
}

// Delete removes a permanent conversation and both of its durable links.
// Deletion never re-enters the temporary phase.
func (e *Engine) Delete(ctx context.Context, chatID, userID string) error {
	c, err := e.store.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if c == nil {
		return ErrChatNotFound
	}

	var code int
	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		var serr error
		code, serr = e.store.DeletePermanent(ctx, chatID, userID)
		return serr
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch code {
	case codeNotFound:
		return ErrChatNotFound
	case codeWrongKind:
		return ErrInvalidTransition
	case codeNotParticipant:
		return ErrNotAParticipant
	}

	err = retry.Do(ctx, storeAttempts, storeBackoff, func() error {
		return e.links.DeletePair(ctx, c.UserA, c.UserB)
	})
	if err != nil {
		log.Printf("[convo] link delete chat=%s: %v", chatID, err)
	}

	for _, id := range []string{c.UserA, c.UserB} {
		e.events.EmitUser(id, fanout.Event{
			Type:   fanout.TypeChatDeleted,
			ChatID: chatID,
		})
	}

	return nil
}

// TouchPreview refreshes the denormalized preview fields after a message.
// Pure read optimization: failures are logged and never block the message
// path.
func (e *Engine) TouchPreview(ctx context.Context, chatID, text string) {
	const maxPreview = 80
	if len(text) > maxPreview {
		// Back up to a rune boundary so the stored preview stays valid UTF-8.
		cut := maxPreview
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if err := e.store.TouchPreview(ctx, chatID, text, time.Now()); err != nil {
		log.Printf("[convo] touch preview chat=%s: %v", chatID, err)
	}
}
