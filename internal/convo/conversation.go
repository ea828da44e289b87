// Package convo holds conversation records and the lifecycle state machine
// governing them: a pairing creates a temporary conversation that is
// destroyed at its deadline unless both participants save it, at which point
// it is promoted to permanent and mirrored into durable connection links.
package convo

import "time"

// Conversation kinds. Promotion is one-way: permanent never re-enters
// temporary.
const (
	KindTemporary = "temporary"
	KindPermanent = "permanent"
)

// Lifecycle states derived from a record's fields. Terminated conversations
// have no record at all.
const (
	StateTemporary        = "temporary"
	StatePendingPromotion = "pending_promotion"
	StatePermanent        = "permanent"
)

// Conversation is a chat thread between exactly two participants. The pair
// is unordered and immutable after creation.
type Conversation struct {
	ChatID        string
	UserA         string
	UserB         string
	Kind          string
	SavedA        bool
	SavedB        bool
	CreatedBy     string
	CreatedAt     time.Time
	ExpiresAt     time.Time // zero once permanent
	LastMessageAt time.Time
	LastPreview   string
}

// State derives the lifecycle state from the saved set and kind.
func (c *Conversation) State() string {
	if c.Kind == KindPermanent {
		return StatePermanent
	}
	if c.SavedA || c.SavedB {
		return StatePendingPromotion
	}
	return StateTemporary
}

// IsParticipant reports whether the user is one of the two participants.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.UserA || userID == c.UserB
}

// Other returns the counterpart of the given participant, or "" for a
// non-participant.
func (c *Conversation) Other(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	}
	return ""
}

// SavedByUser reports whether the given participant has saved.
func (c *Conversation) SavedByUser(userID string) bool {
	switch userID {
	case c.UserA:
		return c.SavedA
	case c.UserB:
		return c.SavedB
	}
	return false
}

// SavedBy lists the participants who have saved, for event payloads.
func (c *Conversation) SavedBy() []string {
	var saved []string
	if c.SavedA {
		saved = append(saved, c.UserA)
	}
	if c.SavedB {
		saved = append(saved, c.UserB)
	}
	return saved
}
