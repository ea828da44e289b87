// Package fanout delivers lifecycle and message events to connected clients,
// addressed by user identity rather than by connection. Events ride NATS
// subjects, so a user's connections may be spread across gateway instances.
// Delivery is best-effort, at most once per connection: the lifecycle
// engine's state is the source of truth and a reconnecting client re-derives
// it, so a dropped event is never an error.
package fanout

import (
	"encoding/json"
	"log"

	"github.com/emberchat/ember/internal/identity"
)

// Event types emitted on the user channel. These names double as the wire
// type discriminator, so gateways forward payloads to clients untouched.
const (
	TypeMatchFound     = "match_found"
	TypeSearchTimeout  = "search_timeout"
	TypeChatSaved      = "chat_saved"
	TypeChatTerminated = "chat_terminated"
	TypeChatDeleted    = "chat_deleted"
)

// Termination reasons carried in chat_terminated events.
const (
	ReasonLeft    = "left"
	ReasonExpired = "expired"
)

// Event is a user-channel lifecycle event. Unused fields are omitted on the
// wire.
type Event struct {
	Type        string            `json:"type"`
	ChatID      string            `json:"chat_id,omitempty"`
	Counterpart *identity.Profile `json:"counterpart,omitempty"`
	SavedBy     string            `json:"saved_by,omitempty"`
	IsPermanent bool              `json:"is_permanent,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Bus is the transport the channel publishes over. Satisfied by
// messaging.NATSClient; tests substitute an in-process implementation.
type Bus interface {
	PublishUserEvent(userID string, data []byte) error
	SubscribeUserEvents(userID string, handler func(data []byte)) error
	UnsubscribeUserEvents(userID string) error
	PublishConvoEvent(chatID string, data []byte) error
	SubscribeConvo(chatID, connID string, handler func(data []byte)) error
	UnsubscribeConvo(connID string) error
}

// Channel publishes events over the bus and lets gateways attach local
// delivery handlers for the users they host.
type Channel struct {
	bus Bus
}

// NewChannel creates a fan-out channel over the given bus.
func NewChannel(bus Bus) *Channel {
	return &Channel{bus: bus}
}

// EmitUser publishes a lifecycle event to every live connection of the given
// user. Failures are logged and swallowed: delivery is best-effort and must
// never escalate into the triggering request.
func (c *Channel) EmitUser(userID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[fanout] marshal %s for %s: %v", event.Type, userID, err)
		return
	}
	if err := c.bus.PublishUserEvent(userID, data); err != nil {
		log.Printf("[fanout] publish %s for %s: %v", event.Type, userID, err)
	}
}

// EmitConvo broadcasts an opaque payload on a conversation channel (message
// and typing traffic). Pass-through: the payload is already wire-shaped.
func (c *Channel) EmitConvo(chatID string, data []byte) {
	if err := c.bus.PublishConvoEvent(chatID, data); err != nil {
		log.Printf("[fanout] publish convo %s: %v", chatID, err)
	}
}

// AttachUser subscribes a local delivery handler for one user's channel. A
// gateway calls this when the user's first connection authenticates.
func (c *Channel) AttachUser(userID string, deliver func(data []byte)) error {
	return c.bus.SubscribeUserEvents(userID, deliver)
}

// DetachUser drops the local subscription for a user's channel. Called when
// the user's last local connection goes away.
func (c *Channel) DetachUser(userID string) {
	if err := c.bus.UnsubscribeUserEvents(userID); err != nil {
		log.Printf("[fanout] detach user %s: %v", userID, err)
	}
}

// AttachConvo subscribes a connection to a conversation channel.
func (c *Channel) AttachConvo(chatID, connID string, deliver func(data []byte)) error {
	return c.bus.SubscribeConvo(chatID, connID, deliver)
}

// DetachConvo drops a connection's conversation subscription.
func (c *Channel) DetachConvo(connID string) {
	if err := c.bus.UnsubscribeConvo(connID); err != nil {
		log.Printf("[fanout] detach convo sub %s: %v", connID, err)
	}
}
