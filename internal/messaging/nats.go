// Package messaging provides a NATS client wrapper for pub/sub messaging
// across Ember services. It handles connection lifecycle, subject-based
// subscriptions, and convenience methods for the user and conversation
// event channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Ember services.
const (
	// SubjectUserEvents carries lifecycle events addressed to one identity
	// (match found, search timeout, chat saved/terminated). Every gateway
	// holding a connection for that user subscribes here.
	SubjectUserEvents = "user.events" // + .<user_id>

	// SubjectConvoEvents carries message-level broadcast for one
	// conversation (messages, typing indicators).
	SubjectConvoEvents = "convo.events" // + .<chat_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "ember",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishUserEvent publishes a lifecycle event to the user channel of the
// given identity. Delivery is best-effort: the user may hold zero
// subscriptions, in which case the event is dropped.
func (c *NATSClient) PublishUserEvent(userID string, data []byte) error {
	return c.Publish(SubjectUserEvents+"."+userID, data)
}

// SubscribeUserEvents subscribes to the user channel for one identity and
// passes raw event payloads to the handler. A gateway calls this once per
// locally-connected user, not per connection.
func (c *NATSClient) SubscribeUserEvents(userID string, handler func(data []byte)) error {
	subject := SubjectUserEvents + "." + userID
	return c.subscribe(subject, subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeUserEvents drops the user-channel subscription for an identity.
func (c *NATSClient) UnsubscribeUserEvents(userID string) error {
	return c.unsubscribe(SubjectUserEvents + "." + userID)
}

// PublishConvoEvent publishes data to the conversation channel of a chat.
func (c *NATSClient) PublishConvoEvent(chatID string, data []byte) error {
	return c.Publish(SubjectConvoEvents+"."+chatID, data)
}

// SubscribeConvo subscribes a connection to the conversation channel of a
// chat. The subscription is keyed by connID so that multiple local
// connections viewing the same chat do not overwrite each other.
func (c *NATSClient) SubscribeConvo(chatID, connID string, handler func(data []byte)) error {
	subject := SubjectConvoEvents + "." + chatID
	return c.subscribe("convosub:"+connID, subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeConvo drops a connection's conversation subscription.
func (c *NATSClient) UnsubscribeConvo(connID string) error {
	return c.unsubscribe("convosub:" + connID)
}

// subscribe registers a handler for subject and stores the subscription under
// key with replace semantics: re-subscribing the same key to the same subject
// is a no-op, and a different subject tears down the previous subscription so
// a key never delivers more than one copy of a publish.
func (c *NATSClient) subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	if prev, ok := c.subs[key]; ok && prev.Subject == subject {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe replaced %s: %v", key, err)
		}
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
