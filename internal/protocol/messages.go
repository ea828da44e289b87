// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Lifecycle events originating on the fan-out channel carry
// their own type field and are forwarded to clients verbatim.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHello        = "hello"
	TypeStartSearch  = "start_search"
	TypeCancelSearch = "cancel_search"
	TypeSearchStatus = "search_status"
	TypeSaveChat     = "save_chat"
	TypeEndChat      = "end_chat"
	TypeDeleteChat   = "delete_chat"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypePing         = "ping"
)

// Server -> Client message types (in addition to the fan-out event types,
// which pass through unchanged).
const (
	TypeWelcome       = "welcome"
	TypeSearchStarted = "search_started"
	TypeMatchFound    = "match_found"
	TypeBanned        = "banned"
	TypeError         = "error"
	TypePong          = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HelloMsg is sent by the client to resolve its identity. The credential is
// opaque here; the identity gate interprets it.
type HelloMsg struct {
	Type       string `json:"type"`
	Credential string `json:"credential"`
}

// StartSearchMsg is sent by the client to enter the matchmaking queue.
type StartSearchMsg struct {
	Type string `json:"type"`
}

// CancelSearchMsg is sent by the client to leave the matchmaking queue.
type CancelSearchMsg struct {
	Type string `json:"type"`
}

// SearchStatusMsg asks for the client's current search state.
type SearchStatusMsg struct {
	Type string `json:"type"`
}

// SaveChatMsg is the client's vote to keep a temporary conversation.
type SaveChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// EndChatMsg is sent by the client to leave a temporary conversation.
type EndChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// DeleteChatMsg is sent by the client to delete a permanent conversation.
type DeleteChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// ChatMsg is a text message sent by the client within a conversation.
type ChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg confirms identity resolution.
type WelcomeMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SearchStartedMsg confirms the client has entered the matchmaking queue.
type SearchStartedMsg struct {
	Type    string `json:"type"`
	Timeout int    `json:"timeout"` // seconds until the search expires
}

// MatchFoundMsg is the synchronous pairing result returned to the searcher.
// The counterpart receives the equivalent fan-out event.
type MatchFoundMsg struct {
	Type        string      `json:"type"`
	ChatID      string      `json:"chat_id"`
	Counterpart interface{} `json:"counterpart"`
}

// ServerChatMsg is a text message relayed from the counterpart.
type ServerChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// ServerTypingMsg relays the counterpart's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// BannedMsg tells the client it may not enter the matchmaking queue.
type BannedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Remaining int    `json:"remaining,omitempty"` // seconds, 0 if unknown
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartSearch:
		var m StartSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelSearch:
		var m CancelSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSearchStatus:
		var m SearchStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSaveChat:
		var m SaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteChat:
		var m DeleteChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
