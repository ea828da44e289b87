package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusAnonymous = "anonymous" // connected, identity not yet resolved
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusChatting  = "chatting"
)

// Session represents one live connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"` // empty until the caller is resolved
	Status     string `redis:"status"`
	ChatID     string `redis:"chat_id"` // empty if not viewing a chat
	Server     string `redis:"server"`  // which gateway instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// SessionStore manages connection sessions in Redis.
type SessionStore struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewSessionStore creates a new session store connected to Redis.
func NewSessionStore(redisAddr string, serverName string) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return &SessionStore{client: client, serverName: serverName}, nil
}

// Create stores a new anonymous session with 1h TTL.
func (s *SessionStore) Create(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"user_id":     "",
		"status":      StatusAnonymous,
		"chat_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Bind attaches a resolved user identity to the session and moves it to idle.
func (s *SessionStore) Bind(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "status", StatusIdle, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *SessionStore) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// UpdateStatus updates the session status and refreshes the TTL.
func (s *SessionStore) UpdateStatus(ctx context.Context, connID string, status string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetChatID marks the session as viewing the given chat.
func (s *SessionStore) SetChatID(ctx context.Context, connID string, chatID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "chat_id", chatID, "status", StatusChatting, "last_active", time.Now().Unix()).Err()
}

// ClearChatID removes the viewed chat and resets status to idle.
func (s *SessionStore) ClearChatID(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "chat_id", "", "status", StatusIdle, "last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the session's TTL.
func (s *SessionStore) RefreshTTL(ctx context.Context, connID string) error {
	return s.client.Expire(ctx, SessionPrefix+connID, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *SessionStore) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *SessionStore) Client() *redis.Client {
	return s.client
}
