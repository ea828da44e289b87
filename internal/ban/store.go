// Package ban provides user-level ban management backed by Redis. Ban
// records are stored as simple key-value pairs with TTL-based expiry:
//
//	Key:   ban:<user_id>
//	Value: <reason>
//	TTL:   ban duration
//
// Expired temporary bans are lifted lazily: once the TTL elapses the key is
// gone and the user is eligible again, with no sweeping required.
package ban

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for ban records.
const BanPrefix = "ban:"

// State describes a user's current ban status.
type State struct {
	Banned      bool
	Reason      string
	BannedUntil time.Time // zero if not banned or ban is indefinite
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get returns the ban state for a user. A missing key means not banned.
// Redis errors are returned so callers can decide how to handle them (the
// recommended policy is fail-open).
func (s *Store) Get(ctx context.Context, userID string) (State, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}

	state := State{Banned: true, Reason: reason}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but the TTL read failed. Report banned with an
		// unknown deadline rather than swallowing the ban.
		return state, nil
	}
	if ttl > 0 {
		state.BannedUntil = time.Now().Add(ttl)
	}

	return state, nil
}

// IsEligibleToMatch reports whether a user may enter the matchmaking queue.
// It folds in ban expiry: a user whose ban TTL has elapsed is eligible.
// On Redis errors it fails open so an outage does not block all matching.
func (s *Store) IsEligibleToMatch(ctx context.Context, userID string) bool {
	state, err := s.Get(ctx, userID)
	if err != nil {
		return true
	}
	return !state.Banned
}

// Ban sets a ban on a user with the given duration and reason. The ban
// automatically expires after the specified duration.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Unban removes a ban from a user immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}
