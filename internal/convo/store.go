package convo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key patterns for conversation records.
const (
	keyConvoPrefix = "convo:"       // + <chat_id> -> Hash
	keyExpiry      = "convo:expiry" // Sorted set, score = deadline (ms)
)

// keyGrace pads the temporary record's key TTL past its logical deadline so
// the reaper normally wins and fires notifications; the TTL is only a
// backstop against a dead reaper.
const keyGrace = 1 * time.Hour

// Result codes shared by the conditional transition scripts.
const (
	codeOK             = 1
	codePending        = 0
	codeNotFound       = -1
	codeWrongKind      = -2
	codeNotParticipant = -3
	codeAlreadySaved   = -4
	// codeOtherSaved marks a termination where the counterpart had already
	// saved, which changes the messages both parties receive.
	codeOtherSaved = 2
)

// Store manages conversation records in Redis. Every transition is a Lua
// script conditioned on the record's current state, so a user-initiated
// termination, a save, and a reaper sweep racing on the same chat resolve to
// exactly one winner.
type Store struct {
	rdb             *redis.Client
	saveScript      *redis.Script
	terminateScript *redis.Script
	expireScript    *redis.Script
	deleteScript    *redis.Script
}

// NewStore creates a conversation store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:             rdb,
		saveScript:      redis.NewScript(saveGateLua),
		terminateScript: redis.NewScript(terminateLua),
		expireScript:    redis.NewScript(forceExpireLua),
		deleteScript:    redis.NewScript(deletePermanentLua),
	}
}

// CreateTemporary writes a fresh temporary conversation with the given
// deadline and registers it in the expiry set.
func (s *Store) CreateTemporary(ctx context.Context, chatID, createdBy, other string, expiresAt time.Time) error {
	key := keyConvoPrefix + chatID
	now := time.Now()

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_a":          createdBy,
		"user_b":          other,
		"kind":            KindTemporary,
		"saved_a":         "false",
		"saved_b":         "false",
		"created_by":      createdBy,
		"created_at":      now.UnixMilli(),
		"expires_at":      expiresAt.UnixMilli(),
		"last_message_at": 0,
		"last_preview":    "",
	})
	pipe.Expire(ctx, key, time.Until(expiresAt)+keyGrace)
	pipe.ZAdd(ctx, keyExpiry, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: chatID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("convo: create temporary: %w", err)
	}
	return nil
}

// CreatePermanent writes a conversation that is permanent from birth, for
// the known-contact path that bypasses the save gate.
func (s *Store) CreatePermanent(ctx context.Context, chatID, createdBy, other string) error {
	key := keyConvoPrefix + chatID
	now := time.Now()

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_a":          createdBy,
		"user_b":          other,
		"kind":            KindPermanent,
		"saved_a":         "true",
		"saved_b":         "true",
		"created_by":      createdBy,
		"created_at":      now.UnixMilli(),
		"last_message_at": 0,
		"last_preview":    "",
	})
	pipe.Persist(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("convo: create permanent: %w", err)
	}
	return nil
}

// Get retrieves a conversation. Returns nil if no record exists (terminated
// or never created).
func (s *Store) Get(ctx context.Context, chatID string) (*Conversation, error) {
	result, err := s.rdb.HGetAll(ctx, keyConvoPrefix+chatID).Result()
	if err != nil {
		return nil, fmt.Errorf("convo: get: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	createdMs, _ := strconv.ParseInt(result["created_at"], 10, 64)
	expiresMs, _ := strconv.ParseInt(result["expires_at"], 10, 64)
	lastMsgMs, _ := strconv.ParseInt(result["last_message_at"], 10, 64)

	c := &Conversation{
		ChatID:      chatID,
		UserA:       result["user_a"],
		UserB:       result["user_b"],
		Kind:        result["kind"],
		SavedA:      result["saved_a"] == "true",
		SavedB:      result["saved_b"] == "true",
		CreatedBy:   result["created_by"],
		CreatedAt:   time.UnixMilli(createdMs),
		LastPreview: result["last_preview"],
	}
	if expiresMs > 0 {
		c.ExpiresAt = time.UnixMilli(expiresMs)
	}
	if lastMsgMs > 0 {
		c.LastMessageAt = time.UnixMilli(lastMsgMs)
	}
	return c, nil
}

// Save atomically records one participant's save and, when the post-update
// saved set covers both participants, promotes the record to permanent in
// the same script. Returns one of the code* values.
func (s *Store) Save(ctx context.Context, chatID, userID string) (int, error) {
	res, err := s.saveScript.Run(ctx, s.rdb,
		[]string{keyConvoPrefix + chatID, keyExpiry},
		userID,
		chatID,
	).Int()
	if err != nil {
		return codeNotFound, fmt.Errorf("convo: save: %w", err)
	}
	return res, nil
}

// Terminate removes a temporary or pending conversation on behalf of a
// participant. Returns codeOK or codeOtherSaved on success (the latter when
// the counterpart had already saved), or a negative code.
func (s *Store) Terminate(ctx context.Context, chatID, userID string) (int, error) {
	res, err := s.terminateScript.Run(ctx, s.rdb,
		[]string{keyConvoPrefix + chatID, keyExpiry},
		userID,
		chatID,
	).Int()
	if err != nil {
		return codeNotFound, fmt.Errorf("convo: terminate: %w", err)
	}
	return res, nil
}

// ForceExpire removes a temporary conversation whose deadline has passed.
// Idempotent: a record already promoted, terminated, or not yet due is left
// alone (and pruned from the expiry set where appropriate). Returns codeOK
// only when this call performed the removal.
func (s *Store) ForceExpire(ctx context.Context, chatID string, now time.Time) (int, error) {
	res, err := s.expireScript.Run(ctx, s.rdb,
		[]string{keyConvoPrefix + chatID, keyExpiry},
		chatID,
		now.UnixMilli(),
	).Int()
	if err != nil {
		return codeNotFound, fmt.Errorf("convo: force expire: %w", err)
	}
	return res, nil
}

// DeletePermanent removes a permanent conversation on behalf of a
// participant.
func (s *Store) DeletePermanent(ctx context.Context, chatID, userID string) (int, error) {
	res, err := s.deleteScript.Run(ctx, s.rdb,
		[]string{keyConvoPrefix + chatID},
		userID,
	).Int()
	if err != nil {
		return codeNotFound, fmt.Errorf("convo: delete: %w", err)
	}
	return res, nil
}

// ExpiryCandidates returns chats in the expiry set whose deadline is at or
// before now, for the reaper sweep.
func (s *Store) ExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, keyExpiry, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
}

// TouchPreview updates the denormalized preview fields after message
// activity. Best-effort read optimization: a failure here never blocks the
// message path, and a terminated chat is simply skipped.
func (s *Store) TouchPreview(ctx context.Context, chatID, preview string, at time.Time) error {
	key := keyConvoPrefix + chatID
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return err
	}
	return s.rdb.HSet(ctx, key, "last_message_at", at.UnixMilli(), "last_preview", preview).Err()
}

// saveGateLua is the save gate: it records one participant's save and
// computes promotion from the post-update saved set, never from a stale
// read. Promotion is unreachable by any other path.
const saveGateLua = `
local key = KEYS[1]
local user = ARGV[1]

if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'kind') ~= 'temporary' then return -2 end

local a = redis.call('HGET', key, 'user_a')
local b = redis.call('HGET', key, 'user_b')

local field
if user == a then
    field = 'saved_a'
elseif user == b then
    field = 'saved_b'
else
    return -3
end

if redis.call('HGET', key, field) == 'true' then return -4 end
redis.call('HSET', key, field, 'true')

if redis.call('HGET', key, 'saved_a') == 'true' and redis.call('HGET', key, 'saved_b') == 'true' then
    redis.call('HSET', key, 'kind', 'permanent')
    redis.call('HDEL', key, 'expires_at')
    redis.call('ZREM', KEYS[2], ARGV[2])
    redis.call('PERSIST', key)
    return 1
end

return 0
`

// terminateLua removes a live temporary conversation for a participant. The
// return distinguishes whether the counterpart had already saved, so the
// caller can word both notifications.
const terminateLua = `
local key = KEYS[1]
local user = ARGV[1]

if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'kind') ~= 'temporary' then return -2 end

local a = redis.call('HGET', key, 'user_a')
local b = redis.call('HGET', key, 'user_b')

local otherSaved
if user == a then
    otherSaved = redis.call('HGET', key, 'saved_b')
elseif user == b then
    otherSaved = redis.call('HGET', key, 'saved_a')
else
    return -3
end

redis.call('DEL', key)
redis.call('ZREM', KEYS[2], ARGV[2])

if otherSaved == 'true' then return 2 end
return 1
`

// forceExpireLua removes an overdue temporary conversation. Records that
// promoted or disappeared since being scheduled are pruned from the expiry
// set without effect.
const forceExpireLua = `
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
    redis.call('ZREM', KEYS[2], ARGV[1])
    return -1
end

if redis.call('HGET', key, 'kind') ~= 'temporary' then
    redis.call('ZREM', KEYS[2], ARGV[1])
    return -2
end

local exp = tonumber(redis.call('HGET', key, 'expires_at') or '0')
if exp == 0 or exp > tonumber(ARGV[2]) then return 0 end

redis.call('DEL', key)
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// deletePermanentLua removes a permanent conversation for a participant.
const deletePermanentLua = `
local key = KEYS[1]
local user = ARGV[1]

if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'kind') ~= 'permanent' then return -2 end

local a = redis.call('HGET', key, 'user_a')
local b = redis.call('HGET', key, 'user_b')
if user ~= a and user ~= b then return -3 end

redis.call('DEL', key)
return 1
`
