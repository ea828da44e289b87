package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store manages the Redis data structures for the matchmaking queue. Every
// state transition is a single Lua script conditioned on the entry's current
// status, so concurrent searchers, cancellations, and sweeps cannot observe
// or produce a half-applied transition.
type Store struct {
	rdb           *redis.Client
	createScript  *redis.Script
	pairScript    *redis.Script
	cancelScript  *redis.Script
	expireScript  *redis.Script
	releaseScript *redis.Script
	restoreScript *redis.Script
}

// NewStore creates a matchmaking queue store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		createScript:  redis.NewScript(createEntryLua),
		pairScript:    redis.NewScript(claimPairLua),
		cancelScript:  redis.NewScript(cancelEntryLua),
		expireScript:  redis.NewScript(expireEntryLua),
		releaseScript: redis.NewScript(releaseEntryLua),
		restoreScript: redis.NewScript(restoreEntryLua),
	}
}

// CreateEntry conditionally creates a searching entry for the user. It fails
// (returns false) if a live entry already exists; a terminal or lazily
// expired entry is overwritten. The new entry is NOT yet visible in the
// waiting set; the caller publishes it with Enqueue only after its own
// candidate scan finds nobody.
func (s *Store) CreateEntry(ctx context.Context, userID string, blocked map[string]bool, startedAt time.Time, expiresAt time.Time) (bool, error) {
	res, err := s.createScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID},
		startedAt.UnixMilli(),
		expiresAt.UnixMilli(),
		encodeBlocked(blocked),
		int(entryKeyTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: create entry: %w", err)
	}
	return res == 1, nil
}

// Enqueue makes a searching entry visible to other searchers.
func (s *Store) Enqueue(ctx context.Context, userID string, startedAt, expiresAt time.Time) error {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(startedAt.UnixMilli()), Member: userID})
	pipe.ZAdd(ctx, keyExpiry, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: userID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Waiting returns the user IDs currently visible in the waiting set, ordered
// by search start time (oldest first). This is the FIFO fairness order.
func (s *Store) Waiting(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
}

// Size returns the number of users currently visible in the waiting set.
func (s *Store) Size(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyWaiting).Result()
}

// GetEntry retrieves a user's entry. Returns nil if no record exists.
func (s *Store) GetEntry(ctx context.Context, userID string) (*Entry, error) {
	result, err := s.rdb.HGetAll(ctx, keyEntryPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get entry: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	startedMs, _ := strconv.ParseInt(result["started_at"], 10, 64)
	expiresMs, _ := strconv.ParseInt(result["expires_at"], 10, 64)

	entry := &Entry{
		UserID:    userID,
		Status:    result["status"],
		Blocked:   decodeBlocked(result["blocked"]),
		StartedAt: time.UnixMilli(startedMs),
		ChatID:    result["chat_id"],
	}
	if expiresMs > 0 {
		entry.ExpiresAt = time.UnixMilli(expiresMs)
	}
	return entry, nil
}

// ClaimPair atomically flips both the caller's and the candidate's searching
// entries to matched on the same chat and removes them from the waiting sets.
// Claiming both sides in one script means two searchers who pick each other
// concurrently cannot strand one another: exactly one pairing flips the pair.
// Returns:
//
//	1 = both entries claimed
//	0 = candidate not claimable (already matched, cancelled, or gone)
//	-1 = the caller's own entry is no longer searching
//	-2 = candidate past its deadline (left for the reaper)
func (s *Store) ClaimPair(ctx context.Context, selfID, candidateID, chatID string, now, matchedUntil time.Time) (int, error) {
	res, err := s.pairScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + selfID, keyEntryPrefix + candidateID, keyWaiting, keyExpiry},
		selfID,
		candidateID,
		chatID,
		now.UnixMilli(),
		matchedUntil.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: claim pair %s/%s: %w", selfID, candidateID, err)
	}
	return res, nil
}

// Cancel flips a searching entry to cancelled. Returns false if the entry is
// not currently searching, including the race where a pairing already
// claimed it, which the caller must surface as "no active search".
func (s *Store) Cancel(ctx context.Context, userID string) (bool, error) {
	res, err := s.cancelScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID, keyWaiting, keyExpiry},
		userID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: cancel %s: %w", userID, err)
	}
	return res == 1, nil
}

// Expire flips a searching entry past its deadline to expired. Used by the
// reaper sweep; idempotent (a second sweep finds nothing to flip).
func (s *Store) Expire(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := s.expireScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID, keyWaiting, keyExpiry},
		userID,
		now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: expire %s: %w", userID, err)
	}
	return res == 1, nil
}

// ExpiryCandidates returns the users in the waiting set whose deadline is at
// or before now, for the reaper sweep.
func (s *Store) ExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, keyExpiry, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
}

// Release deletes a matched entry bound to the given chat. The lifecycle
// engine calls this when the chat promotes or terminates, freeing the user
// to search again. Releasing an entry bound to a different chat is a no-op.
func (s *Store) Release(ctx context.Context, userID, chatID string) error {
	err := s.releaseScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID},
		chatID,
	).Err()
	if err != nil {
		return fmt.Errorf("queue: release %s: %w", userID, err)
	}
	return nil
}

// Restore undoes a claim, putting the entry back to searching at its
// original waiting-set position. Used to unwind a pairing whose second leg
// lost a race (e.g. the caller cancelled mid-pairing).
func (s *Store) Restore(ctx context.Context, userID, chatID string, startedAt, expiresAt time.Time) error {
	err := s.restoreScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID, keyWaiting, keyExpiry},
		userID,
		chatID,
		startedAt.UnixMilli(),
		expiresAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("queue: restore %s: %w", userID, err)
	}
	return nil
}

// createEntryLua conditionally creates a searching entry. A live existing
// entry (searching or matched, deadline not yet passed) wins; anything else
// is overwritten.
const createEntryLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])

local status = redis.call('HGET', key, 'status')
if status == 'searching' or status == 'matched' then
    local exp = tonumber(redis.call('HGET', key, 'expires_at') or '0')
    if exp == 0 or exp > now then
        return -1
    end
end

redis.call('DEL', key)
redis.call('HSET', key,
    'status', 'searching',
    'blocked', ARGV[3],
    'started_at', ARGV[1],
    'expires_at', ARGV[2],
    'chat_id', '')
redis.call('EXPIRE', key, tonumber(ARGV[4]))
return 1
`

// claimPairLua is the atomic pairing primitive: both entries flip
// searching -> matched in one step, conditioned on both current statuses.
// Two pairings racing over the same users serialize here, so at most one
// can take a given entry and a cross-claim deadlock cannot form.
const claimPairLua = `
local selfKey = KEYS[1]
local candKey = KEYS[2]
local now = tonumber(ARGV[4])

if redis.call('HGET', selfKey, 'status') ~= 'searching' then return -1 end
if redis.call('HGET', candKey, 'status') ~= 'searching' then return 0 end

local exp = tonumber(redis.call('HGET', candKey, 'expires_at') or '0')
if exp > 0 and exp <= now then return -2 end

for i, pair in ipairs({{selfKey, ARGV[1]}, {candKey, ARGV[2]}}) do
    redis.call('HSET', pair[1], 'status', 'matched', 'chat_id', ARGV[3], 'expires_at', ARGV[5])
    redis.call('ZREM', KEYS[3], pair[2])
    redis.call('ZREM', KEYS[4], pair[2])
end
return 1
`

// cancelEntryLua flips searching -> cancelled. A matched entry is left
// untouched: the claim already won and the cancellation loses the race.
const cancelEntryLua = `
local key = KEYS[1]

local status = redis.call('HGET', key, 'status')
if status ~= 'searching' then return 0 end

redis.call('HSET', key, 'status', 'cancelled')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`

// expireEntryLua flips an overdue searching entry to expired.
const expireEntryLua = `
local key = KEYS[1]
local now = tonumber(ARGV[2])

local status = redis.call('HGET', key, 'status')
if status ~= 'searching' then
    redis.call('ZREM', KEYS[2], ARGV[1])
    redis.call('ZREM', KEYS[3], ARGV[1])
    return 0
end

local exp = tonumber(redis.call('HGET', key, 'expires_at') or '0')
if exp == 0 or exp > now then return 0 end

redis.call('HSET', key, 'status', 'expired')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`

// releaseEntryLua deletes a matched entry bound to the given chat.
const releaseEntryLua = `
local key = KEYS[1]

if redis.call('HGET', key, 'status') ~= 'matched' then return 0 end
if redis.call('HGET', key, 'chat_id') ~= ARGV[1] then return 0 end

redis.call('DEL', key)
return 1
`

// restoreEntryLua reverts a matched entry back to searching at its original
// queue position, conditioned on the chat ID so only the claim owner can
// unwind it.
const restoreEntryLua = `
local key = KEYS[1]

if redis.call('HGET', key, 'status') ~= 'matched' then return 0 end
if redis.call('HGET', key, 'chat_id') ~= ARGV[2] then return 0 end

redis.call('HSET', key, 'status', 'searching', 'chat_id', '', 'expires_at', ARGV[4])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[1])
return 1
`
