// Package queue implements the matchmaking queue: one live search entry per
// user, FIFO candidate selection, and atomic pairing via conditional Redis
// transitions so that exactly one searcher wins any given candidate even
// across multiple server instances.
package queue

import (
	"strings"
	"time"
)

// Redis key patterns for matchmaking data structures.
const (
	keyEntryPrefix = "search:entry:"  // + <user_id> -> Hash
	keyWaiting     = "search:waiting" // Sorted set, score = search start (ms)
	keyExpiry      = "search:expiry"  // Sorted set, score = entry deadline (ms)
)

// Entry status values. Searching and Matched are live; Cancelled and Expired
// are terminal and linger only until the owning client observes them.
const (
	StatusSearching = "searching"
	StatusMatched   = "matched"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// entryKeyTTL bounds the lifetime of any entry hash so terminal records and
// orphans are eventually dropped by Redis itself.
const entryKeyTTL = 48 * time.Hour

// Entry represents one user's search record.
type Entry struct {
	UserID    string
	Status    string
	Blocked   map[string]bool // exclusion snapshot taken at search time
	StartedAt time.Time
	ExpiresAt time.Time
	ChatID    string // set once matched
}

// Live reports whether the entry is in a non-terminal state, honouring
// read-time lazy expiry: a searching entry past its deadline counts as
// expired even before the reaper sweeps it.
func (e *Entry) Live(now time.Time) bool {
	switch e.Status {
	case StatusSearching, StatusMatched:
		return e.ExpiresAt.IsZero() || e.ExpiresAt.After(now)
	default:
		return false
	}
}

// encodeBlocked flattens the exclusion set for storage in the entry hash.
func encodeBlocked(set map[string]bool) string {
	if len(set) == 0 {
		return ""
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return strings.Join(ids, ",")
}

// decodeBlocked restores the exclusion set from its stored form.
func decodeBlocked(raw string) map[string]bool {
	set := make(map[string]bool)
	if raw == "" {
		return set
	}
	for _, id := range strings.Split(raw, ",") {
		if id != "" {
			set[id] = true
		}
	}
	return set
}
