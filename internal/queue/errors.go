package queue

import "errors"

// Expected, user-facing outcomes. They are surfaced directly to the caller
// and never retried.
var (
	// ErrAlreadySearching means the user already has a live search or match.
	ErrAlreadySearching = errors.New("queue: already searching")

	// ErrNoActiveSearch means there is no live search entry to act on. It is
	// also the outcome of a cancellation that lost the race against an
	// in-flight pairing.
	ErrNoActiveSearch = errors.New("queue: no active search")

	// ErrIneligible means the user may not enter the queue (banned).
	ErrIneligible = errors.New("queue: not eligible to match")
)
