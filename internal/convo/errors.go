package convo

import "errors"

// Expected, user-facing outcomes of lifecycle operations. Surfaced directly
// to the acting caller, never retried.
var (
	ErrChatNotFound      = errors.New("convo: chat not found")
	ErrNotAParticipant   = errors.New("convo: not a participant")
	ErrAlreadySaved      = errors.New("convo: already saved")
	ErrInvalidTransition = errors.New("convo: invalid transition")
	ErrAlreadyConnected  = errors.New("convo: pair already has a permanent conversation")
)

// ErrTransient is returned after bounded retries against the backing store
// are exhausted.
var ErrTransient = errors.New("convo: transient storage failure")
