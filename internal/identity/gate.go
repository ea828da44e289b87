// Package identity defines the boundary to the external identity service and
// manages the ephemeral connection sessions that bind live WebSocket
// connections to resolved user identities.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/emberchat/ember/internal/ban"
)

// Identity is the result of resolving an inbound credential.
type Identity struct {
	UserID string
	Ban    ban.State
}

// Profile is the public summary of a user shared with a match counterpart.
// Full profile data is owned by the external profile service.
type Profile struct {
	UserID string `json:"user_id"`
	Alias  string `json:"alias,omitempty"`
}

// Gate resolves inbound credentials to stable user identities. The real
// implementation lives in the identity service; this package only consumes
// the contract.
type Gate interface {
	// ResolveCaller maps a connection credential to a user identity and its
	// current ban state.
	ResolveCaller(ctx context.Context, credential string) (Identity, error)

	// Summary returns the public profile summary for a user.
	Summary(ctx context.Context, userID string) (Profile, error)
}

// StaticGate is a reference Gate that trusts the credential as the user ID
// and folds in the local ban store. Suitable for development and tests; the
// production gate verifies the credential with the identity service.
type StaticGate struct {
	bans *ban.Store
}

// NewStaticGate creates a StaticGate over the given ban store.
func NewStaticGate(bans *ban.Store) *StaticGate {
	return &StaticGate{bans: bans}
}

// ResolveCaller accepts the credential as the user ID after basic shape
// validation and attaches the current ban state.
func (g *StaticGate) ResolveCaller(ctx context.Context, credential string) (Identity, error) {
	userID := strings.TrimSpace(credential)
	if userID == "" {
		return Identity{}, fmt.Errorf("identity: empty credential")
	}

	state, err := g.bans.Get(ctx, userID)
	if err != nil {
		// Fail open on ban-store errors; the matchmaking gate re-checks.
		state = ban.State{}
	}

	return Identity{UserID: userID, Ban: state}, nil
}

// Summary returns a minimal public profile for the user.
func (g *StaticGate) Summary(ctx context.Context, userID string) (Profile, error) {
	return Profile{UserID: userID}, nil
}
