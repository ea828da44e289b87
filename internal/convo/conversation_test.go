package convo

import "testing"

func TestConversationState(t *testing.T) {
	tests := []struct {
		name string
		c    Conversation
		want string
	}{
		{"fresh temporary", Conversation{Kind: KindTemporary}, StateTemporary},
		{"one save", Conversation{Kind: KindTemporary, SavedA: true}, StatePendingPromotion},
		{"other save", Conversation{Kind: KindTemporary, SavedB: true}, StatePendingPromotion},
		{"permanent", Conversation{Kind: KindPermanent, SavedA: true, SavedB: true}, StatePermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.State(); got != tt.want {
				t.Errorf("State() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConversationParticipants(t *testing.T) {
	c := Conversation{UserA: "alice", UserB: "bob"}

	if !c.IsParticipant("alice") || !c.IsParticipant("bob") {
		t.Error("expected both participants recognised")
	}
	if c.IsParticipant("mallory") {
		t.Error("expected outsider rejected")
	}

	if c.Other("alice") != "bob" {
		t.Errorf("Other(alice) = %q", c.Other("alice"))
	}
	if c.Other("bob") != "alice" {
		t.Errorf("Other(bob) = %q", c.Other("bob"))
	}
	if c.Other("mallory") != "" {
		t.Errorf("Other(outsider) = %q, want empty", c.Other("mallory"))
	}
}

func TestConversationSavedBy(t *testing.T) {
	c := Conversation{UserA: "alice", UserB: "bob", SavedB: true}

	if c.SavedByUser("alice") {
		t.Error("alice has not saved")
	}
	if !c.SavedByUser("bob") {
		t.Error("bob has saved")
	}

	saved := c.SavedBy()
	if len(saved) != 1 || saved[0] != "bob" {
		t.Errorf("SavedBy() = %v, want [bob]", saved)
	}
}
