package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// UserSummary is the profile summary of a participant.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Conversation is a direct conversation between two participants.
type Conversation struct {
	ID        string       `json:"id"`
	UserAID   string       `json:"user_a_id"`
	UserBID   string       `json:"user_b_id"`
	UserA     *UserSummary `json:"user_a,omitempty"`
	UserB     *UserSummary `json:"user_b,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.UserAID == userID || c.UserBID == userID)
}

// Peer returns the id and summary (if known) of the participant that is
// not userID.
func (c *Conversation) Peer(userID string) (string, *UserSummary) {
	if c.UserAID == userID {
		return c.UserBID, c.UserB
	}
	return c.UserAID, c.UserA
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var w struct {
		ID        string       `json:"id"`
		UserAID   string       `json:"user_a_id"`
		UserBID   string       `json:"user_b_id"`
		UserA     *UserSummary `json:"user_a,omitempty"`
		UserB     *UserSummary `json:"user_b,omitempty"`
		CreatedAt string       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	created, err := ParseTime(w.CreatedAt)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}

	*c = Conversation{
		ID:        w.ID,
		UserAID:   w.UserAID,
		UserBID:   w.UserBID,
		UserA:     w.UserA,
		UserB:     w.UserB,
		CreatedAt: created,
	}
	return nil
}
