package types

import (
	"time"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Conversation pairs exactly one end-user with one support agent.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AgentID     string    `json:"agent_id"`
	UnreadUser  int       `json:"unread_user"`
	UnreadAgent int       `json:"unread_agent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two parties.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.UserID == userID || c.AgentID == userID)
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.UserID:
		return c.AgentID
	case c.AgentID:
		return c.UserID
	}
	return ""
}

// RoleOf returns the role userID plays in the conversation.
func (c *Conversation) RoleOf(userID string) Role {
	if userID == c.AgentID {
		return RoleAgent
	}
	return RoleUser
}

// Page is one page of conversation history, newest first.
type Page struct {
	Messages   []Message `json:"messages"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
	Total      int       `json:"total"`
}
