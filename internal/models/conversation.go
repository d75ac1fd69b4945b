package models

import (
	"fmt"
	"time"
)

// MaxContextTurns is the number of most recent turns handed to the model.
const MaxContextTurns = 40

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a user's conversation log.
type Turn struct {
	ID        int64     `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the turn can be persisted.
func (t Turn) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("turn user id is required")
	}
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", t.Role)
	}
	return nil
}

// SessionSummary is the admin view of one user's conversation.
type SessionSummary struct {
	UserID      string    `json:"user_id"`
	TurnCount   int       `json:"turn_count"`
	LastMessage string    `json:"last_message"`
	LastAt      time.Time `json:"last_at"`
}

// Document is a named reference text that prompt templates can embed.
type Document struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxDocumentChars caps stored and embedded document content.
const MaxDocumentChars = 20000

// SettingAgentPrompt is the settings key of the mutable prompt template.
const SettingAgentPrompt = "agent_prompt"
