package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

// Message roles. A message's role never changes after creation.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a role-tagged utterance passed to model runners.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatMessage is one persisted utterance of a (user, agent) conversation.
type ChatMessage struct {
	ID             int64           `json:"id"`
	AgentID        string          `json:"agent_id"`
	UserID         string          `json:"user_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Context        json.RawMessage `json:"context,omitempty"`
	ContinuationID string          `json:"response_id,omitempty"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// AsMessage strips persistence metadata for model input.
func (m ChatMessage) AsMessage() Message {
	return Message{Role: m.Role, Content: m.Content}
}

// ConversationSummary is a per-agent digest of a user's conversation.
type ConversationSummary struct {
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	LastMessage  string    `json:"last_message"`
	LastRole     Role      `json:"last_role"`
	LastAt       time.Time `json:"last_at"`
	MessageCount int       `json:"message_count"`
}

// PushSubscription is a browser Web Push endpoint registered by a user.
type PushSubscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	Auth      string    `json:"auth"`
	P256dh    string    `json:"p256dh"`
	CreatedAt time.Time `json:"created_at"`
}
