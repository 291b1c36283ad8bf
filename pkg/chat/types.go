// Package chat defines the shared conversation data model and the
// canonical error taxonomy used across the voxloop packages.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is an opaque payload carried alongside a user message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data,omitempty"`
	URI       string `json:"uri,omitempty"`
}

// Message is one entry in a conversation. Messages are immutable once
// persisted; a pending placeholder is replaced, never mutated, when the
// exchange is finalized.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Truncated marks assistant text that was cut short by a mid-stream
	// transport failure. The partial text is kept, not discarded.
	Truncated bool `json:"truncated,omitempty"`
}

// NewMessage builds a message with a fresh id and the current time.
func NewMessage(role Role, text string, attachments []Attachment) Message {
	return Message{
		ID:          uuid.NewString(),
		Role:        role,
		Text:        text,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
	}
}

// Conversation is an ordered exchange history owned by a single user.
type Conversation struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LastMessage returns the most recent message, or a zero Message when the
// conversation is empty.
func (c *Conversation) LastMessage() Message {
	if len(c.Messages) == 0 {
		return Message{}
	}
	return c.Messages[len(c.Messages)-1]
}
