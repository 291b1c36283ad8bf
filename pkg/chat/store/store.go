// Package store persists conversations and enforces ownership on every
// mutation. Reads and writes for a resource the caller does not own fail
// closed with an authorization error.
package store

import (
	"context"

	"github.com/voxloop/voxloop/pkg/chat"
)

// CreateOptions carries optional attributes for a new conversation.
type CreateOptions struct {
	Model        string
	SystemPrompt string
}

// Store is the conversation persistence interface.
//
// AppendExchange is atomic: either both messages of the exchange are
// committed or neither is. On the first exchange the user message was
// already recorded at creation time, so only the assistant message is
// appended.
type Store interface {
	// Get returns the conversation, or a not-found/authorization error.
	Get(ctx context.Context, id, ownerID string) (*chat.Conversation, error)

	// Create starts a new conversation owned by ownerID with its first
	// user message already recorded.
	Create(ctx context.Context, ownerID string, first chat.Message, opts CreateOptions) (*chat.Conversation, error)

	// AppendExchange appends one completed exchange and bumps the
	// conversation's last-modified timestamp.
	AppendExchange(ctx context.Context, id, ownerID string, userMsg, assistantMsg chat.Message, isFirstExchange bool) error

	// UpdateTitle sets the conversation title.
	UpdateTitle(ctx context.Context, id, ownerID, title string) error

	// Delete removes the conversation and its messages.
	Delete(ctx context.Context, id, ownerID string) error

	// ListRecent returns the owner's conversations ordered by most
	// recently updated, without message bodies.
	ListRecent(ctx context.Context, ownerID string, limit int) ([]chat.Conversation, error)
}

var (
	errNotFound  = chat.NewNotFoundError("conversation not found")
	errForbidden = chat.NewAuthorizationError("conversation is owned by another user")
)
