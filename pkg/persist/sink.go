// Package persist commits completed exchanges to the conversation store.
// It runs asynchronously relative to the transport side of the generation
// stream: a failing write never retracts bytes already delivered, it is
// logged (and optionally published) as a silent-data-loss risk instead.
package persist

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/generation"
)

// Exchange is one user message plus the assistant message answering it.
type Exchange struct {
	ConversationID  string
	OwnerID         string
	UserText        string
	UserAttachments []chat.Attachment
	AssistantText   string
	// Truncated marks assistant text cut short by a mid-stream failure.
	Truncated       bool
	IsFirstExchange bool
}

// Sink drains the history side of a split generation stream and commits
// the exchange exactly once, ownership-checked. Writes for the same
// conversation are serialized so no two exchanges race.
type Sink struct {
	store  store.Store
	logger *slog.Logger
	events *Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSink creates a sink. events may be nil.
func NewSink(st store.Store, logger *slog.Logger, events *Publisher) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:  st,
		logger: logger,
		events: events,
		locks:  make(map[string]*sync.Mutex),
	}
}

// conversationLock returns the per-conversation write lock.
func (s *Sink) conversationLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// DrainAndCommit reads the history side to completion, tags the text
// truncated when the upstream failed mid-stream, and commits. The partial
// text of a failed stream is persisted, not discarded.
func (s *Sink) DrainAndCommit(ctx context.Context, side *generation.Side, ex Exchange) error {
	text, err := side.Drain()
	ex.AssistantText = text
	if err != nil {
		ex.Truncated = true
		s.logger.Warn("generation stream failed mid-exchange, persisting partial text",
			"conversation_id", ex.ConversationID, "error", err)
	}
	if strings.TrimSpace(ex.AssistantText) == "" && ex.Truncated {
		// Nothing arrived before the failure; there is no exchange to keep.
		return nil
	}
	return s.Commit(ctx, ex)
}

// Commit appends the exchange to the conversation as one atomic unit.
// On the first exchange the user message was already recorded at
// conversation-creation time, so only the assistant message is appended
// and the conversation title is set.
func (s *Sink) Commit(ctx context.Context, ex Exchange) error {
	lock := s.conversationLock(ex.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	userMsg := chat.NewMessage(chat.RoleUser, ex.UserText, ex.UserAttachments)
	assistantMsg := chat.NewMessage(chat.RoleAssistant, ex.AssistantText, nil)
	assistantMsg.Truncated = ex.Truncated

	if err := s.store.AppendExchange(ctx, ex.ConversationID, ex.OwnerID, userMsg, assistantMsg, ex.IsFirstExchange); err != nil {
		s.logger.Error("exchange write failed, generated text is not persisted",
			"conversation_id", ex.ConversationID, "error", err)
		s.events.PublishFailure(ex.ConversationID, err)
		return chat.NewPersistenceError("append exchange: " + err.Error())
	}

	if ex.IsFirstExchange {
		title := Title(ex.UserText)
		if err := s.store.UpdateTitle(ctx, ex.ConversationID, ex.OwnerID, title); err != nil {
			s.logger.Error("title write failed", "conversation_id", ex.ConversationID, "error", err)
		}
	}

	s.events.PublishCommitted(ex)
	return nil
}

const titleWords = 6

// Title derives a conversation title from the first user message: the
// first six whitespace-delimited words, ellipsis-appended when truncated.
func Title(userText string) string {
	words := strings.Fields(userText)
	if len(words) <= titleWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWords], " ") + "…"
}
