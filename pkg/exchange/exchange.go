// Package exchange ties the conversation store, the generation backend,
// the stream splitter, and the persistence sink into one pipeline: it
// streams generated text to the caller while the full exchange is
// committed in the background.
package exchange

import (
	"context"
	"log/slog"
	"strings"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/generation"
	"github.com/voxloop/voxloop/pkg/persist"
)

// Request is one user turn submitted to the pipeline.
type Request struct {
	OwnerID        string
	ConversationID string // empty starts a new conversation
	Message        string
	Attachments    []chat.Attachment
}

// Started is a running exchange. Transport delivers the assistant text
// unmodified, unbuffered, as chunks arrive. Persisted resolves when the
// background commit finishes; its failure never affects Transport.
type Started struct {
	ConversationID  string
	IsFirstExchange bool
	Transport       *generation.Side
	Persisted       <-chan error
}

// Exchanger runs the generate-split-persist pipeline.
type Exchanger struct {
	Store     store.Store
	Generator generation.Service
	Sink      *persist.Sink
	Logger    *slog.Logger

	// Defaults for new conversations.
	Model        string
	SystemPrompt string
}

// Start validates the request, resolves or creates the conversation,
// begins generation, and splits the stream. The history side is drained
// and committed in the background; persistence completes independently of
// the caller's context.
func (e *Exchanger) Start(ctx context.Context, req Request) (*Started, error) {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return nil, chat.NewValidationError("message must not be empty")
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	userMsg := chat.NewMessage(chat.RoleUser, req.Message, req.Attachments)

	var (
		conv    *chat.Conversation
		isFirst bool
		err     error
	)
	if req.ConversationID == "" {
		conv, err = e.Store.Create(ctx, req.OwnerID, userMsg, store.CreateOptions{
			Model:        e.Model,
			SystemPrompt: e.SystemPrompt,
		})
		isFirst = true
	} else {
		conv, err = e.Store.Get(ctx, req.ConversationID, req.OwnerID)
	}
	if err != nil {
		return nil, err
	}

	history := conv.Messages
	if !isFirst {
		history = append(append([]chat.Message(nil), conv.Messages...), userMsg)
	}

	systemPrompt := conv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = e.SystemPrompt
	}

	stream, err := e.Generator.Generate(ctx, history, systemPrompt)
	if err != nil {
		return nil, err
	}

	transport, historySide := generation.Split(stream)

	persisted := make(chan error, 1)
	ex := persist.Exchange{
		ConversationID:  conv.ID,
		OwnerID:         req.OwnerID,
		UserText:        req.Message,
		UserAttachments: req.Attachments,
		IsFirstExchange: isFirst,
	}
	// Persistence outlives the caller: a closed transport must not abort
	// the commit of text that was already generated.
	commitCtx := context.WithoutCancel(ctx)
	go func() {
		persisted <- e.Sink.DrainAndCommit(commitCtx, historySide, ex)
		close(persisted)
	}()

	return &Started{
		ConversationID:  conv.ID,
		IsFirstExchange: isFirst,
		Transport:       transport,
		Persisted:       persisted,
	}, nil
}
