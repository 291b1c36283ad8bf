// Package generation streams assistant text from a generation backend and
// fans one stream out to independent consumers.
package generation

import (
	"context"

	"github.com/voxloop/voxloop/pkg/chat"
)

// Stream is an incrementally produced text stream. Next returns the next
// chunk of UTF-8 text, io.EOF on clean end-of-stream, or the upstream
// failure. The backend may fail before or during emission.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Service produces assistant text for an ordered conversation history.
type Service interface {
	Generate(ctx context.Context, history []chat.Message, systemPrompt string) (Stream, error)
}
