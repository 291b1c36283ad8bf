// Package dictation manages one continuous speech-to-text engine
// instance: it merges interim and final results, distinguishes manual
// stops from engine-imposed interruptions, and auto-restarts after
// recoverable ones so no words are lost.
package dictation

import "context"

// EventKind identifies a speech-engine lifecycle event.
type EventKind string

const (
	// EventStarted means the engine began recognizing.
	EventStarted EventKind = "started"
	// EventResult carries a transcript fragment, interim or final.
	EventResult EventKind = "result"
	// EventEnded means the recognition stream ended, whether requested
	// or imposed by the engine (silence timeout, session limit).
	EventEnded EventKind = "ended"
	// EventError carries an engine failure. Fatal errors (permission
	// denied, missing hardware) suppress auto-restart; recoverable ones
	// (transient network drop) delegate to the end-of-stream policy.
	EventError EventKind = "error"
)

// Event is one speech-engine callback.
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
	Code    string
	Fatal   bool
	Err     error
}

// Engine is a speech-to-text engine. One engine instance is exclusively
// owned by a single DictationSession at a time.
//
// Start begins a recognition stream and returns its event channel; the
// engine closes the channel after the stream ends. Stop requests the
// current stream end; the engine still emits EventEnded (or closes the
// channel) afterwards.
type Engine interface {
	Start(ctx context.Context) (<-chan Event, error)
	Stop() error
}
