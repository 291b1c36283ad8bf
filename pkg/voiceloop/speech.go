package voiceloop

import (
	"context"
	"log/slog"
	"sync"
)

// SpeechEventKind labels text-to-speech lifecycle events.
type SpeechEventKind string

const (
	SpeechStarted SpeechEventKind = "started"
	SpeechEnded   SpeechEventKind = "ended"
	SpeechError   SpeechEventKind = "error"
)

// SpeechEvent is one lifecycle event from a speech engine.
type SpeechEvent struct {
	Kind SpeechEventKind
	Err  error
}

// SpeechEngine synthesizes and plays a single utterance. Speak returns a
// channel of lifecycle events that closes after the terminal ended or
// error event. Cancel stops the current playback.
type SpeechEngine interface {
	Speak(ctx context.Context, text, voiceID string) (<-chan SpeechEvent, error)
	Cancel()
}

// UtteranceEvent is a SpeechEvent stamped with the utterance it belongs
// to, so consumers can ignore stragglers from superseded utterances
// without sharing mutable pointers.
type UtteranceEvent struct {
	UtteranceID uint64
	Kind        SpeechEventKind
	Err         error
}

// Speaker serializes access to one speech engine: at most one utterance
// plays at any instant, and starting a new one supersedes whatever is
// currently playing.
type Speaker struct {
	engine SpeechEngine
	voice  string
	logger *slog.Logger

	mu      sync.Mutex
	current uint64

	events chan UtteranceEvent
}

// NewSpeaker wraps the engine with the single-utterance policy.
func NewSpeaker(engine SpeechEngine, voice string, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		engine: engine,
		voice:  voice,
		logger: logger,
		events: make(chan UtteranceEvent, 16),
	}
}

// Events delivers lifecycle events for every utterance ever started.
func (s *Speaker) Events() <-chan UtteranceEvent { return s.events }

// Speak cancels any in-progress utterance and starts a new one,
// returning its id. Lifecycle events for the new utterance carry that id.
func (s *Speaker) Speak(ctx context.Context, text string) uint64 {
	s.mu.Lock()
	s.current++
	id := s.current
	s.mu.Unlock()

	s.engine.Cancel()

	go func() {
		stream, err := s.engine.Speak(ctx, text, s.voice)
		if err != nil {
			s.emit(UtteranceEvent{UtteranceID: id, Kind: SpeechError, Err: err})
			return
		}
		for ev := range stream {
			s.emit(UtteranceEvent{UtteranceID: id, Kind: ev.Kind, Err: ev.Err})
			if ev.Kind == SpeechEnded || ev.Kind == SpeechError {
				return
			}
		}
		s.emit(UtteranceEvent{UtteranceID: id, Kind: SpeechEnded})
	}()
	return id
}

// Cancel stops the current utterance. A superseded utterance may still
// deliver a late ended event; its id no longer matches, so interested
// consumers drop it.
func (s *Speaker) Cancel() {
	s.engine.Cancel()
}

func (s *Speaker) emit(ev UtteranceEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping speech event, no receiver", "utterance", ev.UtteranceID, "kind", ev.Kind)
	}
}
