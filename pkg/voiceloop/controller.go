package voiceloop

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/chat"
)

// Phase is the loop state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseListening Phase = "listening"
	PhaseThinking  Phase = "thinking"
	PhaseSpeaking  Phase = "speaking"
	PhaseError     Phase = "error"
)

// Utterance records who last said what.
type Utterance struct {
	Speaker chat.Role
	Text    string
}

// Reply is the assistant's answer to one submitted transcript.
type Reply struct {
	ConversationID string
	Text           string
}

// Pipeline submits one user turn to the generation and persistence
// pipeline. conversationID is empty on the first turn; the returned
// Reply carries the id to thread through subsequent turns.
type Pipeline interface {
	Send(ctx context.Context, conversationID, text string) (Reply, error)
}

// Dictation is the slice of the dictation session the loop drives.
type Dictation interface {
	Start(ctx context.Context, seed string) error
	Stop()
	Finals() <-chan string
	Errors() <-chan *chat.Error
}

// Config tunes the loop.
type Config struct {
	// ErrorHold is how long the error phase is surfaced before the loop
	// returns to idle. Default 3s.
	ErrorHold time.Duration
	// AutoListen resumes dictation after an utterance finishes playing.
	// When false the loop parks in idle instead.
	AutoListen bool
}

func (c Config) withDefaults() Config {
	if c.ErrorHold <= 0 {
		c.ErrorHold = 3 * time.Second
	}
	return c
}

// Controller drives the voice round trip: listen, transcribe, send,
// receive, speak, listen again. At most one generation request is in
// flight per loop; results arriving for a superseded request are
// discarded by generation counter, never cancelled mid-flight.
type Controller struct {
	pipeline  Pipeline
	dictation Dictation
	speaker   *Speaker
	logger    *slog.Logger
	cfg       Config

	mu             sync.Mutex
	phase          Phase
	last           Utterance
	lastErr        *chat.Error
	conversationID string
	// generation stamps each submitted request; interrupts bump it so a
	// completing-but-stale reply is dropped on arrival.
	generation int
	inflight   bool
	speakingID uint64

	replies   chan pipelineReply
	errorOver chan struct{}
}

type pipelineReply struct {
	generation int
	reply      Reply
	err        error
}

// NewController assembles a loop in the idle phase.
func NewController(pipeline Pipeline, dict Dictation, speaker *Speaker, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		pipeline:  pipeline,
		dictation: dict,
		speaker:   speaker,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		phase:     PhaseIdle,
		replies:   make(chan pipelineReply, 1),
		errorOver: make(chan struct{}, 1),
	}
}

// Phase returns the current loop phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// LastUtterance returns the most recent thing either party said.
func (c *Controller) LastUtterance() Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// LastError returns the error surfaced by the error phase, if any.
func (c *Controller) LastError() *chat.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConversationID returns the id threaded through the session, empty
// before the first exchange completes.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Listen moves Idle→Listening and starts dictation. A no-op in any
// other phase, and while a superseded request is still in flight: a
// transcript finalized then would be dropped by the one-in-flight
// guard, parking the loop in a Listening state nothing feeds.
func (c *Controller) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle || c.inflight {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseListening
	c.mu.Unlock()

	if err := c.dictation.Start(ctx, ""); err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		return err
	}
	return nil
}

// Interrupt aborts whatever the loop is doing and returns it to idle.
// Speaking is cancelled immediately; a Thinking-phase request keeps
// running but its result is discarded on arrival.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseSpeaking:
		c.speaker.Cancel()
		c.speakingID = 0
	case PhaseListening:
		c.dictation.Stop()
	case PhaseThinking:
		c.generation++
	case PhaseIdle, PhaseError:
		return
	}
	c.phase = PhaseIdle
}

// Run pumps loop events until ctx ends. It owns every transition except
// the synchronous ones in Listen and Interrupt.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.dictation.Stop()
			c.speaker.Cancel()
			return ctx.Err()

		case text := <-c.dictation.Finals():
			c.onTranscript(ctx, text)

		case err := <-c.dictation.Errors():
			c.enterError(err)

		case r := <-c.replies:
			c.onReply(ctx, r)

		case ev := <-c.speaker.Events():
			c.onSpeech(ctx, ev)

		case <-c.errorOver:
			c.mu.Lock()
			if c.phase == PhaseError {
				c.phase = PhaseIdle
				c.lastErr = nil
			}
			c.mu.Unlock()
		}
	}
}

// onTranscript handles a finalized transcript. Empty transcripts send
// nothing; transcripts finalized outside Listening (or while a request
// is still in flight) are dropped so assistant replies never overlap.
func (c *Controller) onTranscript(ctx context.Context, text string) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.phase != PhaseListening || c.inflight {
		c.mu.Unlock()
		return
	}
	if text == "" {
		c.phase = PhaseIdle
		c.mu.Unlock()
		return
	}
	c.phase = PhaseThinking
	c.last = Utterance{Speaker: chat.RoleUser, Text: text}
	c.inflight = true
	gen := c.generation
	convID := c.conversationID
	c.mu.Unlock()

	go func() {
		reply, err := c.pipeline.Send(ctx, convID, text)
		c.replies <- pipelineReply{generation: gen, reply: reply, err: err}
	}()
}

func (c *Controller) onReply(ctx context.Context, r pipelineReply) {
	c.mu.Lock()
	c.inflight = false
	if r.generation != c.generation {
		c.mu.Unlock()
		c.logger.Info("discarding reply from superseded request", "generation", r.generation)
		return
	}
	if r.err != nil {
		c.mu.Unlock()
		c.enterError(chatError(r.err))
		return
	}
	c.conversationID = r.reply.ConversationID
	c.last = Utterance{Speaker: chat.RoleAssistant, Text: r.reply.Text}
	c.phase = PhaseSpeaking
	c.mu.Unlock()

	id := c.speaker.Speak(ctx, r.reply.Text)
	c.mu.Lock()
	c.speakingID = id
	c.mu.Unlock()
}

// onSpeech resumes listening when the current utterance finishes.
// Events from superseded utterances carry a stale id and are ignored.
func (c *Controller) onSpeech(ctx context.Context, ev UtteranceEvent) {
	c.mu.Lock()
	if c.phase != PhaseSpeaking || ev.UtteranceID != c.speakingID {
		c.mu.Unlock()
		return
	}
	switch ev.Kind {
	case SpeechStarted:
		c.mu.Unlock()
		return
	case SpeechError:
		c.logger.Warn("speech synthesis failed", "error", ev.Err)
	}
	c.speakingID = 0
	if !c.cfg.AutoListen {
		c.phase = PhaseIdle
		c.mu.Unlock()
		return
	}
	c.phase = PhaseListening
	c.mu.Unlock()

	if err := c.dictation.Start(ctx, ""); err != nil {
		c.logger.Warn("dictation restart failed", "error", err)
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
	}
}

// enterError surfaces the error for a bounded interval, then idles.
func (c *Controller) enterError(err *chat.Error) {
	c.logger.Error("voice loop error", "type", err.Type, "error", err)

	c.mu.Lock()
	c.phase = PhaseError
	c.lastErr = err
	c.mu.Unlock()

	time.AfterFunc(c.cfg.ErrorHold, func() {
		select {
		case c.errorOver <- struct{}{}:
		default:
		}
	})
}

func chatError(err error) *chat.Error {
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce
	}
	return chat.NewAPIError(err.Error())
}
