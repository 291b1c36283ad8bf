package dictation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/chat"
)

// State is the session phase.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// Config controls the session restart policy.
type Config struct {
	// Continuous restarts listening after an engine-imposed end, seeding
	// the new stream with the already-accumulated finalized text.
	Continuous bool
	// RestartAttempts bounds consecutive failed engine starts before the
	// session gives up and surfaces an engine error. Default 3.
	RestartAttempts int
	// RestartDelay is the pause between failed start attempts.
	RestartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RestartAttempts <= 0 {
		c.RestartAttempts = 3
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 250 * time.Millisecond
	}
	return c
}

// Session drives one speech-to-text engine. Final fragments accumulate
// monotonically while listening; interim fragments only replace the live
// tail and are never committed. The finalized transcript is delivered
// exactly once per listening episode on the Finals channel.
type Session struct {
	engine Engine
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	manualStop bool
	closed     bool
	seed       string
	finalized  []string
	interim    string
	// episode orphans the run loop of a superseded Start: events from an
	// older episode must not mutate the new one's accumulator.
	episode int

	finals chan string
	errs   chan *chat.Error
}

// NewSession creates an idle session owning the engine.
func NewSession(engine Engine, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		engine: engine,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateIdle,
		finals: make(chan string, 4),
		errs:   make(chan *chat.Error, 4),
	}
}

// Start moves Idle→Listening. The finalized accumulator is reset, the
// manual-stop flag cleared, and seed is prefixed to every reported
// transcript. Calling Start while already Listening forces an underlying
// stop/restart cycle to clear stuck transitional state.
func (s *Session) Start(ctx context.Context, seed string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.NewEngineError("session is closed", "closed")
	}
	if s.state == StateListening {
		// Orphan the running episode and force the engine down before
		// starting fresh.
		if err := s.engine.Stop(); err != nil {
			s.logger.Warn("engine stop before restart", "error", err)
		}
	}
	s.episode++
	episode := s.episode
	s.state = StateListening
	s.manualStop = false
	s.seed = strings.TrimSpace(seed)
	s.finalized = nil
	s.interim = ""
	s.mu.Unlock()

	go s.run(ctx, episode)
	return nil
}

// Stop requests a manual stop. On engine end the finalized transcript is
// delivered exactly once and the session returns to Idle.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return
	}
	s.manualStop = true
	s.mu.Unlock()
	if err := s.engine.Stop(); err != nil {
		s.logger.Warn("engine stop", "error", err)
	}
}

// Close tears the session down. It always performs a manual stop
// regardless of the current phase so no orphaned engine instance keeps
// firing callbacks into a disposed session.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	listening := s.state == StateListening
	s.manualStop = true
	s.mu.Unlock()
	if listening {
		if err := s.engine.Stop(); err != nil {
			s.logger.Warn("engine stop on close", "error", err)
		}
	}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Finals delivers the finalized transcript of each listening episode.
func (s *Session) Finals() <-chan string { return s.finals }

// Errors delivers fatal engine errors.
func (s *Session) Errors() <-chan *chat.Error { return s.errs }

// Transcript returns the externally visible merged transcript:
// trim(seed + finalized + live interim), single-spaced.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinWords(s.seed, strings.Join(s.finalized, " "), s.interim)
}

func (s *Session) finalTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinWords(s.seed, strings.Join(s.finalized, " "))
}

func (s *Session) current(episode int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episode == episode
}

// outcome is the reducer's verdict for one engine event.
type outcome int

const (
	outContinue outcome = iota
	outAppendFinal
	outReplaceInterim
	outEnd
	outFatal
	outRecoverable
)

// classify is the transition table over engine events. Recoverable errors
// are treated identically to an unintended termination: the decision is
// delegated to the end-of-stream policy.
func classify(ev Event) outcome {
	switch ev.Kind {
	case EventResult:
		if ev.IsFinal {
			return outAppendFinal
		}
		return outReplaceInterim
	case EventEnded:
		return outEnd
	case EventError:
		if ev.Fatal {
			return outFatal
		}
		return outRecoverable
	default:
		return outContinue
	}
}

// run owns one listening episode and its continuous restarts. It exits
// when the episode is superseded, stopped manually, ended while not
// continuous, or failed fatally.
func (s *Session) run(ctx context.Context, episode int) {
	attempts := 0
	for {
		events, err := s.engine.Start(ctx)
		if err != nil {
			attempts++
			if attempts >= s.cfg.RestartAttempts {
				s.failEpisode(episode, chat.NewEngineError("speech engine failed to start: "+err.Error(), "start_failed"))
				return
			}
			s.logger.Warn("speech engine start failed, retrying", "attempt", attempts, "error", err)
			select {
			case <-time.After(s.cfg.RestartDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempts = 0

		// A Stop that landed between streams must take down the stream
		// just opened, otherwise the engine keeps listening until its
		// own timeout.
		s.mu.Lock()
		stopRequested := s.manualStop || s.closed
		s.mu.Unlock()
		if stopRequested && s.current(episode) {
			if err := s.engine.Stop(); err != nil {
				s.logger.Warn("engine stop after restart", "error", err)
			}
		}

		fatal := s.consume(episode, events)
		if !s.current(episode) {
			return
		}
		if fatal {
			return
		}

		s.mu.Lock()
		manual := s.manualStop
		closed := s.closed
		s.interim = ""
		s.mu.Unlock()

		if manual || closed || !s.cfg.Continuous {
			s.deliver(episode)
			s.setIdle(episode)
			return
		}
		// Engine-imposed end in continuous mode: restart immediately. The
		// finalized accumulator carries over so no words are lost.
	}
}

// consume applies engine events to the accumulator until the stream ends.
// Returns true when the episode failed fatally.
func (s *Session) consume(episode int, events <-chan Event) bool {
	for ev := range events {
		if !s.current(episode) {
			// Superseded: drain without mutating the new episode.
			continue
		}
		switch classify(ev) {
		case outAppendFinal:
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				continue
			}
			s.mu.Lock()
			s.finalized = append(s.finalized, text)
			s.interim = ""
			s.mu.Unlock()
		case outReplaceInterim:
			s.mu.Lock()
			s.interim = strings.TrimSpace(ev.Text)
			s.mu.Unlock()
		case outEnd:
			return false
		case outFatal:
			s.failEpisode(episode, chat.NewEngineError(errText(ev), ev.Code))
			return true
		case outRecoverable:
			s.logger.Warn("recoverable speech engine error", "code", ev.Code, "error", ev.Err)
		}
	}
	// Channel closed without an explicit Ended: same as engine end.
	return false
}

// failEpisode surfaces a fatal error, suppresses auto-restart, and moves
// the session to Idle without delivering a final transcript.
func (s *Session) failEpisode(episode int, err *chat.Error) {
	s.mu.Lock()
	if s.episode != episode {
		s.mu.Unlock()
		return
	}
	s.manualStop = true
	s.state = StateIdle
	s.mu.Unlock()

	select {
	case s.errs <- err:
	default:
		s.logger.Error("dropping engine error, no receiver", "error", err)
	}
}

func (s *Session) deliver(episode int) {
	if !s.current(episode) {
		return
	}
	text := s.finalTranscript()
	select {
	case s.finals <- text:
	default:
		s.logger.Warn("dropping finalized transcript, no receiver", "len", len(text))
	}
}

func (s *Session) setIdle(episode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episode == episode {
		s.state = StateIdle
	}
}

func errText(ev Event) string {
	if ev.Err != nil {
		return ev.Err.Error()
	}
	return "speech engine error"
}

// joinWords joins non-empty parts with single spaces.
func joinWords(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
