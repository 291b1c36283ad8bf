package voiceloop

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
	defaultVoiceID  = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// CartesiaSpeechConfig configures the streaming synthesis engine.
type CartesiaSpeechConfig struct {
	APIKey     string
	Model      string // default sonic-3
	SampleRate int    // default 24000
	// AudioSink receives raw pcm_s16le frames as they arrive.
	AudioSink io.Writer
	// BaseURL overrides the websocket endpoint, for tests.
	BaseURL string
}

// CartesiaSpeech synthesizes one utterance at a time over Cartesia's TTS
// websocket, writing decoded audio to the configured sink.
type CartesiaSpeech struct {
	cfg CartesiaSpeechConfig

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewCartesiaSpeech creates an engine from the config.
func NewCartesiaSpeech(cfg CartesiaSpeechConfig) *CartesiaSpeech {
	if cfg.Model == "" {
		cfg.Model = "sonic-3"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = cartesiaWSURL
	}
	return &CartesiaSpeech{cfg: cfg}
}

type speechRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	ContextID    string       `json:"context_id,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type speechResponse struct {
	Type  string `json:"type"` // "chunk", "done", "error"
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

var contextCounter atomic.Uint64

func nextContextID() string {
	return fmt.Sprintf("ctx_%d", contextCounter.Add(1))
}

// Speak dials the websocket, submits the transcript under a fresh
// context id, and plays chunks until done. The returned channel closes
// after the terminal event.
func (c *CartesiaSpeech) Speak(ctx context.Context, text, voiceID string) (<-chan SpeechEvent, error) {
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	req := speechRequest{
		ModelID:    c.cfg.Model,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.cfg.SampleRate,
		},
		ContextID: nextContextID(),
	}
	if err := ws.WriteJSON(req); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	events := make(chan SpeechEvent, 4)
	go func() {
		defer close(events)
		defer ws.Close()

		// Close the socket when superseded so the blocked read returns.
		go func() {
			<-ctx.Done()
			ws.Close()
		}()

		events <- SpeechEvent{Kind: SpeechStarted}
		for {
			var msg speechResponse
			if err := ws.ReadJSON(&msg); err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					events <- SpeechEvent{Kind: SpeechEnded}
					return
				}
				events <- SpeechEvent{Kind: SpeechError, Err: err}
				return
			}

			switch msg.Type {
			case "chunk":
				audio, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					events <- SpeechEvent{Kind: SpeechError, Err: fmt.Errorf("decode audio: %w", err)}
					return
				}
				if c.cfg.AudioSink != nil {
					if _, err := c.cfg.AudioSink.Write(audio); err != nil {
						events <- SpeechEvent{Kind: SpeechError, Err: fmt.Errorf("play audio: %w", err)}
						return
					}
				}
			case "done":
				events <- SpeechEvent{Kind: SpeechEnded}
				return
			case "error":
				events <- SpeechEvent{Kind: SpeechError, Err: fmt.Errorf("cartesia: %s", msg.Error)}
				return
			}
		}
	}()
	return events, nil
}

// Cancel stops the in-flight utterance, if any.
func (c *CartesiaSpeech) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
