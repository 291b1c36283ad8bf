package dictation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	cartesiaBaseURL = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
)

// CartesiaConfig configures the streaming transcription engine.
type CartesiaConfig struct {
	APIKey     string
	Model      string // default ink-whisper
	Language   string // default en
	Encoding   string // default pcm_s16le
	SampleRate int    // default 16000
	// AudioSource supplies raw audio frames. Read until io.EOF.
	AudioSource io.Reader
	// BaseURL overrides the websocket endpoint, for tests.
	BaseURL string
}

// Cartesia streams microphone audio to Cartesia's STT websocket and
// reports transcript events. Each Start dials a fresh connection; Stop
// flushes pending audio and requests a graceful close.
type Cartesia struct {
	cfg CartesiaConfig

	mu   sync.Mutex
	conn *conn
}

// NewCartesia creates an engine from the config.
func NewCartesia(cfg CartesiaConfig) *Cartesia {
	if cfg.Model == "" {
		cfg.Model = "ink-whisper"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_s16le"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = cartesiaBaseURL
	}
	return &Cartesia{cfg: cfg}
}

// Start dials the websocket and begins pumping audio. The returned
// channel closes after EventEnded (or a fatal EventError).
func (c *Cartesia) Start(ctx context.Context) (<-chan Event, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("encoding", c.cfg.Encoding)
	q.Set("sample_rate", fmt.Sprintf("%d", c.cfg.SampleRate))
	// Low threshold so quiet speech still produces interim transcripts.
	q.Set("min_volume", "0.01")
	q.Set("api_key", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.cfg.APIKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cn := &conn{
		ws:     ws,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()

	go cn.readLoop(ctx)
	if c.cfg.AudioSource != nil {
		go cn.pumpAudio(c.cfg.AudioSource)
	}
	return cn.events, nil
}

// Stop flushes buffered audio and closes the active connection. The
// engine reports EventEnded through the event channel once the server
// acknowledges.
func (c *Cartesia) Stop() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	return cn.close()
}

// conn is one websocket transcription stream.
type conn struct {
	ws      *websocket.Conn
	events  chan Event
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	cancel  context.CancelFunc
}

func (cn *conn) readLoop(ctx context.Context) {
	defer func() {
		close(cn.events)
		close(cn.done)
	}()

	cn.emit(Event{Kind: EventStarted})

	for {
		select {
		case <-ctx.Done():
			cn.emit(Event{Kind: EventEnded})
			return
		default:
		}

		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !cn.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cn.emit(Event{Kind: EventError, Code: "network", Err: err})
			}
			cn.emit(Event{Kind: EventEnded})
			return
		}

		var msg cartesiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			cn.emit(Event{Kind: EventResult, Text: msg.Text, IsFinal: msg.IsFinal})
		case "flush_done":
			// Acknowledgment of the finalize command.
		case "done":
			cn.emit(Event{Kind: EventEnded})
			return
		case "error":
			cn.emit(Event{
				Kind:  EventError,
				Code:  msg.Code,
				Fatal: fatalCode(msg.Code, msg.Error),
				Err:   fmt.Errorf("cartesia: %s", msg.Error),
			})
			cn.emit(Event{Kind: EventEnded})
			return
		}
	}
}

// pumpAudio forwards source frames until EOF, then flushes.
func (cn *conn) pumpAudio(source io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := source.Read(buf)
		if n > 0 {
			if sendErr := cn.send(websocket.BinaryMessage, buf[:n]); sendErr != nil {
				return
			}
		}
		if err == io.EOF {
			cn.send(websocket.TextMessage, []byte("finalize"))
			return
		}
		if err != nil {
			return
		}
	}
}

func (cn *conn) send(messageType int, data []byte) error {
	if cn.closed.Load() {
		return fmt.Errorf("stream closed")
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	return cn.ws.WriteMessage(messageType, data)
}

func (cn *conn) emit(ev Event) {
	select {
	case cn.events <- ev:
	case <-cn.done:
	}
}

func (cn *conn) close() error {
	if cn.closed.Swap(true) {
		return nil
	}
	cn.writeMu.Lock()
	cn.ws.WriteMessage(websocket.TextMessage, []byte("finalize"))
	cn.ws.WriteMessage(websocket.TextMessage, []byte("done"))
	cn.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cn.writeMu.Unlock()

	cn.cancel()
	err := cn.ws.Close()
	<-cn.done
	return err
}

type cartesiaMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// fatalCode reports whether the server-side error is unrecoverable, so
// the session should not keep restarting against it.
func fatalCode(code, message string) bool {
	for _, marker := range []string{"auth", "unauthorized", "forbidden", "invalid_api_key", "payment"} {
		if strings.Contains(strings.ToLower(code), marker) || strings.Contains(strings.ToLower(message), marker) {
			return true
		}
	}
	return false
}
