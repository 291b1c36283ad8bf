package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/voxloop/voxloop/internal/dotenv"
	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/dictation"
	"github.com/voxloop/voxloop/pkg/voiceloop"
)

// voxchat is a duplex voice client for a running voxloopd: microphone
// audio in, transcribed text to the gateway, the streamed reply spoken
// back. Raw pcm_s16le audio is read from --in and played to --out, so it
// composes with sox/arecord style tooling.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("voxchat failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	if err := dotenv.Load(); err != nil {
		return err
	}

	var (
		serverURL   = flag.String("server", envOr("VOXLOOP_SERVER_URL", "http://localhost:8080"), "voxloopd base URL")
		apiKey      = flag.String("api-key", os.Getenv("VOXLOOP_API_KEY"), "voxloopd API key")
		cartesiaKey = flag.String("cartesia-key", os.Getenv("CARTESIA_API_KEY"), "Cartesia API key for STT/TTS")
		voice       = flag.String("voice", os.Getenv("VOXLOOP_VOICE"), "TTS voice id")
		audioIn     = flag.String("in", "/dev/stdin", "pcm_s16le 16kHz mono audio source")
		audioOut    = flag.String("out", "/dev/stdout", "pcm_s16le 24kHz mono audio sink")
	)
	flag.Parse()

	if *apiKey == "" {
		return fmt.Errorf("--api-key or VOXLOOP_API_KEY is required")
	}
	if *cartesiaKey == "" {
		return fmt.Errorf("--cartesia-key or CARTESIA_API_KEY is required")
	}

	source, err := os.Open(*audioIn)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	defer source.Close()

	sink, err := os.OpenFile(*audioOut, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audio sink: %w", err)
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stt := dictation.NewCartesia(dictation.CartesiaConfig{
		APIKey:      *cartesiaKey,
		AudioSource: source,
	})
	// One listening episode per turn: the engine's silence timeout ends
	// the turn and the finalized transcript reaches the loop while it is
	// still listening. The loop starts the next episode itself after the
	// reply is spoken, so continuous mode stays off.
	session := dictation.NewSession(stt, dictation.Config{}, logger)
	defer session.Close()

	tts := voiceloop.NewCartesiaSpeech(voiceloop.CartesiaSpeechConfig{
		APIKey:    *cartesiaKey,
		AudioSink: sink,
	})
	speaker := voiceloop.NewSpeaker(tts, *voice, logger)

	pipeline := &httpPipeline{
		baseURL: strings.TrimRight(*serverURL, "/"),
		apiKey:  *apiKey,
		client:  &http.Client{},
	}

	loop := voiceloop.NewController(pipeline, session, speaker, voiceloop.Config{AutoListen: true}, logger)
	if err := loop.Listen(ctx); err != nil {
		return err
	}

	logger.Info("listening", "server", pipeline.baseURL)
	return loop.Run(ctx)
}

// httpPipeline submits one turn to voxloopd's streamed chat endpoint and
// collects the full reply.
type httpPipeline struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func (p *httpPipeline) Send(ctx context.Context, conversationID, text string) (voiceloop.Reply, error) {
	body, err := json.Marshal(map[string]string{
		"message":         text,
		"conversation_id": conversationID,
	})
	if err != nil {
		return voiceloop.Reply{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return voiceloop.Reply{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return voiceloop.Reply{}, chat.NewTransportError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return voiceloop.Reply{}, decodeAPIError(resp)
	}

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return voiceloop.Reply{}, chat.NewTransportError("read reply: " + err.Error())
	}
	return voiceloop.Reply{
		ConversationID: resp.Header.Get("X-Conversation-ID"),
		Text:           string(reply),
	}, nil
}

func decodeAPIError(resp *http.Response) error {
	var env struct {
		Error *chat.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error != nil {
		return env.Error
	}
	return chat.NewAPIError(fmt.Sprintf("server returned %d", resp.StatusCode))
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
