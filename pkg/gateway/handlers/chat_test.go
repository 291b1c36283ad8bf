package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/exchange"
	"github.com/voxloop/voxloop/pkg/gateway/apierror"
	"github.com/voxloop/voxloop/pkg/gateway/config"
	"github.com/voxloop/voxloop/pkg/gateway/handlers"
	"github.com/voxloop/voxloop/pkg/gateway/server"
	"github.com/voxloop/voxloop/pkg/generation"
	"github.com/voxloop/voxloop/pkg/persist"
)

type fakeStream struct {
	chunks []string
	err    error
	i      int
}

func (s *fakeStream) Next() (string, error) {
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeService struct {
	chunks   []string
	err      error
	startErr error
}

func (f *fakeService) Generate(ctx context.Context, history []chat.Message, systemPrompt string) (generation.Stream, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeStream{chunks: f.chunks, err: f.err}, nil
}

func newTestServer(t *testing.T, gen generation.Service) (http.Handler, *store.Memory) {
	t.Helper()
	cfg := config.Config{
		APIKeys:      map[string]string{"vk_alice": "alice", "vk_bob": "bob"},
		MaxBodyBytes: 1 << 20,
		ListLimit:    50,
	}
	mem := store.NewMemory()
	ex := &exchange.Exchanger{
		Store:     mem,
		Generator: gen,
		Sink:      persist.NewSink(mem, nil, nil),
		Model:     "gemini-2.0-flash",
	}
	return server.New(cfg, nil, mem, ex, nil).Handler(), mem
}

func postChat(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/chat", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitMessages(t *testing.T, mem *store.Memory, id, owner string, want int) chat.Conversation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conv, err := mem.Get(context.Background(), id, owner)
		if err == nil && len(conv.Messages) == want {
			return *conv
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("conversation %s never reached %d messages", id, want)
	return chat.Conversation{}
}

func TestChatStreamsAndPersists(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{chunks: []string{"Hello", " ", "world"}})

	rec := postChat(h, "vk_alice", `{"message":"hi there friend"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "Hello world" {
		t.Fatalf("body = %q", got)
	}
	convID := rec.Header().Get(handlers.ConversationIDHeader)
	if convID == "" {
		t.Fatal("missing conversation id header")
	}

	conv := waitMessages(t, mem, convID, "alice", 2)
	if conv.Messages[0].Role != chat.RoleUser || conv.Messages[0].Text != "hi there friend" {
		t.Fatalf("user message = %+v", conv.Messages[0])
	}
	if conv.Messages[1].Role != chat.RoleAssistant || conv.Messages[1].Text != "Hello world" {
		t.Fatalf("assistant message = %+v", conv.Messages[1])
	}
	if conv.Title != "hi there friend" {
		t.Fatalf("title = %q", conv.Title)
	}
}

func TestChatContinuesExistingConversation(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{chunks: []string{"second reply"}})

	first := postChat(h, "vk_alice", `{"message":"first"}`)
	convID := first.Header().Get(handlers.ConversationIDHeader)
	waitMessages(t, mem, convID, "alice", 2)

	second := postChat(h, "vk_alice", `{"message":"again","conversation_id":"`+convID+`"}`)
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d", second.Code)
	}
	if got := second.Header().Get(handlers.ConversationIDHeader); got != convID {
		t.Fatalf("conversation id header = %q, want %q", got, convID)
	}
	conv := waitMessages(t, mem, convID, "alice", 4)
	if conv.Messages[3].Text != "second reply" {
		t.Fatalf("fourth message = %+v", conv.Messages[3])
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	h, _ := newTestServer(t, &fakeService{})

	rec := postChat(h, "vk_alice", `{"message":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var env apierror.Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Type != chat.ErrValidation {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	h, _ := newTestServer(t, &fakeService{})

	rec := postChat(h, "", `{"message":"hello"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatUnknownConversationIs404(t *testing.T) {
	h, _ := newTestServer(t, &fakeService{chunks: []string{"x"}})

	rec := postChat(h, "vk_alice", `{"message":"hello","conversation_id":"missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChatForeignConversationIs404(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{chunks: []string{"x"}})

	first := postChat(h, "vk_alice", `{"message":"mine"}`)
	convID := first.Header().Get(handlers.ConversationIDHeader)
	waitMessages(t, mem, convID, "alice", 2)

	rec := postChat(h, "vk_bob", `{"message":"probe","conversation_id":"`+convID+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign conversation", rec.Code)
	}
}

func TestChatMidStreamFailureKeepsPartialText(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{
		chunks: []string{"The answer", " is 42"},
		err:    chat.NewTransportError("connection reset"),
	})

	rec := postChat(h, "vk_alice", `{"message":"meaning of life"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "The answer is 42") {
		t.Fatalf("partial text lost: %q", body)
	}
	if !strings.Contains(body, "generation interrupted") {
		t.Fatalf("missing failure notice: %q", body)
	}

	// The partial text is still persisted, tagged truncated.
	convID := rec.Header().Get(handlers.ConversationIDHeader)
	conv := waitMessages(t, mem, convID, "alice", 2)
	if conv.Messages[1].Text != "The answer is 42" {
		t.Fatalf("persisted assistant text = %q", conv.Messages[1].Text)
	}
	if !conv.Messages[1].Truncated {
		t.Fatal("assistant message not tagged truncated")
	}
}

func TestChatGenerationFailureBeforeBytes(t *testing.T) {
	h, _ := newTestServer(t, &fakeService{startErr: chat.NewTransportError("upstream down")})

	rec := postChat(h, "vk_alice", `{"message":"hello"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var env apierror.Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Type != chat.ErrTransport {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestChatRateLimited(t *testing.T) {
	cfg := config.Config{
		APIKeys:      map[string]string{"vk_alice": "alice", "vk_bob": "bob"},
		MaxBodyBytes: 1 << 20,
		ListLimit:    50,
		RateRPS:      0.001,
		RateBurst:    1,
	}
	mem := store.NewMemory()
	ex := &exchange.Exchanger{
		Store:     mem,
		Generator: &fakeService{chunks: []string{"ok"}},
		Sink:      persist.NewSink(mem, nil, nil),
		Model:     "gemini-2.0-flash",
	}
	h := server.New(cfg, nil, mem, ex, nil).Handler()

	if rec := postChat(h, "vk_alice", `{"message":"first"}`); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := postChat(h, "vk_alice", `{"message":"second"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var env apierror.Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error == nil || env.Error.Type != chat.ErrRateLimit {
		t.Fatalf("error = %+v", env.Error)
	}

	// Buckets are per owner.
	if rec := postChat(h, "vk_bob", `{"message":"hello"}`); rec.Code != http.StatusOK {
		t.Fatalf("other owner status = %d", rec.Code)
	}
}
