package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/gateway/handlers"
)

func doJSON(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListReturnsOnlyOwnConversations(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{chunks: []string{"reply"}})

	alice := postChat(h, "vk_alice", `{"message":"alice talks"}`)
	waitMessages(t, mem, alice.Header().Get(handlers.ConversationIDHeader), "alice", 2)
	bob := postChat(h, "vk_bob", `{"message":"bob talks"}`)
	waitMessages(t, mem, bob.Header().Get(handlers.ConversationIDHeader), "bob", 2)

	rec := doJSON(h, "GET", "/v1/conversations", "vk_alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(out.Conversations))
	}
	if out.Conversations[0].Title != "alice talks" {
		t.Fatalf("title = %q", out.Conversations[0].Title)
	}
}

func TestGetConversation(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{chunks: []string{"reply"}})

	rec := postChat(h, "vk_alice", `{"message":"hello"}`)
	convID := rec.Header().Get(handlers.ConversationIDHeader)
	waitMessages(t, mem, convID, "alice", 2)

	got := doJSON(h, "GET", "/v1/conversations/"+convID, "vk_alice")
	if got.Code != http.StatusOK {
		t.Fatalf("status = %d", got.Code)
	}
	var conv chat.Conversation
	if err := json.NewDecoder(got.Body).Decode(&conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d", len(conv.Messages))
	}

	foreign := doJSON(h, "GET", "/v1/conversations/"+convID, "vk_bob")
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", foreign.Code)
	}
}

func TestDeleteConversation(t *testing.T) {
	h, mem := newTestServer(t, &fakeService{chunks: []string{"reply"}})

	rec := postChat(h, "vk_alice", `{"message":"hello"}`)
	convID := rec.Header().Get(handlers.ConversationIDHeader)
	waitMessages(t, mem, convID, "alice", 2)

	if got := doJSON(h, "DELETE", "/v1/conversations/"+convID, "vk_bob"); got.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d, want 404", got.Code)
	}

	if got := doJSON(h, "DELETE", "/v1/conversations/"+convID, "vk_alice"); got.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", got.Code)
	}
	if got := doJSON(h, "GET", "/v1/conversations/"+convID, "vk_alice"); got.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", got.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	h, _ := newTestServer(t, &fakeService{})

	if rec := doJSON(h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	// Readiness reports issues for the key-less test config but still
	// answers without auth.
	rec := doJSON(h, "GET", "/readyz", "")
	if rec.Code != http.StatusOK && rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d", rec.Code)
	}
}
