package persist

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/voxloop/voxloop/pkg/chat"
	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/generation"
)

type scriptedStream struct {
	chunks []string
	end    error
	i      int
}

func (s *scriptedStream) Next() (string, error) {
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return chunk, nil
	}
	return "", s.end
}

func (s *scriptedStream) Close() error { return nil }

func historySide(chunks []string, end error) *generation.Side {
	a, b := generation.Split(&scriptedStream{chunks: chunks, end: end})
	a.Close()
	return b
}

func seedConversation(t *testing.T, mem *store.Memory, owner, text string) *chat.Conversation {
	t.Helper()
	conv, err := mem.Create(context.Background(), owner, chat.NewMessage(chat.RoleUser, text, nil), store.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return conv
}

func TestDrainAndCommitFirstExchange(t *testing.T) {
	mem := store.NewMemory()
	conv := seedConversation(t, mem, "alice", "what is the answer to everything today")
	sink := NewSink(mem, nil, nil)

	err := sink.DrainAndCommit(context.Background(), historySide([]string{"The answer", " is 42"}, io.EOF), Exchange{
		ConversationID:  conv.ID,
		OwnerID:         "alice",
		UserText:        "what is the answer to everything today",
		IsFirstExchange: true,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := mem.Get(context.Background(), conv.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// First exchange appends only the assistant message; the user
	// message was recorded at creation.
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[1].Role != chat.RoleAssistant || got.Messages[1].Text != "The answer is 42" {
		t.Fatalf("assistant message = %+v", got.Messages[1])
	}
	if got.Title != "what is the answer to everything…" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestDrainAndCommitKeepsPartialTextOnFailure(t *testing.T) {
	mem := store.NewMemory()
	conv := seedConversation(t, mem, "alice", "hello")
	sink := NewSink(mem, nil, nil)

	err := sink.DrainAndCommit(context.Background(), historySide([]string{"partial"}, chat.NewTransportError("reset")), Exchange{
		ConversationID:  conv.ID,
		OwnerID:         "alice",
		UserText:        "hello",
		IsFirstExchange: true,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, _ := mem.Get(context.Background(), conv.ID, "alice")
	if got.Messages[1].Text != "partial" || !got.Messages[1].Truncated {
		t.Fatalf("assistant message = %+v", got.Messages[1])
	}
}

func TestDrainAndCommitSkipsEmptyFailedStream(t *testing.T) {
	mem := store.NewMemory()
	conv := seedConversation(t, mem, "alice", "hello")
	sink := NewSink(mem, nil, nil)

	err := sink.DrainAndCommit(context.Background(), historySide(nil, chat.NewTransportError("reset")), Exchange{
		ConversationID:  conv.ID,
		OwnerID:         "alice",
		UserText:        "hello",
		IsFirstExchange: true,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, _ := mem.Get(context.Background(), conv.ID, "alice")
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %d, want only the creation-time user message", len(got.Messages))
	}
}

func TestCommitRejectsForeignOwner(t *testing.T) {
	mem := store.NewMemory()
	conv := seedConversation(t, mem, "alice", "hello")
	sink := NewSink(mem, nil, nil)

	err := sink.Commit(context.Background(), Exchange{
		ConversationID: conv.ID,
		OwnerID:        "mallory",
		UserText:       "probe",
		AssistantText:  "reply",
	})
	if err == nil {
		t.Fatal("expected persistence error for foreign owner")
	}
	var ce *chat.Error
	if !errors.As(err, &ce) || ce.Type != chat.ErrPersistence {
		t.Fatalf("error = %v", err)
	}

	got, _ := mem.Get(context.Background(), conv.ID, "alice")
	if len(got.Messages) != 1 {
		t.Fatalf("foreign write mutated the conversation: %d messages", len(got.Messages))
	}
}

func TestConcurrentCommitsSerializePerConversation(t *testing.T) {
	mem := store.NewMemory()
	conv := seedConversation(t, mem, "alice", "hello")
	sink := NewSink(mem, nil, nil)

	// First exchange committed up front so the rest are follow-ups.
	if err := sink.Commit(context.Background(), Exchange{
		ConversationID:  conv.ID,
		OwnerID:         "alice",
		UserText:        "hello",
		AssistantText:   "hi",
		IsFirstExchange: true,
	}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sink.Commit(context.Background(), Exchange{
				ConversationID: conv.ID,
				OwnerID:        "alice",
				UserText:       "again",
				AssistantText:  "sure",
			})
		}()
	}
	wg.Wait()

	got, _ := mem.Get(context.Background(), conv.ID, "alice")
	// 1 creation message + 1 assistant + 8 full exchanges.
	if len(got.Messages) != 2+16 {
		t.Fatalf("messages = %d, want 18", len(got.Messages))
	}
	if len(got.Messages)%2 != 0 {
		t.Fatalf("message count %d is odd after completed exchanges", len(got.Messages))
	}
}

func TestTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"short message", "short message"},
		{"one two three four five six", "one two three four five six"},
		{"one two three four five six seven", "one two three four five six…"},
		{"  spaced   out   words  ", "spaced out words"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Title(tc.in); got != tc.want {
			t.Errorf("Title(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
