package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/pkg/chat"
)

// Memory is an in-memory Store with the same semantics as the Postgres
// implementation. Used in tests and for dev mode without a database.
type Memory struct {
	mu    sync.Mutex
	items map[string]*chat.Conversation
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]*chat.Conversation),
		now:   time.Now,
	}
}

// SetClock overrides the timestamp source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// locked returns the owned conversation or a not-found/authorization error.
// Caller must hold m.mu.
func (m *Memory) locked(id, ownerID string) (*chat.Conversation, error) {
	conv, ok := m.items[id]
	if !ok {
		return nil, errNotFound
	}
	if conv.OwnerID != ownerID {
		return nil, errForbidden
	}
	return conv, nil
}

func (m *Memory) Get(ctx context.Context, id, ownerID string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.locked(id, ownerID)
	if err != nil {
		return nil, err
	}
	out := *conv
	out.Messages = append([]chat.Message(nil), conv.Messages...)
	return &out, nil
}

func (m *Memory) Create(ctx context.Context, ownerID string, first chat.Message, opts CreateOptions) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	conv := &chat.Conversation{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Model:        opts.Model,
		SystemPrompt: opts.SystemPrompt,
		Messages:     []chat.Message{first},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.items[conv.ID] = conv
	out := *conv
	out.Messages = append([]chat.Message(nil), conv.Messages...)
	return &out, nil
}

func (m *Memory) AppendExchange(ctx context.Context, id, ownerID string, userMsg, assistantMsg chat.Message, isFirstExchange bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.locked(id, ownerID)
	if err != nil {
		return err
	}
	if isFirstExchange {
		conv.Messages = append(conv.Messages, assistantMsg)
	} else {
		conv.Messages = append(conv.Messages, userMsg, assistantMsg)
	}
	conv.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) UpdateTitle(ctx context.Context, id, ownerID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.locked(id, ownerID)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.locked(id, ownerID); err != nil {
		return err
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) ListRecent(ctx context.Context, ownerID string, limit int) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Conversation, 0, len(m.items))
	for _, conv := range m.items {
		if conv.OwnerID != ownerID {
			continue
		}
		summary := *conv
		summary.Messages = nil
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
