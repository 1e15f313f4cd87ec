package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quill-chat/quill/internal/chat"
)

// MemoryStore is a simple in-process store for local/dev use and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	currentID     string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]chat.Conversation)}
}

func (s *MemoryStore) Load(_ context.Context) (map[string]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]chat.Conversation, len(s.conversations))
	for id, c := range s.conversations {
		out[id] = cloneConversation(c)
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, all map[string]chat.Conversation, currentID string) error {
	next := make(map[string]chat.Conversation, len(all))
	for id, c := range all {
		next[id] = cloneConversation(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = next
	s.currentID = currentID
	return nil
}

func (s *MemoryStore) CurrentID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID == "" {
		s.currentID = uuid.NewString()
	}
	return s.currentID, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneConversation(c chat.Conversation) chat.Conversation {
	out := c
	out.Messages = make([]chat.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i, m := range out.Messages {
		if m.File != nil {
			f := *m.File
			out.Messages[i].File = &f
		}
	}
	return out
}
