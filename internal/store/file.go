package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/quill-chat/quill/internal/chat"
)

// stateDocument is the on-disk format: the full conversation mapping and
// the current-conversation pointer in one document, so a save is atomic
// for both. Any format change is a breaking change to stored data.
type stateDocument struct {
	Conversations map[string]chat.Conversation `json:"conversations"`
	CurrentID     string                       `json:"current_conversation_id"`
}

// FileStore persists all state in a single JSON file, replaced atomically
// on every save via a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(_ context.Context) (map[string]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	if doc.Conversations == nil {
		return map[string]chat.Conversation{}, nil
	}
	return doc.Conversations, nil
}

func (s *FileStore) Save(_ context.Context, all map[string]chat.Conversation, currentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(stateDocument{Conversations: all, CurrentID: currentID})
}

func (s *FileStore) CurrentID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil && !errors.Is(err, chat.ErrCorruptState) {
		return "", err
	}
	if err == nil && doc.CurrentID != "" {
		return doc.CurrentID, nil
	}

	doc.CurrentID = uuid.NewString()
	if doc.Conversations == nil {
		doc.Conversations = map[string]chat.Conversation{}
	}
	if err := s.write(doc); err != nil {
		return "", err
	}
	return doc.CurrentID, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (stateDocument, error) {
	var doc stateDocument
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return stateDocument{}, fmt.Errorf("%w: %s: %v", chat.ErrCorruptState, s.path, err)
	}
	return doc, nil
}

func (s *FileStore) write(doc stateDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".quill-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
