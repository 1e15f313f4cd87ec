package chat

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("conversation not found")

	// ErrCorruptState marks persisted data that could not be decoded.
	// Store implementations wrap decode failures with it so callers can
	// choose between failing fast and starting over with empty state.
	ErrCorruptState = errors.New("corrupt persisted state")
)

// Store is the durable substrate the repository writes through to. Save
// persists the full conversation mapping and the current-conversation
// pointer as one operation: either both land or the call reports failure.
type Store interface {
	Load(ctx context.Context) (map[string]Conversation, error)
	Save(ctx context.Context, all map[string]Conversation, currentID string) error
	CurrentID(ctx context.Context) (string, error)
	Close() error
}

// Repository holds all conversations in memory and flushes the full state
// to the store after every mutation. Append is the single mutation
// primitive; everything else funnels through it or through the persist
// that follows a pointer change.
type Repository struct {
	mu            sync.RWMutex
	store         Store
	conversations map[string]*Conversation
	currentID     string
	greeting      string
}

// NewRepository rehydrates state from the store. Corrupt persisted data is
// logged and replaced with empty state rather than aborting startup; any
// other store failure is returned as-is. The current conversation is
// created (with its seeded greeting) when the store has none yet.
func NewRepository(ctx context.Context, store Store, greeting string) (*Repository, error) {
	all, err := store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorruptState) {
			return nil, err
		}
		log.Printf("persisted chat state unreadable, starting empty: %v", err)
		all = nil
	}

	r := &Repository{
		store:         store,
		conversations: make(map[string]*Conversation, len(all)),
		greeting:      greeting,
	}
	for id, c := range all {
		clone := cloneConversation(c)
		r.conversations[id] = &clone
	}

	currentID, err := store.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	r.currentID = currentID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.ensureLocked(ctx, currentID); err != nil {
		return nil, err
	}
	return r, nil
}

// Ensure returns the conversation for id, creating it with one seeded
// assistant greeting when absent. Idempotent.
func (r *Repository) Ensure(ctx context.Context, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(ctx, id)
}

func (r *Repository) ensureLocked(ctx context.Context, id string) (Conversation, error) {
	if c, ok := r.conversations[id]; ok {
		return cloneConversation(*c), nil
	}

	now := time.Now().UTC()
	c := &Conversation{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []Message{{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Text:      r.greeting,
			CreatedAt: now,
		}},
	}
	r.conversations[id] = c
	if err := r.persistLocked(ctx); err != nil {
		return cloneConversation(*c), err
	}
	return cloneConversation(*c), nil
}

// Append pushes msg onto the conversation, advances UpdatedAt and persists.
// On a persistence failure the in-memory append still stands: the updated
// conversation is returned alongside the error so the caller can report it.
func (r *Repository) Append(ctx context.Context, id string, msg Message) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.CreatedAt

	err := r.persistLocked(ctx)
	return cloneConversation(*c), err
}

// StartNew creates a fresh conversation, makes it current and persists.
func (r *Repository) StartNew(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	if _, err := r.ensureLocked(ctx, id); err != nil {
		return "", err
	}
	r.currentID = id
	if err := r.persistLocked(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentID
}

func (r *Repository) SetCurrent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return ErrNotFound
	}
	r.currentID = id
	return r.persistLocked(ctx)
}

func (r *Repository) Get(id string) (Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(*c), nil
}

// List returns conversation summaries, most recently updated first.
func (r *Repository) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, Summary{
			ID:           c.ID,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: len(c.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

func (r *Repository) persistLocked(ctx context.Context) error {
	snapshot := make(map[string]Conversation, len(r.conversations))
	for id, c := range r.conversations {
		snapshot[id] = cloneConversation(*c)
	}
	return r.store.Save(ctx, snapshot, r.currentID)
}
