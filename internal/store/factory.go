package store

import (
	"context"
	"strings"

	"github.com/quill-chat/quill/internal/chat"
)

// NewStore picks the backend: postgres when a database URL is configured,
// a JSON state file when a path is configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, statePath string) (chat.Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(statePath) != "" {
		return NewFileStore(statePath)
	}
	return NewMemoryStore(), nil
}
