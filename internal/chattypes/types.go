// Package chattypes holds the shared conversation record types. They are
// defined here, below every other package, so that chat, generate and
// protocol can all reference them without importing each other; package
// chat re-exports them under their original names via type aliases.
package chattypes

import "time"

// Role identifies the author of a message. The values double as the
// serialized sender names used in prompts and persisted state.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "ai"
)

// FileAttachment describes a file attached to a message. The message owns
// the descriptor; the referenced binary content is managed by the UI layer.
type FileAttachment struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	MimeType   string `json:"mime_type"`
	ContentRef string `json:"content_ref,omitempty"`
}

// Message is one turn in a conversation. Messages are append-only: once
// added to a conversation they are never edited or removed.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Text      string          `json:"text"`
	File      *FileAttachment `json:"file,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Conversation is a named, ordered, append-only sequence of messages.
// A conversation always holds at least the seeded greeting.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary is the listing view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}
