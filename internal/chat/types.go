package chat

import "github.com/quill-chat/quill/internal/chattypes"

// The conversation record types are defined in chattypes so that generate
// and protocol can share them without importing this package. The aliases
// below keep chat.Message, chat.Conversation, etc. as the canonical names;
// they are identical types, not copies.

// Role identifies the author of a message. The values double as the
// serialized sender names used in prompts and persisted state.
type Role = chattypes.Role

const (
	RoleUser      = chattypes.RoleUser
	RoleAssistant = chattypes.RoleAssistant
)

// FileAttachment describes a file attached to a message. The message owns
// the descriptor; the referenced binary content is managed by the UI layer.
type FileAttachment = chattypes.FileAttachment

// Message is one turn in a conversation. Messages are append-only: once
// added to a conversation they are never edited or removed.
type Message = chattypes.Message

// Conversation is a named, ordered, append-only sequence of messages.
// A conversation always holds at least the seeded greeting.
type Conversation = chattypes.Conversation

// Summary is the listing view of a conversation.
type Summary = chattypes.Summary

func cloneConversation(c Conversation) Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	for i, m := range out.Messages {
		if m.File != nil {
			f := *m.File
			out.Messages[i].File = &f
		}
	}
	return out
}
