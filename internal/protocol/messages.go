package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quill-chat/quill/internal/chattypes"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSubmitMessage     MessageType = "submit_message"
	TypeStartConversation MessageType = "start_conversation"
	TypeSetCurrent        MessageType = "set_current"

	TypeConversationUpdated MessageType = "conversation_updated"
	TypeConversationStarted MessageType = "conversation_started"
	TypeAssistantPending    MessageType = "assistant_pending"
	TypeErrorEvent          MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SubmitMessage carries one user turn: text typed or voice-dictated by the
// user, plus an optional attachment descriptor from the file picker.
type SubmitMessage struct {
	Type MessageType          `json:"type"`
	Text string               `json:"text"`
	File *chattypes.FileAttachment `json:"file,omitempty"`
}

type StartConversation struct {
	Type MessageType `json:"type"`
}

type SetCurrent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

// ConversationUpdated is emitted after every state mutation so render
// collaborators can redraw the message list.
type ConversationUpdated struct {
	Type         MessageType       `json:"type"`
	Conversation chattypes.Conversation `json:"conversation"`
}

type ConversationStarted struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
}

// AssistantPending signals the typing indicator for a conversation.
type AssistantPending struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Pending        bool        `json:"pending"`
	Reason         string      `json:"reason,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Source         string      `json:"source"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubmitMessage:
		var msg SubmitMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" && msg.File == nil {
			return nil, errors.New("invalid submit_message: empty text and no file")
		}
		return msg, nil
	case TypeStartConversation:
		var msg StartConversation
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSetCurrent:
		var msg SetCurrent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.ConversationID) == "" {
			return nil, errors.New("invalid set_current: missing conversation_id")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
