package models

import (
	"fmt"
	"strings"
	"time"
)

// ChatMessage is the role and content pair carried in a chat request body.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the JSON body a client posts to the chat endpoint.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// StoredMessage is a message persisted by a message repository for a user.
type StoredMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the request before any provider stream is opened. The returned error wraps
// ErrValidation.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages is required", ErrValidation)
	}
	for i, msg := range r.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrValidation, i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("%w: message %d has empty content", ErrValidation, i)
		}
	}
	return nil
}

// ChatMessages converts transcript messages into their wire form. Assistant messages without content,
// which is what a cancellation before the first chunk leaves behind, are dropped so providers never
// see an empty turn.
func ChatMessages(messages []Message) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleAssistant && msg.Content == "" {
			continue
		}
		msgs = append(msgs, ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return msgs
}
