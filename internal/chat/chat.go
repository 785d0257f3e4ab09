// Package chat receives finalized conversation messages.
//
// The voice controller appends one [Message] per completed assistant turn.
// Where the messages go is up to the [Sink]: a terminal ([Writer]), a
// PostgreSQL table ([Postgres]), memory ([Memory]), or several at once
// ([Multi]).
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrInvalidMessage is returned by [Message.Validate].
var ErrInvalidMessage = errors.New("chat: invalid message")

// Message is one chat entry.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
	Metadata       map[string]any
}

// NewMessage returns a message with a fresh ID and the current time.
func NewMessage(conversationID string, role Role, content string, metadata map[string]any) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}
}

// Validate reports whether m can be stored.
func (m Message) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		errs = append(errs, errors.New(`role must be "user" or "assistant"`))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidMessage}, errs...)...)
}

// Sink receives messages. Implementations must be safe for concurrent use.
type Sink interface {
	AppendMessage(ctx context.Context, m Message) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, m Message) error

// AppendMessage calls f.
func (f SinkFunc) AppendMessage(ctx context.Context, m Message) error { return f(ctx, m) }
