// Package enrich runs moderation and response generation for chat messages
// without holding up delivery of the live stream.
package enrich

import (
	"context"
	"errors"

	"github.com/ashureev/liverelay/internal/domain"
)

var (
	// ErrMissingMessageID is returned by Submit for a message without an id.
	ErrMissingMessageID = errors.New("chat message has no id")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Moderator classifies a piece of text.
type Moderator interface {
	Moderate(ctx context.Context, text string) (*domain.ModerationResult, error)
}

// Responder produces a suggested reply for a prompt.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// Providers is the strategy selected once per session from its options.
// A nil member means the feature has no backend and always degrades.
type Providers struct {
	Moderator Moderator
	Responder Responder
}

// Sink receives pipeline output. Implementations must not block for long;
// Update may be called from several goroutines.
type Sink interface {
	Chat(msg domain.ChatMessage)
	Update(update domain.ChatUpdate)
}
