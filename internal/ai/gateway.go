package ai

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role of a conversation message. Values match the stored history format.
type Role string

const (
	RoleUser      Role = "human"
	RoleAssistant Role = "ai"
)

// Message is one turn of a conversation transcript.
type Message struct {
	Role    Role   `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

// CompletionRequest is a single text-completion call. System and History are optional.
type CompletionRequest struct {
	System  string
	Prompt  string
	History []Message
}

// Gateway is the capability interface to the external completion and embedding service.
type Gateway interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

var (
	// ErrUnavailable is returned while the circuit breaker refuses calls.
	ErrUnavailable = errors.New("ai: gateway unavailable")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("ai: empty response")
)

// WithTimeout scopes a single gateway call. A zero duration leaves ctx untouched.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Transcript renders messages as "User: ..." / "Bot: ..." lines.
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		if m.Role == RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Bot: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
