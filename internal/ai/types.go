package ai

import "context"

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is inline image content attached to a user message.
type Image struct {
	Mimetype string
	Data     []byte
}

// Message is one turn of a completion request.
type Message struct {
	Role    Role
	Content string
	Images  []Image
}

// Options tunes a single completion call. Zero values use client defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Phase       string // metrics label: reply, followup, vision
}

// Completer produces a reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, msgs []Message, opts Options) (string, error)
}
