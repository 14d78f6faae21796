package llm

import (
	"context"
	"errors"
)

// ErrCompletionFailed is returned once every completion attempt failed.
var ErrCompletionFailed = errors.New("completion engine failed")

// ChatMessage is one entry of a chat-style completion input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a chat completion.
type CompletionRequest struct {
	Messages  []ChatMessage
	MaxTokens int
	// Model overrides the client's configured model when set.
	Model    string
	Language string
}

// ChatCompleter is implemented by every provider client.
type ChatCompleter interface {
	Chat(ctx context.Context, req CompletionRequest) (string, error)
	GetModel() string
}
