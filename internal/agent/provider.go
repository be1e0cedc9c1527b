// Package agent defines the chat-completion provider contract shared by the
// run loop and the provider implementations.
package agent

import (
	"context"

	"github.com/perchlabs/agentd/pkg/models"
)

// ChatProvider is the interface for streaming chat-completion backends.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream and goroutine.
type ChatProvider interface {
	// Complete sends a request and returns a channel of streaming chunks.
	// The channel is closed when the stream finishes or errors.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("openai", "anthropic").
	Name() string

	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one chat-completion call.
type CompletionRequest struct {
	Model     string                  `json:"model"`
	System    string                  `json:"system,omitempty"`
	Messages  []Message               `json:"messages"`
	Tools     []models.ToolDefinition `json:"tools,omitempty"`
	MaxTokens int                     `json:"max_tokens,omitempty"`
}

// Message is one entry in the conversation handed to a provider.
type Message struct {
	Role        models.Role         `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Images      []models.Image      `json:"images,omitempty"`
}

// CompletionChunk is a single chunk in a streaming response. Text chunks
// arrive incrementally; a ToolCall chunk carries one complete tool request.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`
}
