// Package llm defines the provider-agnostic interface for LLM interactions.
package llm

import "context"

// Provider is the abstraction over any OpenAI-compatible LLM backend.
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "ollama").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	// JSONResponse asks the backend to constrain output to a single JSON
	// object (response_format json_object). Backends may ignore it, so
	// callers must still salvage JSON from free text.
	JSONResponse bool
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "stop", "length"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
