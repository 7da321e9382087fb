// Package ai defines the Completer and Embedder capability boundaries OKAMI
// consumes. Concrete LLM/embedding provider SDKs are out of scope; this
// package only specifies the shape a provider must satisfy and ships a
// couple of HTTP-backed implementations plus an in-process fake for tests.
package ai

import "context"

// GenerationOptions configures a single Completer call.
type GenerationOptions struct {
	Model          string            `json:"model,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TokenUsage tracks a single call's token accounting, aggregated into
// CrewResult.token_usage.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCallRequest is the parsed form of a Completer response that asked for
// a tool invocation rather than returning terminal text.
type ToolCallRequest struct {
	Tool string
	Args map[string]interface{}
}

// Completion is a single Completer response. ToolCall is non-nil when the
// response is a tool call; Text may then still hold the raw tool-call JSON
// (the HTTP completer keeps it), so callers check ToolCall first.
type Completion struct {
	Text     string
	ToolCall *ToolCallRequest
	Usage    TokenUsage
	Model    string
}

// Completer is the opaque LLM capability the crew orchestrator drives.
// Implementations decide internally whether a response is a tool call by
// inspecting the raw text for the reserved JSON shape.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, prompt string, opts *GenerationOptions) (*Completion, error)
}

// Embedder is the opaque embedding capability used by MemoryStore and
// KnowledgeStore for vector search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
