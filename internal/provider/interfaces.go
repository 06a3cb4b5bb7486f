// Package provider declares the external capability interfaces the core
// depends on: model providers, command registries, vector memory, outbound
// notification and payment collection. Implementations live outside the
// core; tests and standalone runs use the mocks.
package provider

import (
	"context"

	"github.com/google/uuid"
)

// Message is one transcript entry handed to a model provider.
type Message struct {
	Role       string   `json:"role"`
	Content    string   `json:"content"`
	Name       string   `json:"name,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	FileURLs   []string `json:"file_urls,omitempty"`
}

// ToolCall is a model-emitted request to run a registered command.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

// Usage carries provider-reported token counts for billing.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Completion is the terminal result of one model invocation.
type Completion struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// StreamDelta is one event of a streaming model invocation. The channel is
// closed after the event carrying FinishReason or Err.
type StreamDelta struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
	Err          error
}

// ModelProvider runs inference for an agent configuration.
type ModelProvider interface {
	Chat(ctx context.Context, model string, messages []Message, tools []CommandManifest) (*Completion, error)
	ChatStream(ctx context.Context, model string, messages []Message, tools []CommandManifest) (<-chan StreamDelta, error)
}

// CommandManifest describes one invokable command for tool-call prompting.
type CommandManifest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON-schema object describing the arguments.
	Parameters string `json:"parameters,omitempty"`
}

// CommandRegistry exposes the extension commands installed for a tenant and
// executes them on behalf of an agent.
type CommandRegistry interface {
	List(ctx context.Context, tenantID uuid.UUID) ([]CommandManifest, error)
	Execute(ctx context.Context, tenantID uuid.UUID, name, argsJSON string) (string, error)
}

// MemoryChunk is one retrieved or ingested fragment of vector memory.
type MemoryChunk struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// MemoryStore is the vector-memory capability consulted during context
// assembly.
type MemoryStore interface {
	Query(ctx context.Context, agentID uuid.UUID, query string, limit int) ([]MemoryChunk, error)
	Write(ctx context.Context, agentID uuid.UUID, chunks []MemoryChunk) error
}

// Notifier delivers magic-link codes and invitations out of band.
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	SendSMS(ctx context.Context, to, body string) error
}

// PaymentBackend fronts the subscription/wallet provider. The Stripe
// implementation lives outside the core.
type PaymentBackend interface {
	// HasActiveSubscription reports whether a paid subscription exists for
	// the email.
	HasActiveSubscription(ctx context.Context, email string) (bool, error)
	// CreateCustomerSession opens a checkout session for the 402 payload.
	CreateCustomerSession(ctx context.Context, tenantID uuid.UUID) (string, error)
}
