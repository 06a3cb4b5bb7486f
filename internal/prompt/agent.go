package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/provider"
	"github.com/google/uuid"
)

// MaxToolIterations bounds the tool-call loop of one turn.
const MaxToolIterations = 8

// memoryInjectLimit caps the chunks pulled into context per turn.
const memoryInjectLimit = 5

// Runner executes one conversational turn against a model provider,
// resolving tool calls through the command registry and debiting usage.
type Runner struct {
	store    database.Store
	gate     *billing.Gate
	model    provider.ModelProvider
	registry provider.CommandRegistry
	memory   provider.MemoryStore
	readers  *provider.ReaderRegistry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner builds a prompt runner. registry and memory may be nil when the
// deployment carries no extensions or vector store.
func NewRunner(store database.Store, gate *billing.Gate, model provider.ModelProvider, registry provider.CommandRegistry, memory provider.MemoryStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, gate: gate, model: model, registry: registry, memory: memory, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// SetReaders installs the memory-reader registry used to ingest file URLs
// attached to a turn.
func (r *Runner) SetReaders(readers *provider.ReaderRegistry) { r.readers = readers }

// Request is one turn to execute.
type Request struct {
	Agent  *database.Agent
	UserID uuid.UUID

	// ConversationID links audit messages; uuid.Nil skips transcript writes.
	ConversationID uuid.UUID

	Messages []provider.Message

	// InjectMemories pulls vector-memory context for the last user message.
	InjectMemories bool
}

// lastUserContent finds the newest user message for memory lookup.
func lastUserContent(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// ingestSources pulls file URLs attached to the request through the
// registered memory readers into the agent's memory. Best effort: a source
// without a reader, or a failed ingest, skips that source.
func (r *Runner) ingestSources(ctx context.Context, req *Request) {
	if r.readers == nil || r.memory == nil {
		return
	}
	for _, m := range req.Messages {
		for _, src := range m.FileURLs {
			reader, err := r.readers.Lookup(provider.SourceKind(src))
			if err != nil {
				r.logger.Warn("no memory reader for source", "source", src, "error", err)
				continue
			}
			chunks, err := reader.Ingest(ctx, src)
			if err != nil {
				r.logger.Warn("source ingest failed", "source", src, "error", err)
				continue
			}
			if err := r.memory.Write(ctx, req.Agent.ID, chunks); err != nil {
				r.logger.Warn("memory write failed", "agent_id", req.Agent.ID, "error", err)
			}
		}
	}
}

// assemble ingests attached sources, prepends injected memories and collects
// the tenant's command manifests.
func (r *Runner) assemble(ctx context.Context, req *Request) ([]provider.Message, []provider.CommandManifest, error) {
	r.ingestSources(ctx, req)

	messages := make([]provider.Message, 0, len(req.Messages)+1)

	if req.InjectMemories && r.memory != nil {
		query := lastUserContent(req.Messages)
		if query != "" {
			chunks, err := r.memory.Query(ctx, req.Agent.ID, query, memoryInjectLimit)
			if err != nil {
				r.logger.Warn("memory query failed", "agent_id", req.Agent.ID, "error", err)
			} else if len(chunks) > 0 {
				injected := "Relevant context:\n"
				for _, c := range chunks {
					injected += "- " + c.Text + "\n"
				}
				messages = append(messages, provider.Message{Role: "system", Content: injected})
			}
		}
	}
	messages = append(messages, req.Messages...)

	var tools []provider.CommandManifest
	if r.registry != nil {
		manifests, err := r.registry.List(ctx, req.Agent.TenantID)
		if err != nil {
			return nil, nil, fmt.Errorf("list commands: %w", err)
		}
		tools = manifests
	}
	return messages, tools, nil
}

// runTools executes the model's tool calls and appends their outputs to the
// transcript.
func (r *Runner) runTools(ctx context.Context, req *Request, messages []provider.Message, calls []provider.ToolCall) ([]provider.Message, error) {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		output, err := r.registry.Execute(ctx, req.Agent.TenantID, call.Name, call.Arguments)
		if err != nil {
			// Surface the failure to the model rather than aborting the turn.
			output = fmt.Sprintf("error: %v", err)
		}
		r.recordActivity(ctx, req, fmt.Sprintf("[SUBACTIVITY] Executed %s", call.Name))
		messages = append(messages, provider.Message{
			Role:       "tool",
			Name:       call.Name,
			Content:    output,
			ToolCallID: call.ID,
		})
	}
	return messages, nil
}

// recordActivity appends a progress message to the conversation for UI
// consumption. Best effort.
func (r *Runner) recordActivity(ctx context.Context, req *Request, content string) {
	if req.ConversationID == uuid.Nil {
		return
	}
	err := r.store.AppendMessage(ctx, &database.Message{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		Role:           "activity",
		Content:        content,
		CreatedAt:      r.now(),
	})
	if err != nil {
		r.logger.Warn("activity record failed", "conversation_id", req.ConversationID, "error", err)
	}
}

// ============================================================================
// BLOCKING TURN
// ============================================================================

// Run executes one turn to completion and debits the provider-reported
// usage against the agent's tenant.
func (r *Runner) Run(ctx context.Context, req *Request) (*ChatCompletionResponse, error) {
	messages, tools, err := r.assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	var total provider.Usage
	var completion *provider.Completion
	for iteration := 0; ; iteration++ {
		completion, err = r.model.Chat(ctx, req.Agent.Name, messages, tools)
		if err != nil {
			return nil, err
		}
		total.InputTokens += completion.Usage.InputTokens
		total.OutputTokens += completion.Usage.OutputTokens

		if len(completion.ToolCalls) == 0 || r.registry == nil {
			break
		}
		if iteration+1 >= MaxToolIterations {
			r.logger.Warn("tool-call loop bound reached", "agent_id", req.Agent.ID)
			break
		}
		messages = append(messages, provider.Message{Role: "assistant", Content: completion.Content})
		messages, err = r.runTools(ctx, req, messages, completion.ToolCalls)
		if err != nil {
			return nil, err
		}
	}

	if err := r.gate.Debit(ctx, req.UserID, req.Agent.TenantID, total.InputTokens, total.OutputTokens); err != nil {
		return nil, err
	}

	if req.ConversationID != uuid.Nil {
		r.recordActivity(ctx, req, completion.Content)
	}
	return NewResponse(req.Agent.Name, completion.Content, completion.FinishReason, total, r.now()), nil
}

// ============================================================================
// STREAMING TURN
// ============================================================================

// RunStream executes one turn, emitting token deltas through sink as they
// arrive. Tool-call rounds restart the stream; only prompt deltas surface.
// Cancellation is observed between deltas, flushing partial output to the
// conversation before returning.
func (r *Runner) RunStream(ctx context.Context, req *Request, sink func(ChatCompletionChunk) error) (*ChatCompletionResponse, error) {
	messages, tools, err := r.assemble(ctx, req)
	if err != nil {
		return nil, err
	}

	chunkID := "chatcmpl-" + uuid.NewString()
	var total provider.Usage
	var content string
	finishReason := "stop"

	for iteration := 0; ; iteration++ {
		deltas, err := r.model.ChatStream(ctx, req.Agent.Name, messages, tools)
		if err != nil {
			return nil, err
		}

		var calls []provider.ToolCall
		roundContent := ""
	stream:
		for {
			select {
			case <-ctx.Done():
				// Preserve the partial transcript for audit, then stop.
				r.recordActivity(context.WithoutCancel(ctx), req, content+roundContent)
				return nil, ctx.Err()
			case delta, ok := <-deltas:
				if !ok {
					break stream
				}
				if delta.Err != nil {
					return nil, delta.Err
				}
				if delta.Content != "" {
					roundContent += delta.Content
					if err := sink(NewChunk(chunkID, req.Agent.Name, delta.Content, nil, r.now())); err != nil {
						return nil, err
					}
				}
				if delta.Usage != nil {
					total.InputTokens += delta.Usage.InputTokens
					total.OutputTokens += delta.Usage.OutputTokens
				}
				if len(delta.ToolCalls) > 0 {
					calls = append(calls, delta.ToolCalls...)
				}
				if delta.FinishReason != "" {
					finishReason = delta.FinishReason
				}
			}
		}
		content += roundContent

		if len(calls) == 0 || r.registry == nil {
			break
		}
		if iteration+1 >= MaxToolIterations {
			r.logger.Warn("tool-call loop bound reached", "agent_id", req.Agent.ID)
			break
		}
		messages = append(messages, provider.Message{Role: "assistant", Content: roundContent})
		messages, err = r.runTools(ctx, req, messages, calls)
		if err != nil {
			return nil, err
		}
	}

	if err := r.gate.Debit(ctx, req.UserID, req.Agent.TenantID, total.InputTokens, total.OutputTokens); err != nil {
		return nil, err
	}
	if req.ConversationID != uuid.Nil {
		r.recordActivity(ctx, req, content)
	}
	return NewResponse(req.Agent.Name, content, finishReason, total, r.now()), nil
}
