package prompt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agixt/backend/internal/billing"
	"github.com/agixt/backend/internal/config"
	"github.com/agixt/backend/internal/core"
	"github.com/agixt/backend/internal/database"
	"github.com/agixt/backend/internal/provider"
	"github.com/agixt/backend/internal/tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFixture struct {
	runner   *Runner
	store    *database.MemoryStore
	model    *provider.MockProvider
	registry *provider.MockRegistry
	memory   *provider.MockMemory
	tenant   *database.Tenant
	agent    *database.Agent
	userID   uuid.UUID
}

func newRunnerFixture(t *testing.T, script ...provider.Completion) *runnerFixture {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore()
	gate := billing.NewGate(&config.Config{}, store, tenancy.NewTree(store), nil, nil, nil)
	model := provider.NewMockProvider(script...)
	registry := provider.NewMockRegistry(provider.CommandManifest{Name: "lookup"})
	memory := &provider.MockMemory{}
	runner := NewRunner(store, gate, model, registry, memory, nil)
	runner.SetClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })

	tenant := &database.Tenant{ID: uuid.New(), Name: "acme", Status: database.TenantActive, TokenBalance: 10_000}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	agent := &database.Agent{ID: uuid.New(), TenantID: tenant.ID, UserID: uuid.New(), Name: "Writer"}
	require.NoError(t, store.CreateAgent(ctx, agent))

	return &runnerFixture{
		runner: runner, store: store, model: model, registry: registry, memory: memory,
		tenant: tenant, agent: agent, userID: uuid.New(),
	}
}

func (f *runnerFixture) request(content string) *Request {
	return &Request{
		Agent:    f.agent,
		UserID:   f.userID,
		Messages: []provider.Message{{Role: "user", Content: content}},
	}
}

func TestRunReturnsCompletionAndDebitsUsage(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "hello back"})
	ctx := context.Background()

	resp, err := f.runner.Run(ctx, f.request("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Choices[0].Message.Content)
	assert.Equal(t, "Writer", resp.Model)
	assert.Equal(t, int64(10), resp.Usage.PromptTokens)
	assert.Equal(t, int64(20), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(30), resp.Usage.TotalTokens)

	fresh, err := f.store.GetTenant(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000-30), fresh.TokenBalance)
}

func TestRunExhaustedBalanceFailsTurn(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "won't be paid for"})
	ctx := context.Background()
	f.tenant.TokenBalance = 5
	require.NoError(t, f.store.UpdateTenant(ctx, f.tenant))

	_, err := f.runner.Run(ctx, f.request("hello"))
	require.Error(t, err)
	assert.Equal(t, core.KindPaymentRequired, core.KindOf(err))
}

func TestRunToolLoopAccumulatesUsage(t *testing.T) {
	f := newRunnerFixture(t,
		provider.Completion{
			Content:   "let me check",
			ToolCalls: []provider.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"weather"}`}},
		},
		provider.Completion{Content: "it is sunny"},
	)
	f.registry.Results["lookup"] = "sunny, 22C"
	ctx := context.Background()

	resp, err := f.runner.Run(ctx, f.request("weather?"))
	require.NoError(t, err)
	assert.Equal(t, "it is sunny", resp.Choices[0].Message.Content)
	// Two model rounds worth of usage.
	assert.Equal(t, int64(60), resp.Usage.TotalTokens)
	assert.Equal(t, []string{"lookup"}, f.registry.Executed)

	// The tool output went back into the transcript of the second round.
	require.Len(t, f.model.Calls, 2)
	second := f.model.Calls[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "sunny, 22C", last.Content)
	assert.Equal(t, "call-1", last.ToolCallID)
}

func TestRunToolFailureSurfacedToModel(t *testing.T) {
	f := newRunnerFixture(t,
		provider.Completion{
			ToolCalls: []provider.ToolCall{{ID: "call-1", Name: "no_such_tool", Arguments: `{}`}},
		},
		provider.Completion{Content: "could not look that up"},
	)
	ctx := context.Background()

	resp, err := f.runner.Run(ctx, f.request("try it"))
	require.NoError(t, err)
	assert.Equal(t, "could not look that up", resp.Choices[0].Message.Content)

	second := f.model.Calls[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "error:")
}

func TestRunInjectsMemories(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "informed answer"})
	f.memory.Chunks = []provider.MemoryChunk{{Text: "the sky is blue"}}
	ctx := context.Background()

	req := f.request("what color is the sky?")
	req.InjectMemories = true
	_, err := f.runner.Run(ctx, req)
	require.NoError(t, err)

	first := f.model.Calls[0][0]
	assert.Equal(t, "system", first.Role)
	assert.Contains(t, first.Content, "the sky is blue")
}

func TestRunIngestsAttachedSources(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "read it"})
	reader := &provider.MockReader{
		SourceKind: "website",
		Chunks:     []provider.MemoryChunk{{Text: "the report says margins doubled"}},
	}
	readers := provider.NewReaderRegistry()
	readers.Register(reader)
	f.runner.SetReaders(readers)
	ctx := context.Background()

	req := f.request("what does the report say?")
	req.Messages[0].FileURLs = []string{"https://example.com/report"}
	req.InjectMemories = true
	_, err := f.runner.Run(ctx, req)
	require.NoError(t, err)

	// The source went through the website reader into agent memory, and the
	// fresh chunk was injected into the turn.
	assert.Equal(t, []string{"https://example.com/report"}, reader.Ingested)
	require.NotEmpty(t, f.memory.Chunks)
	first := f.model.Calls[0][0]
	assert.Equal(t, "system", first.Role)
	assert.Contains(t, first.Content, "margins doubled")
}

func TestRunSkipsSourcesWithoutReader(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "fine"})
	f.runner.SetReaders(provider.NewReaderRegistry())
	ctx := context.Background()

	req := f.request("hello")
	req.Messages[0].FileURLs = []string{"https://youtube.com/watch?v=x"}
	_, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, f.memory.Chunks)
}

func TestSourceKindClassification(t *testing.T) {
	assert.Equal(t, "arxiv", provider.SourceKind("https://arxiv.org/abs/1234.5678"))
	assert.Equal(t, "youtube", provider.SourceKind("https://youtube.com/watch?v=abc"))
	assert.Equal(t, "youtube", provider.SourceKind("https://youtu.be/abc"))
	assert.Equal(t, "github", provider.SourceKind("https://github.com/acme/repo"))
	assert.Equal(t, "website", provider.SourceKind("https://example.com/report.html"))
	assert.Equal(t, "website", provider.SourceKind("http://example.com/plain"))
	assert.Equal(t, "file", provider.SourceKind("/data/uploads/q2.pdf"))
	assert.Equal(t, "file", provider.SourceKind("notes.txt"))
}

func TestRunRecordsConversationActivity(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "final answer"})
	ctx := context.Background()

	conv := &database.Conversation{ID: uuid.New(), TenantID: f.tenant.ID, Type: database.ConversationSingle}
	require.NoError(t, f.store.CreateConversation(ctx, conv, nil))

	req := f.request("question")
	req.ConversationID = conv.ID
	_, err := f.runner.Run(ctx, req)
	require.NoError(t, err)

	messages, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.Equal(t, "final answer", messages[len(messages)-1].Content)
}

// ============================================================================
// STREAMING
// ============================================================================

func TestRunStreamDeliversDeltasAndDebits(t *testing.T) {
	f := newRunnerFixture(t, provider.Completion{Content: "three word answer"})
	ctx := context.Background()

	var streamed string
	resp, err := f.runner.RunStream(ctx, f.request("go"), func(chunk ChatCompletionChunk) error {
		streamed += chunk.Choices[0].Delta.Content
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "three word answer", streamed)
	assert.Equal(t, "three word answer", resp.Choices[0].Message.Content)

	fresh, err := f.store.GetTenant(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000-30), fresh.TokenBalance)
}

// stallingProvider emits one delta and then stalls until cancellation.
type stallingProvider struct{ first string }

func (s *stallingProvider) Chat(ctx context.Context, model string, messages []provider.Message, tools []provider.CommandManifest) (*provider.Completion, error) {
	return &provider.Completion{Content: s.first, FinishReason: "stop"}, nil
}

func (s *stallingProvider) ChatStream(ctx context.Context, model string, messages []provider.Message, tools []provider.CommandManifest) (<-chan provider.StreamDelta, error) {
	out := make(chan provider.StreamDelta, 1)
	out <- provider.StreamDelta{Content: s.first}
	return out, nil
}

func TestRunStreamCancellationFlushesPartial(t *testing.T) {
	f := newRunnerFixture(t)
	stalled := &stallingProvider{first: "partial output"}
	f.runner = NewRunner(f.store, billing.NewGate(&config.Config{}, f.store, tenancy.NewTree(f.store), nil, nil, nil), stalled, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	conv := &database.Conversation{ID: uuid.New(), TenantID: f.tenant.ID, Type: database.ConversationSingle}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv, nil))

	req := f.request("go")
	req.ConversationID = conv.ID

	_, err := f.runner.RunStream(ctx, req, func(chunk ChatCompletionChunk) error {
		cancel() // the provider stalls after the first delta
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	// The partial transcript survived for audit.
	messages, err := f.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.Equal(t, "partial output", messages[len(messages)-1].Content)
}

func TestRunStreamToolRound(t *testing.T) {
	f := newRunnerFixture(t,
		provider.Completion{
			ToolCalls: []provider.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{}`}},
		},
		provider.Completion{Content: "looked up"},
	)
	f.registry.Results["lookup"] = "data"
	ctx := context.Background()

	var streamed string
	resp, err := f.runner.RunStream(ctx, f.request("go"), func(chunk ChatCompletionChunk) error {
		streamed += chunk.Choices[0].Delta.Content
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "looked up", resp.Choices[0].Message.Content)
	assert.Equal(t, "looked up", streamed)
	assert.Equal(t, []string{"lookup"}, f.registry.Executed)
}

// ============================================================================
// ENVELOPE
// ============================================================================

func TestChatMessageFlatten(t *testing.T) {
	var m ChatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"plain text"}`), &m))
	text, urls, err := m.Flatten()
	require.NoError(t, err)
	assert.Equal(t, "plain text", text)
	assert.Empty(t, urls)

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[
		{"type":"text","text":"see attachment"},
		{"type":"file_url","file_url":{"url":"https://example.com/a.pdf"}}
	]}`), &m))
	text, urls, err = m.Flatten()
	require.NoError(t, err)
	assert.Equal(t, "see attachment", text)
	assert.Equal(t, []string{"https://example.com/a.pdf"}, urls)

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":42}`), &m))
	_, _, err = m.Flatten()
	assert.Error(t, err)
}
