package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockProvider replays scripted completions in order, echoing the last user
// message when the script runs out. Safe for concurrent use.
type MockProvider struct {
	mu      sync.Mutex
	Script  []Completion
	Calls   [][]Message
	PerCall Usage // usage reported on every call; defaults below
}

// NewMockProvider builds a mock with a default per-call usage of 10/20.
func NewMockProvider(script ...Completion) *MockProvider {
	return &MockProvider{Script: script, PerCall: Usage{InputTokens: 10, OutputTokens: 20}}
}

func (m *MockProvider) next(messages []Message) *Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	if len(m.Script) > 0 {
		c := m.Script[0]
		m.Script = m.Script[1:]
		if c.Usage == (Usage{}) {
			c.Usage = m.PerCall
		}
		if c.FinishReason == "" {
			c.FinishReason = "stop"
		}
		return &c
	}
	content := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			content = "echo: " + messages[i].Content
			break
		}
	}
	return &Completion{Content: content, FinishReason: "stop", Usage: m.PerCall}
}

func (m *MockProvider) Chat(ctx context.Context, model string, messages []Message, tools []CommandManifest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(messages), nil
}

// ChatStream emits the completion word by word, then a terminal delta with
// usage. Cancellation is observed between words.
func (m *MockProvider) ChatStream(ctx context.Context, model string, messages []Message, tools []CommandManifest) (<-chan StreamDelta, error) {
	c := m.next(messages)
	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		words := strings.Fields(c.Content)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case out <- StreamDelta{Content: w}:
			case <-ctx.Done():
				out <- StreamDelta{Err: ctx.Err()}
				return
			}
		}
		usage := c.Usage
		out <- StreamDelta{ToolCalls: c.ToolCalls, FinishReason: c.FinishReason, Usage: &usage}
	}()
	return out, nil
}

// MockRegistry serves a fixed command list and records executions.
type MockRegistry struct {
	mu       sync.Mutex
	Commands []CommandManifest
	Executed []string
	// Results maps command name to canned output.
	Results map[string]string
}

func NewMockRegistry(commands ...CommandManifest) *MockRegistry {
	return &MockRegistry{Commands: commands, Results: make(map[string]string)}
}

func (m *MockRegistry) List(ctx context.Context, tenantID uuid.UUID) ([]CommandManifest, error) {
	return m.Commands, nil
}

func (m *MockRegistry) Execute(ctx context.Context, tenantID uuid.UUID, name, argsJSON string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Commands {
		if c.Name == name {
			m.Executed = append(m.Executed, name)
			if r, ok := m.Results[name]; ok {
				return r, nil
			}
			return fmt.Sprintf("%s ok", name), nil
		}
	}
	return "", fmt.Errorf("unknown command %q", name)
}

// MockMemory returns canned chunks for every query.
type MockMemory struct {
	Chunks []MemoryChunk
}

func (m *MockMemory) Query(ctx context.Context, agentID uuid.UUID, query string, limit int) ([]MemoryChunk, error) {
	if limit > 0 && limit < len(m.Chunks) {
		return m.Chunks[:limit], nil
	}
	return m.Chunks, nil
}

func (m *MockMemory) Write(ctx context.Context, agentID uuid.UUID, chunks []MemoryChunk) error {
	m.Chunks = append(m.Chunks, chunks...)
	return nil
}

// MockReader serves canned chunks for one source kind and records the
// sources it ingested.
type MockReader struct {
	SourceKind string
	Chunks     []MemoryChunk

	mu       sync.Mutex
	Ingested []string
}

func (m *MockReader) Kind() string { return m.SourceKind }

func (m *MockReader) Ingest(ctx context.Context, source string) ([]MemoryChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ingested = append(m.Ingested, source)
	return m.Chunks, nil
}

// MockNotifier records outbound messages instead of delivering them.
type MockNotifier struct {
	mu     sync.Mutex
	Emails []MockDelivery
	SMS    []MockDelivery
}

type MockDelivery struct {
	To      string
	Subject string
	Body    string
}

func (m *MockNotifier) SendEmail(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails = append(m.Emails, MockDelivery{To: to, Subject: subject, Body: body})
	return nil
}

func (m *MockNotifier) SendSMS(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SMS = append(m.SMS, MockDelivery{To: to, Body: body})
	return nil
}

// LastEmail returns the most recent recorded email, or nil.
func (m *MockNotifier) LastEmail() *MockDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Emails) == 0 {
		return nil
	}
	d := m.Emails[len(m.Emails)-1]
	return &d
}

// MockPayment simulates the subscription backend.
type MockPayment struct {
	mu          sync.Mutex
	Subscribers map[string]bool
}

func NewMockPayment() *MockPayment {
	return &MockPayment{Subscribers: make(map[string]bool)}
}

func (m *MockPayment) HasActiveSubscription(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Subscribers[strings.ToLower(email)], nil
}

func (m *MockPayment) CreateCustomerSession(ctx context.Context, tenantID uuid.UUID) (string, error) {
	return "cs_test_" + tenantID.String()[:8], nil
}
