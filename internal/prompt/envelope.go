// Package prompt runs single-turn inference: context assembly, memory
// injection, the bounded tool-call loop and usage accounting. Results are
// chat-completion shaped.
package prompt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agixt/backend/internal/provider"
	"github.com/google/uuid"
)

// ChatMessage is one inbound transcript entry. Content is either a plain
// string or an array of typed parts (text, file_url).
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	FileURL struct {
		URL string `json:"url"`
	} `json:"file_url,omitempty"`
}

// Flatten normalises a message's content into text plus attached file URLs.
func (m *ChatMessage) Flatten() (string, []string, error) {
	if len(m.Content) == 0 {
		return "", nil, nil
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return text, nil, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return "", nil, fmt.Errorf("message content must be a string or part array: %w", err)
	}
	var out string
	var urls []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			if out != "" {
				out += "\n"
			}
			out += p.Text
		case "file_url":
			urls = append(urls, p.FileURL.URL)
		}
	}
	return out, urls, nil
}

// ChatCompletionRequest is the OpenAI-compatible request envelope. Model
// carries the agent name; User the conversation id or "-".
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// UsageBlock is the usage section of a completion response.
type UsageBlock struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int              `json:"index"`
	Message      provider.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// ChatCompletionResponse is the terminal response envelope.
type ChatCompletionResponse struct {
	ID      string     `json:"id"`
	Object  string     `json:"object"`
	Created int64      `json:"created"`
	Model   string     `json:"model"`
	Choices []Choice   `json:"choices"`
	Usage   UsageBlock `json:"usage"`

	// ActivityID correlates UI progress messages with this response.
	ActivityID string `json:"activity_id,omitempty"`
}

// ChunkDelta is the incremental payload of one streaming chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one alternative inside a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one streaming event envelope.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// NewResponse shapes a completion result.
func NewResponse(model, content, finishReason string, usage provider.Usage, at time.Time) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: at.Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      provider.Message{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: UsageBlock{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
	}
}

// NewChunk shapes one streaming delta.
func NewChunk(id, model, content string, finishReason *string, at time.Time) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: at.Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Content: content}, FinishReason: finishReason}},
	}
}
