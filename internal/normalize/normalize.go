// Package normalize rewrites upstream chat-completion payloads into strict
// OpenAI wire shape.
//
// Upstream dialects attach extra diagnostic fields (stop-match markers,
// logprobs placeholders, vendor token breakdowns) that are harmless but break
// clients that validate against the canonical schema. Both transforms here are
// strict allow-list filters: they rebuild the payload from the canonical field
// set only and never touch field values.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Transform rewrites one JSON payload into another. A nil Transform on a route
// means identity pass-through; callers check for nil at the call site.
type Transform func(raw json.RawMessage) (json.RawMessage, error)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

// usage is the canonical three-counter usage block. Decoding through it drops
// vendor counters such as reasoning-token breakdowns.
type usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type completionMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
	Refusal *string `json:"refusal"`
}

type completionChoice struct {
	Index        int64             `json:"index"`
	Message      completionMessage `json:"message"`
	Logprobs     any               `json:"logprobs"`
	FinishReason *string           `json:"finish_reason"`
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

// Completion rebuilds a buffered completion from the canonical field set.
// Absent upstream usage becomes an all-zero usage block; refusal defaults to
// null; logprobs is forced null on every choice.
func Completion(raw json.RawMessage) (json.RawMessage, error) {
	var c completion
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("normalize: decode completion: %w", err)
	}

	c.Object = objectCompletion
	for i := range c.Choices {
		// The key stays in the output as an explicit null — the protocol
		// defines logprobs as always-present.
		c.Choices[i].Logprobs = nil
	}

	out, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("normalize: encode completion: %w", err)
	}
	return out, nil
}

type chunkDelta struct {
	Role      *string         `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type chunkChoice struct {
	Index        int64      `json:"index"`
	Delta        chunkDelta `json:"delta"`
	Logprobs     any        `json:"logprobs"`
	FinishReason *string    `json:"finish_reason"`
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usage        `json:"usage,omitempty"`
}

var nullLiteral = []byte("null")

// Chunk rebuilds one streamed chunk from the canonical field set. Delta keeps
// only the fields whose upstream value was present and non-null; a null usage
// is omitted entirely; logprobs is forced null on every choice.
func Chunk(raw json.RawMessage) (json.RawMessage, error) {
	var ch chunk
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("normalize: decode chunk: %w", err)
	}

	ch.Object = objectChunk
	for i := range ch.Choices {
		ch.Choices[i].Logprobs = nil
		// A literal null decodes into a non-empty RawMessage, which omitempty
		// would keep; treat it the same as an absent field.
		if bytes.Equal(bytes.TrimSpace(ch.Choices[i].Delta.ToolCalls), nullLiteral) {
			ch.Choices[i].Delta.ToolCalls = nil
		}
	}

	out, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("normalize: encode chunk: %w", err)
	}
	return out, nil
}
