package types

import (
	"encoding/json"
	"fmt"
)

// CompletionRequest is the OpenAI-compatible payload for POST /v1/completions.
type CompletionRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4
	Model string `json:"model,omitempty" example:"tinyllama-q4"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by llama servers.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// If true, stream results as Server-Sent Events.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
}

// CompletionChoice is one generated alternative.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// CompletionResponse is the non-streaming response of POST /v1/completions.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// ChatCompletionRequest is the payload for POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model         string        `json:"model,omitempty" example:"tinyllama-q4"`
	Messages      []ChatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty" example:"128"`
	Temperature   float64       `json:"temperature,omitempty" example:"0.7"`
	TopP          float64       `json:"top_p,omitempty" example:"0.9"`
	TopK          int           `json:"top_k,omitempty" example:"40"`
	Stop          []string      `json:"stop,omitempty"`
	Seed          int64         `json:"seed,omitempty" example:"42"`
	RepeatPenalty float64       `json:"repeat_penalty,omitempty" example:"1.1"`
	Stream        bool          `json:"stream,omitempty" example:"true"`
}

// ChatChoice is one generated chat alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionResponse is the non-streaming response of POST /v1/chat/completions.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatDelta carries the incremental part of a streamed chat message.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatChunkChoice is one choice inside a streamed chunk.
type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one SSE event of a streamed chat completion.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingsRequest is the payload for POST /v1/embeddings. Input accepts
// either a single string or an array of strings on the wire.
type EmbeddingsRequest struct {
	Model string        `json:"model,omitempty"`
	Input EmbeddingText `json:"input"`
}

// EmbeddingText unmarshals from a JSON string or array of strings.
type EmbeddingText []string

func (e *EmbeddingText) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = EmbeddingText{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return fmt.Errorf("input must be a string or array of strings: %w", err)
	}
	*e = EmbeddingText(ss)
	return nil
}

// Embedding is one vector in an embeddings response.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingsResponse is the response of POST /v1/embeddings.
type EmbeddingsResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

// TokenizeRequest is the payload for the native /tokenize endpoint.
type TokenizeRequest struct {
	Content string `json:"content"`
}

// TokenizeResponse is the native /tokenize response.
type TokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// TokenCount reports a token count that may be a heuristic estimate when the
// serving process exposes no tokenize endpoint.
type TokenCount struct {
	Count     int  `json:"count"`
	Estimated bool `json:"estimated"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: tinyllama-q4
	Error string `json:"error" example:"model not found: tinyllama-q4"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
