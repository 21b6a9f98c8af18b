package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"inferd/pkg/types"
)

// Completion runs POST /v1/completions synchronously.
func (c *InstanceClient) Completion(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	req.Stream = false
	var out types.CompletionResponse
	if err := c.postJSON(ctx, "completion", "/v1/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatCompletion runs POST /v1/chat/completions synchronously.
func (c *InstanceClient) ChatCompletion(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	req.Stream = false
	var out types.ChatCompletionResponse
	if err := c.postJSON(ctx, "chat", "/v1/chat/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Embeddings runs POST /v1/embeddings.
func (c *InstanceClient) Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	var out types.EmbeddingsResponse
	if err := c.postJSON(ctx, "embeddings", "/v1/embeddings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream yields decoded chunks of a streamed chat completion. Chunks
// arrive in stream order; Next returns io.EOF exactly once, on the [DONE]
// sentinel or stream close.
type ChatStream struct {
	body   io.ReadCloser
	events *EventScanner
	cancel context.CancelFunc
}

// ChatCompletionStream starts POST /v1/chat/completions with stream=true and
// returns an incremental reader over the SSE response. The caller must drain
// or Close the stream.
func (c *InstanceClient) ChatCompletionStream(ctx context.Context, req types.ChatCompletionRequest) (*ChatStream, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		cancel()
		return nil, errTransport("chat stream", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, errTransport("chat stream", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(hreq)
	if err != nil {
		cancel()
		return nil, errTransport("chat stream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, errTransport("chat stream", fmt.Errorf("status %s: %s", resp.Status, string(b)))
	}
	return &ChatStream{body: resp.Body, events: NewEventScanner(resp.Body), cancel: cancel}, nil
}

// Next returns the next decoded chunk, or io.EOF at end of stream. A payload
// that fails to decode terminates the stream with a transport error rather
// than surfacing a partial chunk.
func (s *ChatStream) Next() (*types.ChatCompletionChunk, error) {
	payload, err := s.events.Next()
	if err != nil {
		return nil, err
	}
	var chunk types.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, errTransport("chat stream", fmt.Errorf("bad chunk: %w", err))
	}
	return &chunk, nil
}

// Close releases the underlying connection. Safe to call after EOF.
func (s *ChatStream) Close() error {
	s.cancel()
	return s.body.Close()
}
