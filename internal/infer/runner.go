package infer

import (
	"context"
	"io"

	"inferd/pkg/types"
)

// Transport modes a model can be loaded with.
const (
	ModeServer  = "server"  // spawned llama-server process, HTTP
	ModeProcess = "process" // legacy raw child process, line-oriented stdio
	ModeLibrary = "library" // in-process via go-llama.cpp (llama build tag)
)

// ChunkStream yields the chunks of a streamed chat completion in order and
// terminates with io.EOF exactly once.
type ChunkStream interface {
	Next() (*types.ChatCompletionChunk, error)
	Close() error
}

// runner is the transport a loaded model serves inference over. The variant
// is selected once at load time; request paths never branch on mode again.
// alive reports whether the backing process or library is still usable, so
// Load can detect a died backing and replace the entry instead of handing
// back a dead one.
type runner interface {
	Mode() string
	alive(ctx context.Context) bool
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
	Chat(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error)
	ChatStream(ctx context.Context, req types.ChatCompletionRequest) (ChunkStream, error)
	Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error)
	TokenizeCount(ctx context.Context, content string) (types.TokenCount, error)
	Close() error
}

// singleChunkStream adapts a synchronous chat response to the streaming
// interface for transports without native streaming.
type singleChunkStream struct {
	chunk *types.ChatCompletionChunk
	done  bool
}

func newSingleChunkStream(resp *types.ChatCompletionResponse) *singleChunkStream {
	chunk := &types.ChatCompletionChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   &resp.Usage,
	}
	for _, c := range resp.Choices {
		chunk.Choices = append(chunk.Choices, types.ChatChunkChoice{
			Index:        c.Index,
			Delta:        types.ChatDelta{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return &singleChunkStream{chunk: chunk}
}

func (s *singleChunkStream) Next() (*types.ChatCompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.chunk, nil
}

func (s *singleChunkStream) Close() error { return nil }
