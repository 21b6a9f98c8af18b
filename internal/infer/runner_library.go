//go:build llama

package infer

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/orchestrator"
	"inferd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
var llamaBuilt = true

// libraryRunner serves inference in-process through go-llama.cpp. One model
// handle, one request at a time; the facade's per-model queue already
// serializes callers but the mutex keeps the cgo handle safe regardless.
type libraryRunner struct {
	mu      sync.Mutex
	model   *llama.LLama
	modelID string
	threads int
}

func newLibraryRunner(modelID, modelPath string, cfg orchestrator.ServerConfig) (runner, error) {
	opts := []llama.ModelOption{
		llama.SetContext(cfg.ContextSize),
	}
	if cfg.GPULayers != 0 {
		opts = append(opts, llama.SetGPULayers(cfg.GPULayers))
	}
	m, err := llama.New(modelPath, opts...)
	if err != nil {
		return nil, err
	}
	return &libraryRunner{model: m, modelID: modelID, threads: cfg.Threads}, nil
}

func (r *libraryRunner) Mode() string { return ModeLibrary }

// alive is always true: the model lives in this process.
func (r *libraryRunner) alive(ctx context.Context) bool { return true }

func (r *libraryRunner) predictOptions(maxTokens int, temperature, topP float64, topK int, seed int64, penalty float64, stop []string) []llama.PredictOption {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	threads := r.threads
	if threads <= 0 {
		threads = 4
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTokens),
		llama.SetThreads(threads),
	}
	if temperature > 0 {
		po = append(po, llama.SetTemperature(float32(temperature)))
	}
	if topP > 0 {
		po = append(po, llama.SetTopP(float32(topP)))
	}
	if topK > 0 {
		po = append(po, llama.SetTopK(topK))
	}
	if penalty > 0 {
		po = append(po, llama.SetPenalty(float32(penalty)))
	}
	if seed != 0 {
		po = append(po, llama.SetSeed(int(seed)))
	}
	if len(stop) > 0 {
		po = append(po, llama.SetStopWords(stop...))
	}
	return po
}

func (r *libraryRunner) predict(ctx context.Context, prompt string, po []llama.PredictOption, onToken func(string)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if onToken != nil {
			onToken(tok)
		}
		return true
	})
	text, err := r.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return text, nil
}

func (r *libraryRunner) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	po := r.predictOptions(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.Seed, req.RepeatPenalty, req.Stop)
	text, err := r.predict(ctx, req.Prompt, po, nil)
	if err != nil {
		return nil, err
	}
	return &types.CompletionResponse{
		ID:      "cmpl-local",
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   r.modelID,
		Choices: []types.CompletionChoice{{Text: text, FinishReason: "stop"}},
	}, nil
}

// flattenChat renders a transcript to a plain prompt. Token counts and
// model-specific chat templates are the server transport's job; library mode
// keeps the simple convention.
func flattenChat(messages []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(types.RoleAssistant)
	b.WriteString(": ")
	return b.String()
}

func (r *libraryRunner) Chat(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	po := r.predictOptions(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.Seed, req.RepeatPenalty, req.Stop)
	text, err := r.predict(ctx, flattenChat(req.Messages), po, nil)
	if err != nil {
		return nil, err
	}
	return &types.ChatCompletionResponse{
		ID:      "chat-local",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   r.modelID,
		Choices: []types.ChatChoice{{
			Message:      types.ChatMessage{Role: types.RoleAssistant, Content: text},
			FinishReason: "stop",
		}},
	}, nil
}

// tokenChunkStream bridges the prediction token callback to the streaming
// interface.
type tokenChunkStream struct {
	modelID string
	tokens  chan string
	errc    chan error
	cancel  context.CancelFunc
	done    bool
}

func (s *tokenChunkStream) Next() (*types.ChatCompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case tok, ok := <-s.tokens:
		if !ok {
			s.done = true
			if err := <-s.errc; err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return &types.ChatCompletionChunk{
			ID:      "chat-local",
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   s.modelID,
			Choices: []types.ChatChunkChoice{{Delta: types.ChatDelta{Content: tok}}},
		}, nil
	}
}

func (s *tokenChunkStream) Close() error {
	s.cancel()
	s.done = true
	return nil
}

func (r *libraryRunner) ChatStream(ctx context.Context, req types.ChatCompletionRequest) (ChunkStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &tokenChunkStream{
		modelID: r.modelID,
		tokens:  make(chan string, 16),
		errc:    make(chan error, 1),
		cancel:  cancel,
	}
	po := r.predictOptions(req.MaxTokens, req.Temperature, req.TopP, req.TopK, req.Seed, req.RepeatPenalty, req.Stop)
	go func() {
		_, err := r.predict(ctx, flattenChat(req.Messages), po, func(tok string) {
			select {
			case s.tokens <- tok:
			case <-ctx.Done():
			}
		})
		s.errc <- err
		close(s.tokens)
	}()
	return s, nil
}

func (r *libraryRunner) Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := &types.EmbeddingsResponse{Object: "list", Model: r.modelID}
	for i, text := range req.Input {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		vec, err := r.model.Embeddings(text)
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, types.Embedding{Object: "embedding", Index: i, Embedding: vec})
	}
	return out, nil
}

func (r *libraryRunner) TokenizeCount(ctx context.Context, content string) (types.TokenCount, error) {
	return types.TokenCount{Count: len(content) / 4, Estimated: true}, nil
}

func (r *libraryRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}
