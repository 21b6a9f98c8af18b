package infer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"inferd/internal/backend"
	"inferd/internal/orchestrator"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// fakeRunner is an in-memory transport for request-path tests: no process,
// no network.
type fakeRunner struct {
	mode      string
	reply     string
	tokens    []string
	delay     time.Duration
	inflight  atomic.Int32
	maxSeen   atomic.Int32
	calls     atomic.Int32
	closed    atomic.Bool
	dead      atomic.Bool
	failWith  error
	usageEach int
}

func (r *fakeRunner) alive(ctx context.Context) bool { return !r.dead.Load() }

func (r *fakeRunner) Mode() string {
	if r.mode == "" {
		return ModeServer
	}
	return r.mode
}

func (r *fakeRunner) track() func() {
	cur := r.inflight.Add(1)
	for {
		max := r.maxSeen.Load()
		if cur <= max || r.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	r.calls.Add(1)
	return func() { r.inflight.Add(-1) }
}

func (r *fakeRunner) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	defer r.track()()
	if r.failWith != nil {
		return nil, r.failWith
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &types.CompletionResponse{
		Choices: []types.CompletionChoice{{Text: r.reply, FinishReason: "stop"}},
		Usage:   types.Usage{CompletionTokens: r.usageEach, TotalTokens: r.usageEach},
	}, nil
}

func (r *fakeRunner) Chat(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	defer r.track()()
	if r.failWith != nil {
		return nil, r.failWith
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &types.ChatCompletionResponse{
		Choices: []types.ChatChoice{{
			Message:      types.ChatMessage{Role: types.RoleAssistant, Content: r.reply},
			FinishReason: "stop",
		}},
		Usage: types.Usage{CompletionTokens: r.usageEach, TotalTokens: r.usageEach},
	}, nil
}

func (r *fakeRunner) ChatStream(ctx context.Context, req types.ChatCompletionRequest) (ChunkStream, error) {
	defer r.track()()
	if r.failWith != nil {
		return nil, r.failWith
	}
	return &scriptedStream{tokens: r.tokens}, nil
}

func (r *fakeRunner) Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	defer r.track()()
	data := make([]types.Embedding, len(req.Input))
	for i := range req.Input {
		data[i] = types.Embedding{Object: "embedding", Index: i, Embedding: []float32{0.5}}
	}
	return &types.EmbeddingsResponse{Object: "list", Data: data}, nil
}

func (r *fakeRunner) TokenizeCount(ctx context.Context, content string) (types.TokenCount, error) {
	defer r.track()()
	return types.TokenCount{Count: len(content)}, nil
}

func (r *fakeRunner) Close() error {
	r.closed.Store(true)
	return nil
}

// scriptedStream replays a fixed token list as chunks.
type scriptedStream struct {
	tokens []string
	i      int
}

func (s *scriptedStream) Next() (*types.ChatCompletionChunk, error) {
	if s.i >= len(s.tokens) {
		return nil, io.EOF
	}
	tok := s.tokens[s.i]
	s.i++
	return &types.ChatCompletionChunk{
		Choices: []types.ChatChunkChoice{{Delta: types.ChatDelta{Content: tok}}},
	}, nil
}

func (s *scriptedStream) Close() error { return nil }

// newTestFacade builds a facade over empty real collaborators and registers
// one model backed by the given fake runner.
func newTestFacade(t *testing.T, modelID string, rn *fakeRunner) *Facade {
	t.Helper()
	modelsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(modelsDir, modelID), []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	reg, err := registry.LoadDir(modelsDir)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cat, err := backend.New(t.TempDir(), "http://invalid.localhost/%s", zerolog.Nop())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Options{Catalog: cat, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	f, err := New(Options{
		Orchestrator: orch,
		Registry:     reg,
		Catalog:      cat,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	model, _ := reg.Lookup(modelID)
	f.mu.Lock()
	f.models[modelID] = &LoadedModel{
		Model:    model,
		Mode:     rn.Mode(),
		LoadedAt: time.Now(),
		sem:      semaphore.NewWeighted(1),
		runner:   rn,
	}
	f.mu.Unlock()
	return f
}
