package infer

import (
	"context"

	"inferd/internal/orchestrator"
	"inferd/pkg/types"
)

// serverRunner fronts a spawned llama-server instance managed by the
// orchestrator. This is the default and preferred transport.
type serverRunner struct {
	orch    *orchestrator.Orchestrator
	modelID string
	client  *orchestrator.InstanceClient
}

func newServerRunner(ctx context.Context, orch *orchestrator.Orchestrator, modelID, modelPath string, cfg orchestrator.ServerConfig, backendID string) (*serverRunner, *orchestrator.ServerInstance, error) {
	inst, err := orch.Start(ctx, modelID, modelPath, cfg, backendID)
	if err != nil {
		return nil, nil, err
	}
	return &serverRunner{
		orch:    orch,
		modelID: modelID,
		client:  orchestrator.NewInstanceClient(inst.BaseURL()),
	}, inst, nil
}

func (r *serverRunner) Mode() string { return ModeServer }

// alive probes the spawned server's health endpoint.
func (r *serverRunner) alive(ctx context.Context) bool {
	return r.client.Health(ctx) == nil
}

func (r *serverRunner) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	return r.client.Completion(ctx, req)
}

func (r *serverRunner) Chat(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	return r.client.ChatCompletion(ctx, req)
}

func (r *serverRunner) ChatStream(ctx context.Context, req types.ChatCompletionRequest) (ChunkStream, error) {
	return r.client.ChatCompletionStream(ctx, req)
}

func (r *serverRunner) Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	return r.client.Embeddings(ctx, req)
}

func (r *serverRunner) TokenizeCount(ctx context.Context, content string) (types.TokenCount, error) {
	return r.client.TokenizeCount(ctx, content)
}

func (r *serverRunner) Close() error {
	return r.orch.Stop(r.modelID)
}
