package infer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"inferd/internal/backend"
	"inferd/internal/orchestrator"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// Options configures a Facade.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Catalog      *backend.Catalog
	Hints        HintProvider
	Logger       zerolog.Logger

	// DefaultModel is used when a request names no model.
	DefaultModel string
	// Mode selects the transport for new loads; defaults to ModeServer.
	Mode string
	// WorkerBin is the legacy worker executable for ModeProcess.
	WorkerBin string
}

// LoadedModel pairs a registry entry with its live runner and accounting.
type LoadedModel struct {
	Model     types.Model
	Mode      string
	BackendID string
	Config    orchestrator.ServerConfig
	LoadedAt  time.Time

	requests atomic.Uint64
	tokens   atomic.Uint64

	// sem serializes requests per model in arrival order. Weight 1: llama
	// servers are started with one slot and the other transports are
	// single-threaded by nature.
	sem    *semaphore.Weighted
	runner runner
}

// Requests returns the number of requests served since load.
func (lm *LoadedModel) Requests() uint64 { return lm.requests.Load() }

// TokensGenerated returns completion tokens generated since load.
func (lm *LoadedModel) TokensGenerated() uint64 { return lm.tokens.Load() }

// Facade is the inference entry point: it owns the loaded-model table, picks
// a transport per load, serializes same-model requests, and keeps usage
// counters. All collaborators are injected.
type Facade struct {
	mu     sync.Mutex
	models map[string]*LoadedModel

	loadMu    sync.Mutex
	loadLocks map[string]*loadLock

	orch    *orchestrator.Orchestrator
	reg     *registry.Registry
	catalog *backend.Catalog
	hints   HintProvider
	log     zerolog.Logger

	defaultModel string
	mode         string
	workerBin    string
	started      time.Time
}

// New constructs a Facade.
func New(opts Options) (*Facade, error) {
	if opts.Orchestrator == nil || opts.Registry == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("infer: orchestrator, registry and catalog are required")
	}
	hints := opts.Hints
	if hints == nil {
		hints = NewMachineHints(opts.Catalog)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeServer
	}
	switch mode {
	case ModeServer, ModeProcess, ModeLibrary:
	default:
		return nil, fmt.Errorf("infer: unknown mode %q", mode)
	}
	return &Facade{
		models:       make(map[string]*LoadedModel),
		loadLocks:    make(map[string]*loadLock),
		orch:         opts.Orchestrator,
		reg:          opts.Registry,
		catalog:      opts.Catalog,
		hints:        hints,
		log:          opts.Logger,
		defaultModel: opts.DefaultModel,
		mode:         mode,
		workerBin:    opts.WorkerBin,
		started:      time.Now(),
	}, nil
}

// loadLock is a reference-counted per-model mutex serializing Load/Unload.
// The entry is dropped when the last holder releases, keeping the map
// bounded by in-flight operations.
type loadLock struct {
	mu   sync.Mutex
	refs int
}

// lockModel takes the per-model load lock; the returned func releases it.
func (f *Facade) lockModel(modelID string) func() {
	f.loadMu.Lock()
	l := f.loadLocks[modelID]
	if l == nil {
		l = &loadLock{}
		f.loadLocks[modelID] = l
	}
	l.refs++
	f.loadMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.loadMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.loadLocks, modelID)
		}
		f.loadMu.Unlock()
	}
}

// Load makes a model servable. Idempotent: a model that is already loaded is
// returned unchanged, overrides ignored. The transport variant is chosen
// here, once; request paths never branch on it again.
func (f *Facade) Load(ctx context.Context, modelID string, req types.LoadRequest) (*LoadedModel, error) {
	unlock := f.lockModel(modelID)
	defer unlock()

	f.mu.Lock()
	existing := f.models[modelID]
	f.mu.Unlock()
	if existing != nil {
		if existing.runner.alive(ctx) {
			return existing, nil
		}
		// The backing died since the last request. Tear the stale entry down
		// and fall through to a fresh load, which respawns.
		f.log.Warn().Str("model", modelID).Str("mode", existing.Mode).Msg("backing runner dead, reloading")
		f.mu.Lock()
		delete(f.models, modelID)
		loadedModels.Set(float64(len(f.models)))
		f.mu.Unlock()
		_ = existing.runner.Close()
	}

	model, ok := f.reg.Lookup(modelID)
	if !ok {
		return nil, ErrModelNotFound(modelID)
	}
	cfg, backendID := DeriveConfig(f.hints.Hints(), req)

	var (
		rn  runner
		err error
	)
	switch f.mode {
	case ModeServer:
		var inst *orchestrator.ServerInstance
		rn, inst, err = newServerRunner(ctx, f.orch, modelID, model.Path, cfg, backendID)
		if err == nil {
			backendID = inst.BackendID
		}
	case ModeProcess:
		rn, err = newProcessRunner(f.workerBin, model.Path)
	case ModeLibrary:
		rn, err = newLibraryRunner(modelID, model.Path, cfg)
	}
	if err != nil {
		return nil, err
	}

	lm := &LoadedModel{
		Model:     model,
		Mode:      f.mode,
		BackendID: backendID,
		Config:    cfg,
		LoadedAt:  time.Now(),
		sem:       semaphore.NewWeighted(1),
		runner:    rn,
	}
	f.mu.Lock()
	f.models[modelID] = lm
	loadedModels.Set(float64(len(f.models)))
	f.mu.Unlock()
	f.log.Info().Str("model", modelID).Str("mode", f.mode).Str("backend", backendID).Msg("model loaded")
	return lm, nil
}

// Unload stops a model's runner and removes it. It waits its turn on the
// model's queue so an in-flight request is never interrupted.
func (f *Facade) Unload(ctx context.Context, modelID string) error {
	unlock := f.lockModel(modelID)
	defer unlock()

	f.mu.Lock()
	lm := f.models[modelID]
	f.mu.Unlock()
	if lm == nil {
		return ErrNotLoaded(modelID)
	}
	if err := lm.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lm.sem.Release(1)

	if err := lm.runner.Close(); err != nil {
		f.log.Warn().Err(err).Str("model", modelID).Msg("runner close failed")
	}
	f.mu.Lock()
	delete(f.models, modelID)
	loadedModels.Set(float64(len(f.models)))
	f.mu.Unlock()
	f.log.Info().Str("model", modelID).Msg("model unloaded")
	return nil
}

// UnloadAll unloads every model. Best effort, used at shutdown.
func (f *Facade) UnloadAll(ctx context.Context) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.models))
	for id := range f.models {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		_ = f.Unload(ctx, id)
	}
}

// loaded resolves a request's model reference to a live LoadedModel.
func (f *Facade) loaded(modelID string) (*LoadedModel, error) {
	if modelID == "" {
		modelID = f.defaultModel
	}
	if modelID == "" {
		return nil, ErrNotLoaded("(no model given and no default configured)")
	}
	f.mu.Lock()
	lm := f.models[modelID]
	f.mu.Unlock()
	if lm == nil {
		if _, known := f.reg.Lookup(modelID); !known {
			return nil, ErrModelNotFound(modelID)
		}
		return nil, ErrNotLoaded(modelID)
	}
	return lm, nil
}

// acquire takes the model's queue slot. A context that expires while waiting
// maps to backpressure; a plain cancellation stays a cancellation.
func (f *Facade) acquire(ctx context.Context, lm *LoadedModel) (func(), error) {
	if err := lm.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrBusy(lm.Model.ID)
		}
		return nil, err
	}
	return func() { lm.sem.Release(1) }, nil
}

// Complete serves a synchronous completion, holding the model's queue slot
// for the whole request.
func (f *Facade) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	lm, err := f.loaded(req.Model)
	if err != nil {
		return nil, err
	}
	release, err := f.acquire(ctx, lm)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := lm.runner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	lm.requests.Add(1)
	lm.tokens.Add(uint64(resp.Usage.CompletionTokens))
	requestsTotal.WithLabelValues(lm.Model.ID, "completion").Inc()
	tokensGeneratedTotal.WithLabelValues(lm.Model.ID).Add(float64(resp.Usage.CompletionTokens))
	return resp, nil
}

// Chat serves a synchronous chat completion.
func (f *Facade) Chat(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	lm, err := f.loaded(req.Model)
	if err != nil {
		return nil, err
	}
	release, err := f.acquire(ctx, lm)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := lm.runner.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	lm.requests.Add(1)
	lm.tokens.Add(uint64(resp.Usage.CompletionTokens))
	requestsTotal.WithLabelValues(lm.Model.ID, "chat").Inc()
	tokensGeneratedTotal.WithLabelValues(lm.Model.ID).Add(float64(resp.Usage.CompletionTokens))
	return resp, nil
}

// ChatStream starts a streamed chat completion. The model's queue slot is
// held until the returned stream is drained or closed.
func (f *Facade) ChatStream(ctx context.Context, req types.ChatCompletionRequest) (ChunkStream, error) {
	lm, err := f.loaded(req.Model)
	if err != nil {
		return nil, err
	}
	release, err := f.acquire(ctx, lm)
	if err != nil {
		return nil, err
	}
	inner, err := lm.runner.ChatStream(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	lm.requests.Add(1)
	requestsTotal.WithLabelValues(lm.Model.ID, "chat_stream").Inc()
	return &countedStream{inner: inner, lm: lm, release: release}, nil
}

// Embeddings computes embedding vectors for the request inputs.
func (f *Facade) Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	lm, err := f.loaded(req.Model)
	if err != nil {
		return nil, err
	}
	release, err := f.acquire(ctx, lm)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := lm.runner.Embeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	lm.requests.Add(1)
	requestsTotal.WithLabelValues(lm.Model.ID, "embeddings").Inc()
	return resp, nil
}

// TokenizeCount counts tokens for a piece of content against a loaded model.
func (f *Facade) TokenizeCount(ctx context.Context, modelID, content string) (types.TokenCount, error) {
	lm, err := f.loaded(modelID)
	if err != nil {
		return types.TokenCount{}, err
	}
	release, err := f.acquire(ctx, lm)
	if err != nil {
		return types.TokenCount{}, err
	}
	defer release()
	return lm.runner.TokenizeCount(ctx, content)
}

// Status reports every loaded model with its backing instance details. For
// server-mode models the orchestrator re-probes each instance, so a died
// process shows up as stopped here instead of lingering as running.
func (f *Facade) Status(ctx context.Context) types.StatusResponse {
	f.mu.Lock()
	models := make([]*LoadedModel, 0, len(f.models))
	for _, lm := range f.models {
		models = append(models, lm)
	}
	f.mu.Unlock()

	running := make(map[string]*orchestrator.ServerInstance)
	for _, inst := range f.orch.ListRunning(ctx) {
		running[inst.ModelID] = inst
	}

	out := types.StatusResponse{
		Models:         make([]types.LoadedModelStatus, 0, len(models)),
		UptimeSeconds:  int64(time.Since(f.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	for _, lm := range models {
		st := types.LoadedModelStatus{
			ModelID:         lm.Model.ID,
			Mode:            lm.Mode,
			Backend:         lm.BackendID,
			State:           string(orchestrator.StatusRunning),
			LoadedAtUnix:    lm.LoadedAt.Unix(),
			Requests:        lm.requests.Load(),
			TokensGenerated: lm.tokens.Load(),
		}
		if lm.Mode == ModeServer {
			if inst, ok := running[lm.Model.ID]; ok {
				st.State = string(inst.Status)
				st.Port = inst.Port
				st.PID = inst.PID
			} else {
				st.State = string(orchestrator.StatusStopped)
			}
		}
		out.Models = append(out.Models, st)
	}
	return out
}

// countedStream releases the queue slot at end of stream and folds usage into
// the model's counters. Chunks carrying usage win; otherwise each content
// delta counts as one generated token.
type countedStream struct {
	inner   ChunkStream
	lm      *LoadedModel
	release func()
	once    sync.Once

	counted  uint64
	sawUsage bool
}

func (s *countedStream) Next() (*types.ChatCompletionChunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		s.finish()
		return nil, err
	}
	if chunk.Usage != nil {
		s.sawUsage = true
		s.counted = uint64(chunk.Usage.CompletionTokens)
	} else if !s.sawUsage {
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				s.counted++
			}
		}
	}
	return chunk, nil
}

func (s *countedStream) Close() error {
	err := s.inner.Close()
	s.finish()
	return err
}

func (s *countedStream) finish() {
	s.once.Do(func() {
		s.lm.tokens.Add(s.counted)
		tokensGeneratedTotal.WithLabelValues(s.lm.Model.ID).Add(float64(s.counted))
		s.release()
	})
}
