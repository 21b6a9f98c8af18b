package orchestrator

import "strconv"

// BuildArgs maps a ServerConfig to the llama-server argument list. Pure; kept
// separate from the spawning code so the mapping is unit-testable.
//
// Required flags are always present. Every optional flag is appended only if
// its field deviates from the default.
func BuildArgs(cfg ServerConfig) []string {
	cfg = cfg.withDefaults()
	args := []string{
		"--model", cfg.ModelPath,
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--ctx-size", strconv.Itoa(cfg.ContextSize),
		"--n-gpu-layers", strconv.Itoa(cfg.GPULayers),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--parallel", strconv.Itoa(cfg.Parallel),
	}
	if cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(cfg.Threads))
	}
	if cfg.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if cfg.NoMmap {
		args = append(args, "--no-mmap")
	}
	if cfg.Mlock {
		args = append(args, "--mlock")
	}
	if cfg.NUMA {
		args = append(args, "--numa")
	}
	if cfg.Embeddings {
		args = append(args, "--embeddings")
	}
	if cfg.ContBatching {
		args = append(args, "--cont-batching")
	}
	if cfg.LogDisable {
		args = append(args, "--log-disable")
	}
	if cfg.TensorSplit != "" {
		args = append(args, "--tensor-split", cfg.TensorSplit)
	}
	if cfg.MainGPU != nil {
		args = append(args, "--main-gpu", strconv.Itoa(*cfg.MainGPU))
	}
	if cfg.SplitMode != "" {
		args = append(args, "--split-mode", cfg.SplitMode)
	}
	if cfg.CacheTypeK != "" {
		args = append(args, "--cache-type-k", cfg.CacheTypeK)
	}
	if cfg.CacheTypeV != "" {
		args = append(args, "--cache-type-v", cfg.CacheTypeV)
	}
	if cfg.RopeScaling != "" {
		args = append(args, "--rope-scaling", cfg.RopeScaling)
	}
	if cfg.RopeFreqBase != 0 {
		args = append(args, "--rope-freq-base", strconv.FormatFloat(cfg.RopeFreqBase, 'f', -1, 64))
	}
	if cfg.RopeFreqScale != 0 {
		args = append(args, "--rope-freq-scale", strconv.FormatFloat(cfg.RopeFreqScale, 'f', -1, 64))
	}
	if cfg.Seed != nil {
		args = append(args, "--seed", strconv.FormatInt(*cfg.Seed, 10))
	}
	if cfg.UBatchSize > 0 {
		args = append(args, "--ubatch-size", strconv.Itoa(cfg.UBatchSize))
	}
	if cfg.KeepTokens != nil {
		args = append(args, "--keep", strconv.Itoa(*cfg.KeepTokens))
	}
	if cfg.DefragThold != 0 {
		args = append(args, "--defrag-thold", strconv.FormatFloat(cfg.DefragThold, 'f', -1, 64))
	}
	if cfg.ChatTemplate != "" {
		args = append(args, "--chat-template", cfg.ChatTemplate)
	}
	if cfg.APIKey != "" {
		args = append(args, "--api-key", cfg.APIKey)
	}
	return args
}
