package infer

import (
	"runtime"

	"inferd/internal/backend"
	"inferd/internal/orchestrator"
	"inferd/pkg/types"
)

// HardwareHints describes the local machine as seen by a hint provider:
// which backend to prefer and what capacity-shaped defaults to derive from.
type HardwareHints struct {
	BackendID   string
	GPULayers   int
	Threads     int
	BatchSize   int
	ContextSize int
	VRAMMB      int
}

// HintProvider supplies hardware hints. Injected so tests and callers with
// real probing (nvml, sysfs) can replace the default heuristic.
type HintProvider interface {
	Hints() HardwareHints
}

// machineHints is the default provider: CPU count from the runtime and the
// catalog's recommended backend. Any accelerator backend gets full GPU
// offload (-1 = all layers).
type machineHints struct {
	catalog *backend.Catalog
}

// NewMachineHints builds the default hint provider over a backend catalog.
func NewMachineHints(c *backend.Catalog) HintProvider {
	return &machineHints{catalog: c}
}

func (m *machineHints) Hints() HardwareHints {
	h := HardwareHints{
		Threads:     runtime.NumCPU(),
		ContextSize: 4096,
		BatchSize:   512,
	}
	rec, ok := m.catalog.Preferred()
	if !ok {
		return h
	}
	h.BackendID = rec.ID
	if rec.RequiresGPU {
		h.GPULayers = -1
	}
	return h
}

// DeriveConfig merges hardware hints with per-request overrides into a server
// configuration. Pure: no probing, no I/O. Explicit overrides always win,
// including an explicit zero for gpu_layers.
func DeriveConfig(h HardwareHints, req types.LoadRequest) (orchestrator.ServerConfig, string) {
	cfg := orchestrator.ServerConfig{
		ContextSize: h.ContextSize,
		GPULayers:   h.GPULayers,
		Threads:     h.Threads,
		BatchSize:   h.BatchSize,
	}
	if req.ContextSize > 0 {
		cfg.ContextSize = req.ContextSize
	}
	if req.GPULayers != nil {
		cfg.GPULayers = *req.GPULayers
	}
	if req.Threads > 0 {
		cfg.Threads = req.Threads
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.Parallel > 0 {
		cfg.Parallel = req.Parallel
	}
	backendID := h.BackendID
	if req.Backend != "" {
		backendID = req.Backend
	}
	return cfg, backendID
}
