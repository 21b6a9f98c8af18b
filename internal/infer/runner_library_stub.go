//go:build !llama

package infer

import (
	"inferd/internal/orchestrator"
)

// This file provides a no-CGO stub for library mode. It is compiled when the
// 'llama' build tag is NOT set, keeping default builds and CI CGO-free. The
// real runner lives in runner_library.go (tagged 'llama').

var llamaBuilt = false

func newLibraryRunner(modelID, modelPath string, cfg orchestrator.ServerConfig) (runner, error) {
	// Fail fast: in-process inference not available in this build.
	return nil, ErrRuntimeUnavailable("library mode not built (missing 'llama' build tag)")
}
