package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// Registry maps model ids to files on disk. It is the local-model collaborator
// consumed by the inference facade.
type Registry struct {
	models []types.Model
	byID   map[string]types.Model
}

// LoadDir scans a directory for *.gguf files and builds a registry from filenames.
// ID is the full filename (including extension); Path is the absolute file path.
func LoadDir(dir string) (*Registry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	r := &Registry{byID: make(map[string]types.Model)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		m := types.Model{ID: name, Name: name, Path: filepath.Join(abs, name)}
		r.models = append(r.models, m)
		r.byID[m.ID] = m
	}
	return r, nil
}

// List returns a copy of all known models.
func (r *Registry) List() []types.Model {
	out := make([]types.Model, len(r.models))
	copy(out, r.models)
	return out
}

// Lookup resolves a model id to its on-disk entry.
func (r *Registry) Lookup(id string) (types.Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}
