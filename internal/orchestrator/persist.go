package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// serverTable is the on-disk shape of the persisted instance registry.
type serverTable struct {
	Servers map[string]*ServerInstance `json:"servers"`
}

// stateFile persists the server table across daemon restarts so orphaned
// processes can be cleaned up on the next start.
type stateFile struct {
	path string
}

func newStateFile(path string) *stateFile { return &stateFile{path: path} }

// Load reads the persisted table. A missing file yields an empty table.
func (s *stateFile) Load() (map[string]*ServerInstance, error) {
	if s.path == "" {
		return map[string]*ServerInstance{}, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*ServerInstance{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var t serverTable
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if t.Servers == nil {
		t.Servers = map[string]*ServerInstance{}
	}
	return t.Servers, nil
}

// Save atomically rewrites the table (temp file + rename).
func (s *stateFile) Save(servers map[string]*ServerInstance) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(serverTable{Servers: servers}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Clear empties the persisted table.
func (s *stateFile) Clear() error {
	return s.Save(map[string]*ServerInstance{})
}
