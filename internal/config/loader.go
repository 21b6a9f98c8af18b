package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr            string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir       string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	BackendsDir     string `json:"backends_dir" yaml:"backends_dir" toml:"backends_dir"`
	StateFile       string `json:"state_file" yaml:"state_file" toml:"state_file"`
	DefaultModel    string `json:"default_model" yaml:"default_model" toml:"default_model"`
	PortRangeStart  int    `json:"port_range_start" yaml:"port_range_start" toml:"port_range_start"`
	PortRangeEnd    int    `json:"port_range_end" yaml:"port_range_end" toml:"port_range_end"`
	StartTimeoutSec int    `json:"start_timeout_sec" yaml:"start_timeout_sec" toml:"start_timeout_sec"`
	// URL template for backend archive downloads; %s is replaced with the backend id.
	BackendURL string `json:"backend_url" yaml:"backend_url" toml:"backend_url"`
	// Transport mode for loaded models: server (default), process or library.
	Mode string `json:"mode" yaml:"mode" toml:"mode"`
	// Worker executable for process mode.
	WorkerBin string `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin"`
	// CORS origins allowed on the HTTP API; empty disables cross-origin access.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
