package backend

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// serverBinary is the executable name expected inside each backend directory.
const serverBinary = "llama-server"

// known lists every backend this build understands, in no particular order.
// Installed state is filled in by Refresh.
var known = []types.Backend{
	{ID: "cpu", DisplayName: "CPU", RequiresGPU: false},
	{ID: "cuda", DisplayName: "NVIDIA CUDA", RequiresGPU: true},
	{ID: "vulkan", DisplayName: "Vulkan", RequiresGPU: true},
	{ID: "hip", DisplayName: "AMD ROCm/HIP", RequiresGPU: true},
	{ID: "metal", DisplayName: "Apple Metal", RequiresGPU: true},
}

// Catalog resolves acceleration backends to server executables installed
// under a single root directory (<root>/<backendID>/llama-server).
type Catalog struct {
	mu          sync.RWMutex
	root        string
	urlTemplate string
	log         zerolog.Logger
	installed   map[string]types.Backend
	client      httpDoer
}

// New constructs a Catalog over the given install root. urlTemplate is the
// download location for backend archives; %s is replaced with the backend id.
func New(root, urlTemplate string, log zerolog.Logger) (*Catalog, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		root:        base,
		urlTemplate: urlTemplate,
		log:         log,
		installed:   map[string]types.Backend{},
		client:      defaultDownloadClient(),
	}
	c.Refresh()
	return c, nil
}

// Refresh rescans the install root. Missing root is not an error: nothing is
// installed yet.
func (c *Catalog) Refresh() {
	found := map[string]types.Backend{}
	for _, b := range known {
		dir := filepath.Join(c.root, b.ID)
		exe := filepath.Join(dir, exeName())
		if !fsutil.IsRegularFile(exe) {
			continue
		}
		installed := b
		installed.Installed = true
		installed.InstallPath = dir
		if v, err := os.ReadFile(filepath.Join(dir, "version.txt")); err == nil {
			installed.InstalledVersion = strings.TrimSpace(string(v))
		}
		found[b.ID] = installed
	}
	c.mu.Lock()
	c.installed = found
	c.mu.Unlock()
}

// ListAvailable returns every backend this build understands, with installed
// state filled in.
func (c *Catalog) ListAvailable() []types.Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Backend, 0, len(known))
	for _, b := range known {
		if inst, ok := c.installed[b.ID]; ok {
			out = append(out, inst)
			continue
		}
		out = append(out, b)
	}
	return out
}

// ListInstalled returns only backends with a server executable on disk.
func (c *Catalog) ListInstalled() []types.Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Backend, 0, len(c.installed))
	for _, b := range known {
		if inst, ok := c.installed[b.ID]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// ServerExecutable resolves a backend id to the path of its server executable.
// An empty id picks the preferred installed backend. Absence is reported via
// ok=false, never as an error: callers must handle it explicitly.
func (c *Catalog) ServerExecutable(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		for _, cand := range Recommended() {
			if b, ok := c.installed[cand]; ok {
				return filepath.Join(b.InstallPath, exeName()), true
			}
		}
		return "", false
	}
	b, ok := c.installed[id]
	if !ok {
		return "", false
	}
	return filepath.Join(b.InstallPath, exeName()), true
}

// LibraryDir returns the directory holding the backend's shared libraries, to
// be appended to the dynamic-linker search path of spawned processes, and
// whether the backend is installed.
func (c *Catalog) LibraryDir(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.installed[id]
	if !ok {
		return "", false
	}
	return b.InstallPath, true
}

// Recommended returns backend ids in platform priority order.
func Recommended() []string {
	return recommendedFor(runtime.GOOS)
}

func recommendedFor(goos string) []string {
	if goos == "darwin" {
		return []string{"metal", "cpu"}
	}
	return []string{"cuda", "vulkan", "hip", "cpu"}
}

// Preferred returns the first installed backend in recommendation order.
func (c *Catalog) Preferred() (types.Backend, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cand := range Recommended() {
		if b, ok := c.installed[cand]; ok {
			return b, true
		}
	}
	return types.Backend{}, false
}

// Uninstall removes a backend's install directory and rescans.
func (c *Catalog) Uninstall(id string) error {
	dir := filepath.Join(c.root, id)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	c.log.Info().Str("backend", id).Msg("backend uninstalled")
	c.Refresh()
	return nil
}

func exeName() string {
	if runtime.GOOS == "windows" {
		return serverBinary + ".exe"
	}
	return serverBinary
}
