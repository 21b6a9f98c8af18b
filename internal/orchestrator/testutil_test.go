package orchestrator

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
)

// buildTestBinary compiles the fake llama server used for subprocess tests
// and returns its path. The binary is shared across subtests via the test
// temp dir.
func buildTestBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake_llama_server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_llama_server.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, string(out))
	}
	return bin
}

// newTestCatalog installs the fake server binary as the cpu backend under a
// temp root and returns a catalog over it.
func newTestCatalog(t *testing.T, bin string) *backend.Catalog {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "cpu")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src, err := os.ReadFile(bin)
	if err != nil {
		t.Fatalf("read fake server: %v", err)
	}
	exe := filepath.Join(dir, "llama-server")
	if err := os.WriteFile(exe, src, 0o755); err != nil {
		t.Fatalf("install fake server: %v", err)
	}
	cat, err := backend.New(root, "http://invalid.localhost/%s.bin", zerolog.Nop())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	return cat
}

// writeModelFile creates a small gguf placeholder and returns its path.
func writeModelFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("gguf-test"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func newTestOrchestrator(t *testing.T, cat *backend.Catalog, portStart, portEnd int) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Catalog:       cat,
		StateFile:     filepath.Join(t.TempDir(), "servers.json"),
		PortStart:     portStart,
		PortEnd:       portEnd,
		ProbeInterval: 25 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.StopAll)
	return o
}
