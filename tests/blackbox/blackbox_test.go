package blackbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	cleanup := func() { _ = ln.Close() }
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port, cleanup
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	bbDir := filepath.Dir(thisFile)
	return filepath.Dir(filepath.Dir(bbDir))
}

func buildBinary(t *testing.T, name, pkg string) string {
	t.Helper()
	root := projectRootFromThisFile(t)
	binPath := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", binPath, pkg)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, string(out))
	}
	return binPath
}

// installFakeBackend builds the fake llama-server used by the orchestrator
// tests and installs it as the cpu backend under a fresh install root.
func installFakeBackend(t *testing.T) string {
	t.Helper()
	fake := buildBinary(t, "fake_llama_server", "./internal/orchestrator/testdata/fake_llama_server.go")
	root := t.TempDir()
	dir := filepath.Join(root, "cpu")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(fake)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "llama-server"), data, 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	return dir
}

type daemon struct {
	cmd  *exec.Cmd
	base string
}

type daemonOpts struct {
	modelsDir    string
	backendsDir  string
	defaultModel string
	portStart    int
	portEnd      int
}

func startDaemon(t *testing.T, bin string, o daemonOpts) *daemon {
	t.Helper()
	port, release := findFreePort(t)
	release()
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := []string{
		"serve",
		"--addr", fmt.Sprintf(":%d", port),
		"--models-dir", o.modelsDir,
		"--backends-dir", o.backendsDir,
		"--state-file", filepath.Join(t.TempDir(), "instances.json"),
		"--log-format", "console",
	}
	if o.defaultModel != "" {
		args = append(args, "--default-model", o.defaultModel)
	}
	if o.portStart != 0 {
		args = append(args,
			"--port-range-start", fmt.Sprint(o.portStart),
			"--port-range-end", fmt.Sprint(o.portEnd))
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			t.Fatalf("daemon did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return &daemon{cmd: cmd, base: base}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	bin := buildBinary(t, "inferd", "./cmd/inferd")
	backendsDir := installFakeBackend(t)
	modelsDir := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	d := startDaemon(t, bin, daemonOpts{
		modelsDir:    modelsDir,
		backendsDir:  backendsDir,
		defaultModel: "alpha.gguf",
		portStart:    32500,
		portEnd:      32540,
	})

	// /models
	resp, body := get(t, d.base+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, string(body))
	}
	var modelsResp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		t.Fatalf("/models json: %v body=%s", err, string(body))
	}
	if len(modelsResp.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(modelsResp.Models))
	}

	// /backends shows the installed cpu backend
	resp, body = get(t, d.base+"/backends")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/backends %d %s", resp.StatusCode, string(body))
	}
	if !bytes.Contains(body, []byte(`"id":"cpu"`)) || !bytes.Contains(body, []byte(`"installed":true`)) {
		t.Fatalf("/backends missing installed cpu: %s", string(body))
	}

	// /readyz is 200 once a backend is installed
	resp, body = get(t, d.base+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, string(body))
	}

	// Load the default model explicitly
	resp, body = postJSON(t, d.base+"/models/alpha.gguf/load", []byte(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load %d %s", resp.StatusCode, string(body))
	}
	var loaded struct {
		ModelID string `json:"model_id"`
		Mode    string `json:"mode"`
		Port    int    `json:"port"`
		PID     int    `json:"pid"`
	}
	if err := json.Unmarshal(body, &loaded); err != nil {
		t.Fatalf("load json: %v body=%s", err, string(body))
	}
	if loaded.ModelID != "alpha.gguf" || loaded.Mode != "server" {
		t.Fatalf("unexpected load response: %+v", loaded)
	}
	if loaded.Port < 32500 || loaded.Port > 32540 || loaded.PID == 0 {
		t.Fatalf("expected spawned server port/pid, got %+v", loaded)
	}

	// Completion against the loaded default model
	resp, body = postJSON(t, d.base+"/v1/completions", []byte(`{"prompt":"hello"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completions %d %s", resp.StatusCode, string(body))
	}
	var comp struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &comp); err != nil {
		t.Fatalf("completions json: %v body=%s", err, string(body))
	}
	if len(comp.Choices) != 1 || comp.Choices[0].Text != "echo: hello" {
		t.Fatalf("unexpected completion: %s", string(body))
	}

	// Sync chat
	resp, body = postJSON(t, d.base+"/v1/chat/completions",
		[]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat %d %s", resp.StatusCode, string(body))
	}
	if !bytes.Contains(body, []byte("echo: hi")) {
		t.Fatalf("unexpected chat response: %s", string(body))
	}

	// Streaming chat over SSE: deltas assemble to the echoed content and the
	// stream ends with the sentinel.
	assembled, raw := streamChat(t, d.base, `{"stream":true,"messages":[{"role":"user","content":"stream me"}]}`)
	if assembled != "echo: stream me" {
		t.Fatalf("assembled stream = %q, want %q (raw: %q)", assembled, "echo: stream me", raw)
	}
	if !strings.Contains(raw, "[DONE]") {
		t.Fatalf("stream missing terminal sentinel: %q", raw)
	}

	// Tokenize proxies to the spawned server
	resp, body = postJSON(t, d.base+"/tokenize", []byte(`{"content":"one two three"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tokenize %d %s", resp.StatusCode, string(body))
	}
	var tok struct {
		Count     int  `json:"count"`
		Estimated bool `json:"estimated"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		t.Fatalf("tokenize json: %v body=%s", err, string(body))
	}
	if tok.Count != 3 || tok.Estimated {
		t.Fatalf("unexpected tokenize response: %+v", tok)
	}

	// /status reflects the loaded model
	resp, body = get(t, d.base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, string(body))
	}
	var status struct {
		Models []struct {
			ModelID  string `json:"model_id"`
			State    string `json:"state"`
			Requests uint64 `json:"requests"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("/status json: %v body=%s", err, string(body))
	}
	if len(status.Models) != 1 || status.Models[0].ModelID != "alpha.gguf" {
		t.Fatalf("unexpected status: %s", string(body))
	}
	if status.Models[0].Requests == 0 {
		t.Fatalf("expected request counter > 0: %s", string(body))
	}

	// Session flow: create, send, inspect transcript, delete
	resp, body = postJSON(t, d.base+"/sessions", []byte(`{"model":"alpha.gguf"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("session create %d %s", resp.StatusCode, string(body))
	}
	var sess struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &sess); err != nil || sess.ID == "" {
		t.Fatalf("session json: %v body=%s", err, string(body))
	}
	resp, body = postJSON(t, d.base+"/sessions/"+sess.ID+"/messages", []byte(`{"content":"hello session"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session message %d %s", resp.StatusCode, string(body))
	}
	resp, body = get(t, d.base+"/sessions/"+sess.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session get %d %s", resp.StatusCode, string(body))
	}
	var info struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("session get json: %v body=%s", err, string(body))
	}
	if len(info.Messages) != 2 {
		t.Fatalf("expected user+assistant turns, got %d: %s", len(info.Messages), string(body))
	}

	// Unload stops the spawned server
	resp, body = postJSON(t, d.base+"/models/alpha.gguf/unload", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unload %d %s", resp.StatusCode, string(body))
	}
	resp, body = get(t, d.base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status after unload %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"models":[]`)) {
		t.Fatalf("expected no loaded models after unload: %s", string(body))
	}
}

// streamChat posts a streaming chat request and returns the assembled delta
// content plus the raw SSE body.
func streamChat(t *testing.T, base, payload string) (string, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		base+"/v1/chat/completions", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("stream %d %s", resp.StatusCode, string(b))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("stream content-type = %s", ct)
	}
	var raw, assembled strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		raw.WriteString(line)
		raw.WriteString("\n")
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		for _, c := range chunk.Choices {
			assembled.WriteString(c.Delta.Content)
		}
	}
	return assembled.String(), raw.String()
}

func TestBlackbox_DeadServerRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	bin := buildBinary(t, "inferd", "./cmd/inferd")
	backendsDir := installFakeBackend(t)
	modelsDir := createTempModelsDir(t, "alpha.gguf")
	d := startDaemon(t, bin, daemonOpts{
		modelsDir:    modelsDir,
		backendsDir:  backendsDir,
		defaultModel: "alpha.gguf",
		portStart:    32570,
		portEnd:      32580,
	})

	resp, body := postJSON(t, d.base+"/models/alpha.gguf/load", []byte(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load %d %s", resp.StatusCode, string(body))
	}
	var loaded struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(body, &loaded); err != nil || loaded.PID == 0 {
		t.Fatalf("load json: %v body=%s", err, string(body))
	}

	// Kill the spawned server behind the daemon's back.
	proc, err := os.FindProcess(loaded.PID)
	if err != nil {
		t.Fatalf("find process: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("kill spawned server: %v", err)
	}

	// Status probes the instance, so the death must surface, not report
	// running forever.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body = get(t, d.base+"/status")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("/status %d %s", resp.StatusCode, string(body))
		}
		var status struct {
			Models []struct {
				State string `json:"state"`
			} `json:"models"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			t.Fatalf("/status json: %v body=%s", err, string(body))
		}
		if len(status.Models) == 1 && status.Models[0].State != "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("death never surfaced in /status: %s", string(body))
		}
		time.Sleep(100 * time.Millisecond)
	}

	// A fresh load must respawn rather than hand back the dead instance.
	resp, body = postJSON(t, d.base+"/models/alpha.gguf/load", []byte(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload %d %s", resp.StatusCode, string(body))
	}
	var reloaded struct {
		PID   int    `json:"pid"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &reloaded); err != nil {
		t.Fatalf("reload json: %v body=%s", err, string(body))
	}
	if reloaded.PID == 0 || reloaded.PID == loaded.PID {
		t.Fatalf("expected a respawned server, old pid %d, got %+v", loaded.PID, reloaded)
	}
	if reloaded.State != "running" {
		t.Fatalf("reloaded state = %q, want running", reloaded.State)
	}

	resp, body = postJSON(t, d.base+"/v1/completions", []byte(`{"prompt":"back"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completion after recovery %d %s", resp.StatusCode, string(body))
	}
	if !bytes.Contains(body, []byte("echo: back")) {
		t.Fatalf("unexpected completion after recovery: %s", string(body))
	}
}

func TestBlackbox_CompletionUnknownModel404(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	bin := buildBinary(t, "inferd", "./cmd/inferd")
	backendsDir := installFakeBackend(t)
	modelsDir := createTempModelsDir(t, "alpha.gguf")
	d := startDaemon(t, bin, daemonOpts{
		modelsDir:   modelsDir,
		backendsDir: backendsDir,
		portStart:   32550,
		portEnd:     32560,
	})

	resp, body := postJSON(t, d.base+"/v1/completions", []byte(`{"model":"missing.gguf","prompt":"hi"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", resp.StatusCode, string(body))
	}
	var e struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Code != http.StatusNotFound {
		t.Fatalf("unexpected error payload: %s", string(body))
	}
}

func TestBlackbox_ReadyzWithoutBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subprocess test in short mode")
	}
	bin := buildBinary(t, "inferd", "./cmd/inferd")
	modelsDir := createTempModelsDir(t, "alpha.gguf")
	d := startDaemon(t, bin, daemonOpts{
		modelsDir:   modelsDir,
		backendsDir: t.TempDir(),
	})

	resp, body := get(t, d.base+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", resp.StatusCode, string(body))
	}

	// Loading anything fails with 503 while no backend is installed.
	resp, body = postJSON(t, d.base+"/models/alpha.gguf/load", []byte(`{}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body=%s", resp.StatusCode, string(body))
	}
}
