package infer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"inferd/pkg/types"
)

// processRunner drives a legacy inference worker over its stdio: one JSON
// request per line on stdin, one JSON response per line on stdout. The worker
// exposes no HTTP surface, so health is "the pipe still answers". Requests
// are strictly serialized on the pipe.
type processRunner struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Reader

	// dead latches once the pipe breaks; the worker has no health endpoint,
	// so a broken pipe is the only death signal available.
	dead atomic.Bool
}

// wire envelopes for the stdio protocol.
type procRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

type procResponse struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func newProcessRunner(workerBin, modelPath string) (*processRunner, error) {
	if workerBin == "" {
		return nil, ErrRuntimeUnavailable("process mode requires a worker binary")
	}
	cmd := exec.Command(workerBin, "--model", modelPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &processRunner{
		cmd:   cmd,
		stdin: stdin,
		out:   bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

func (r *processRunner) Mode() string { return ModeProcess }

func (r *processRunner) alive(ctx context.Context) bool { return !r.dead.Load() }

// roundTrip writes one request line and reads one response line. A context
// cancellation mid-read abandons the pipe, so the worker is killed to keep
// the protocol from desynchronizing.
func (r *processRunner) roundTrip(ctx context.Context, op string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	line, err := json.Marshal(procRequest{Op: op, Payload: payload})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.stdin.Write(append(line, '\n')); err != nil {
		r.dead.Store(true)
		return fmt.Errorf("write to worker: %w", err)
	}

	type read struct {
		line []byte
		err  error
	}
	ch := make(chan read, 1)
	go func() {
		l, err := r.out.ReadBytes('\n')
		ch <- read{line: l, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = r.cmd.Process.Kill()
		r.dead.Store(true)
		return ctx.Err()
	case got := <-ch:
		if got.err != nil {
			r.dead.Store(true)
			return fmt.Errorf("read from worker: %w", got.err)
		}
		var resp procResponse
		if err := json.Unmarshal(got.line, &resp); err != nil {
			return fmt.Errorf("bad worker response: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("worker: %s", resp.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (r *processRunner) Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	req.Stream = false
	var out types.CompletionResponse
	if err := r.roundTrip(ctx, "completion", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *processRunner) Chat(ctx context.Context, req types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	req.Stream = false
	var out types.ChatCompletionResponse
	if err := r.roundTrip(ctx, "chat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream is emulated: the worker protocol has no incremental responses,
// so the full reply comes back as a single chunk.
func (r *processRunner) ChatStream(ctx context.Context, req types.ChatCompletionRequest) (ChunkStream, error) {
	resp, err := r.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return newSingleChunkStream(resp), nil
}

func (r *processRunner) Embeddings(ctx context.Context, req types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	var out types.EmbeddingsResponse
	if err := r.roundTrip(ctx, "embeddings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *processRunner) TokenizeCount(ctx context.Context, content string) (types.TokenCount, error) {
	var out types.TokenizeResponse
	if err := r.roundTrip(ctx, "tokenize", types.TokenizeRequest{Content: content}, &out); err != nil {
		// Older workers predate the tokenize op; estimate instead.
		return types.TokenCount{Count: len(content) / 4, Estimated: true}, nil
	}
	return types.TokenCount{Count: len(out.Tokens)}, nil
}

func (r *processRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- r.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(3 * time.Second):
		_ = r.cmd.Process.Kill()
		<-done
		return nil
	}
}
