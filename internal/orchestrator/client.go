package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"inferd/pkg/types"
)

// Per-operation timeouts: seconds for probes and tokenize, minutes for
// generation which can legitimately run long.
const (
	healthTimeout   = 2 * time.Second
	quickTimeout    = 10 * time.Second
	generateTimeout = 5 * time.Minute
)

// InstanceClient talks to one running llama-server over HTTP. All failures
// come back as structured transport errors, never panics; timeouts are
// context-based per operation.
type InstanceClient struct {
	baseURL string
	http    *http.Client
}

// NewInstanceClient constructs a client for the given base URL.
func NewInstanceClient(baseURL string) *InstanceClient {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	// Timeout stays 0: every call carries a context deadline instead.
	return &InstanceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: tr, Timeout: 0},
	}
}

// Client returns an HTTP client for a tracked instance.
func (o *Orchestrator) Client(modelID string) (*InstanceClient, error) {
	o.mu.Lock()
	inst := o.instances[modelID]
	o.mu.Unlock()
	if inst == nil {
		return nil, ErrInstanceNotFound(modelID)
	}
	return NewInstanceClient(inst.BaseURL()), nil
}

// Health probes GET /health.
func (c *InstanceClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errTransport("health", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errTransport("health", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errTransport("health", fmt.Errorf("status %s", resp.Status))
	}
	return nil
}

// Info passes through GET /info.
func (c *InstanceClient) Info(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, quickTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return nil, errTransport("info", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errTransport("info", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errTransport("info", fmt.Errorf("status %s", resp.Status))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errTransport("info", err)
	}
	return json.RawMessage(b), nil
}

// Metrics passes through the Prometheus text exposition of GET /metrics.
func (c *InstanceClient) Metrics(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, quickTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", nil)
	if err != nil {
		return "", errTransport("metrics", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errTransport("metrics", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errTransport("metrics", fmt.Errorf("status %s", resp.Status))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errTransport("metrics", err)
	}
	return string(b), nil
}

// TokenizeCount counts tokens via POST /tokenize. Servers without a tokenize
// endpoint get a length/4 heuristic, flagged as an estimate.
func (c *InstanceClient) TokenizeCount(ctx context.Context, content string) (types.TokenCount, error) {
	ctx, cancel := context.WithTimeout(ctx, quickTimeout)
	defer cancel()
	body, _ := json.Marshal(types.TokenizeRequest{Content: content})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return types.TokenCount{}, errTransport("tokenize", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return types.TokenCount{}, errTransport("tokenize", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return types.TokenCount{Count: len(content) / 4, Estimated: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.TokenCount{}, errTransport("tokenize", fmt.Errorf("status %s", resp.Status))
	}
	var out types.TokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.TokenCount{}, errTransport("tokenize", err)
	}
	return types.TokenCount{Count: len(out.Tokens)}, nil
}

// postJSON posts a JSON payload and decodes a JSON response.
func (c *InstanceClient) postJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errTransport(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errTransport(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errTransport(op, ctx.Err())
		}
		return errTransport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errTransport(op, fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(b))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errTransport(op, err)
	}
	return nil
}
