package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Minimal stand-in for llama-server used by orchestrator tests. Accepts the
// real server's argv (unknown flags are ignored) and speaks just enough of
// its HTTP surface. Behavior toggles come from the environment:
//
//	FAKE_EXIT_EARLY=1  write to stderr and exit 1 before listening
//	FAKE_NEVER_READY=1 listen but fail every /health probe
//	FAKE_NO_TOKENIZE=1 serve 404 on /tokenize
func main() {
	host, port := "127.0.0.1", "0"
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--host":
			if i+1 < len(args) {
				host = args[i+1]
			}
		case "--port":
			if i+1 < len(args) {
				port = args[i+1]
			}
		}
	}

	if os.Getenv("FAKE_EXIT_EARLY") == "1" {
		fmt.Fprintln(os.Stderr, "error: failed to load model: out of memory")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("FAKE_NEVER_READY") == "1" {
			http.Error(w, `{"error":"loading model"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"build":"fake","n_ctx":4096}`))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte("llamacpp_requests_total 1\n"))
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"fake","object":"model"}]}`))
	})
	if os.Getenv("FAKE_NO_TOKENIZE") != "1" {
		mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
			var in struct {
				Content string `json:"content"`
			}
			_ = json.NewDecoder(r.Body).Decode(&in)
			tokens := make([]int, len(strings.Fields(in.Content)))
			_ = json.NewEncoder(w).Encode(map[string]any{"tokens": tokens})
		})
	}
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-fake", "object": "text_completion", "created": time.Now().Unix(), "model": "fake",
			"choices": []map[string]any{{"index": 0, "text": "echo: " + in.Prompt, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5},
		})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		last := ""
		if n := len(in.Messages); n > 0 {
			last = in.Messages[n-1].Content
		}
		if !in.Stream {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "chat-fake", "object": "chat.completion", "created": time.Now().Unix(), "model": "fake",
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": "echo: " + last},
					"finish_reason": "stop",
				}},
				"usage": map[string]int{"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f, _ := w.(http.Flusher)
		for _, frag := range []string{"echo: ", last} {
			chunk := map[string]any{
				"id": "chat-fake", "object": "chat.completion.chunk", "created": time.Now().Unix(), "model": "fake",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": frag}}},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			if f != nil {
				f.Flush()
			}
		}
		fmt.Fprintf(w, "data: {\"id\":\"chat-fake\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		if f != nil {
			f.Flush()
		}
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list", "model": "fake",
			"data":  []map[string]any{{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
			"usage": map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	})

	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("fake server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
