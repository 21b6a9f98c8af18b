package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/infer"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

const defaultMaxBodyBytes = 1 << 20

// Options wires the HTTP layer. Everything is injected; the package holds no
// mutable globals.
type Options struct {
	Facade       *infer.Facade
	Sessions     *infer.Sessions
	Registry     *registry.Registry
	Catalog      *backend.Catalog
	Logger       zerolog.Logger
	MaxBodyBytes int64
	// AllowedOrigins for CORS; empty disables cross-origin access.
	AllowedOrigins []string
}

// Server is the thin HTTP surface over the inference facade. All semantics
// live below it.
type Server struct {
	facade   *infer.Facade
	sessions *infer.Sessions
	reg      *registry.Registry
	catalog  *backend.Catalog
	log      zerolog.Logger
	maxBody  int64
	origins  []string
}

// New constructs a Server.
func New(opts Options) *Server {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Server{
		facade:   opts.Facade,
		sessions: opts.Sessions,
		reg:      opts.Registry,
		catalog:  opts.Catalog,
		log:      opts.Logger,
		maxBody:  maxBody,
		origins:  opts.AllowedOrigins,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/status", s.handleStatus)
	r.Get("/backends", s.handleBackends)
	r.Get("/models", s.handleModels)
	r.Post("/models/{id}/load", s.handleLoad)
	r.Post("/models/{id}/unload", s.handleUnload)

	r.Post("/v1/completions", s.handleCompletions)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/tokenize", s.handleTokenize)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleSessionCreate)
		r.Get("/", s.handleSessionList)
		r.Get("/{id}", s.handleSessionGet)
		r.Delete("/{id}", s.handleSessionDelete)
		r.Post("/{id}/messages", s.handleSessionMessage)
	})

	MountSwagger(r)
	return r
}

// decodeJSON enforces content type and the body cap, then decodes into out.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing to do but note it in the status recorder.
		return
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.catalog.Preferred(); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no backend installed"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.Status(r.Context()))
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	s.catalog.Refresh()
	writeJSON(w, http.StatusOK, types.BackendsResponse{Backends: s.catalog.ListAvailable()})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.reg.List()})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")
	var req types.LoadRequest
	// The body is optional; defaults apply when absent.
	if r.ContentLength > 0 {
		if !s.decodeJSON(w, r, &req) {
			return
		}
	}
	start := time.Now()
	lm, err := s.facade.Load(r.Context(), modelID, req)
	if err != nil {
		s.log.Warn().Err(err).Str("model", modelID).Msg("load failed")
		writeDomainError(w, err)
		return
	}
	s.log.Info().Str("model", modelID).Str("backend", lm.BackendID).
		Dur("took", time.Since(start)).Msg("load ok")
	for _, st := range s.facade.Status(r.Context()).Models {
		if st.ModelID == modelID {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, types.LoadedModelStatus{ModelID: modelID, Mode: lm.Mode, Backend: lm.BackendID})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")
	if err := s.facade.Unload(r.Context(), modelID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Stream {
		writeJSONError(w, http.StatusBadRequest, "streaming is only supported on /v1/chat/completions")
		return
	}
	resp, err := s.facade.Complete(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatCompletionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if !req.Stream {
		resp, err := s.facade.Chat(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	stream, err := s.facade.ChatStream(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.pipeSSE(w, r, stream)
}

// pipeSSE relays a chunk stream to the client as Server-Sent Events,
// terminated by the [DONE] sentinel.
func (s *Server) pipeSSE(w http.ResponseWriter, r *http.Request, stream infer.ChunkStream) {
	defer stream.Close()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			// Mid-stream failure: the SSE contract has no error frame, so the
			// connection just ends without the sentinel.
			s.log.Warn().Err(err).Msg("stream aborted")
			return
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			s.log.Error().Err(err).Msg("chunk marshal failed")
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		writeJSONError(w, http.StatusBadRequest, "input is required")
		return
	}
	resp, err := s.facade.Embeddings(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model   string `json:"model,omitempty"`
		Content string `json:"content"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	tc, err := s.facade.TokenizeCount(r.Context(), req.Model, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req types.SessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	info, err := s.sessions.Create(req.Model, req.SystemPrompt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]types.SessionInfo{"sessions": s.sessions.List()})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req types.SendMessageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Stream {
		stream, err := s.sessions.SendMessageStream(r.Context(), id, req.Content)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.pipeSSE(w, r, stream)
		return
	}
	reply, err := s.sessions.SendMessage(r.Context(), id, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
