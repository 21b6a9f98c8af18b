package types

// LoadRequest carries optional runtime overrides for POST /models/{id}/load.
// Unset fields fall back to hardware-derived defaults.
type LoadRequest struct {
	// Backend to run the model on; empty picks the recommended installed backend.
	// example: cuda
	Backend string `json:"backend,omitempty" example:"cuda"`
	// Context window size in tokens.
	// example: 4096
	ContextSize int `json:"context_size,omitempty" example:"4096"`
	// Layers to offload to the GPU; -1 offloads all.
	// example: -1
	GPULayers *int `json:"gpu_layers,omitempty" example:"-1"`
	// Worker threads for the server process.
	// example: 8
	Threads int `json:"threads,omitempty" example:"8"`
	// Logical batch size.
	// example: 512
	BatchSize int `json:"batch_size,omitempty" example:"512"`
	// Concurrent request slots on the server.
	// example: 1
	Parallel int `json:"parallel,omitempty" example:"1"`
}

// LoadedModelStatus summarizes one loaded model for GET /status.
type LoadedModelStatus struct {
	// ID of the loaded model.
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// Transport the model was loaded with (server, process, library).
	// example: server
	Mode string `json:"mode" example:"server"`
	// Backend serving the model.
	// example: cuda
	Backend string `json:"backend,omitempty" example:"cuda"`
	// Lifecycle state of the backing server instance.
	// example: running
	State string `json:"state" example:"running"`
	// TCP port of the backing server process, when server-backed.
	// example: 8081
	Port int `json:"port,omitempty" example:"8081"`
	// Process ID of the backing server process.
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// Unix time the model was loaded.
	// example: 1700000000
	LoadedAtUnix int64 `json:"loaded_at_unix" example:"1700000000"`
	// Requests served since load.
	// example: 12
	Requests uint64 `json:"requests" example:"12"`
	// Completion tokens generated since load.
	// example: 2048
	TokensGenerated uint64 `json:"tokens_generated" example:"2048"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Loaded models and their backing instances.
	Models []LoadedModelStatus `json:"models"`
	// Uptime of the daemon in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// BackendsResponse wraps the list returned by GET /backends.
type BackendsResponse struct {
	Backends []Backend `json:"backends"`
}

// SessionRequest creates a chat session.
type SessionRequest struct {
	// Model the session is bound to.
	// example: tinyllama-q4
	Model string `json:"model" example:"tinyllama-q4"`
	// Optional system prompt prepended to every exchange.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SessionInfo is the JSON view of a chat session.
type SessionInfo struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Messages     []ChatMessage `json:"messages"`
	CreatedAt    int64         `json:"created_at_unix"`
	LastActivity int64         `json:"last_activity_unix"`
}

// SendMessageRequest appends a user turn to a session and asks for a reply.
type SendMessageRequest struct {
	Content string `json:"content"`
	// If true, stream the assistant reply as SSE.
	Stream bool `json:"stream,omitempty"`
}
