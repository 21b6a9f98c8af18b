package orchestrator

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of one server instance.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
)

// ServerInstance is the orchestrator's record of one live llama-server
// process. One per modelId; owned exclusively by the Orchestrator.
type ServerInstance struct {
	ModelID     string    `json:"model_id"`
	ModelPath   string    `json:"model_path"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	Status      Status    `json:"status"`
	BackendID   string    `json:"backend_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ContextSize int       `json:"context_size"`
	GPULayers   int       `json:"gpu_layers"`

	lastProbe time.Time
}

// BaseURL is the HTTP root of the instance.
func (s *ServerInstance) BaseURL() string {
	return "http://" + s.Host + ":" + strconv.Itoa(s.Port)
}
