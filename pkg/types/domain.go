package types

import "time"

// Backend describes a build of the native inference server targeting a
// specific acceleration technology (CPU, CUDA, Vulkan, Metal, ROCm/HIP).
type Backend struct {
	// Stable identifier for the backend.
	// example: cuda
	ID string `json:"id" example:"cuda"`
	// Human-friendly name.
	// example: NVIDIA CUDA
	DisplayName string `json:"display_name" example:"NVIDIA CUDA"`
	// Whether this backend needs a GPU to be useful.
	// example: true
	RequiresGPU bool `json:"requires_gpu" example:"true"`
	// Whether a server executable for this backend is present on disk.
	// example: true
	Installed bool `json:"installed" example:"true"`
	// Version string reported by the installed build, if known.
	// example: b4521
	InstalledVersion string `json:"installed_version,omitempty" example:"b4521"`
	// Directory the backend is installed under.
	InstallPath string `json:"install_path,omitempty"`
}

// Model represents a discoverable or loadable LLM model on disk.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Optional family (e.g., llama, mistral, phi).
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
}

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat transcript.
type ChatMessage struct {
	Role      string    `json:"role" example:"user"`
	Content   string    `json:"content" example:"Write a haiku about the ocean."`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
