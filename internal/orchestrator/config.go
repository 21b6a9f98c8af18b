package orchestrator

// ServerConfig is the value object describing how one llama-server process is
// started. Required fields are always passed on the command line; optional
// fields are forwarded only when they deviate from their zero value, so the
// server's own defaults are never silently overridden.
type ServerConfig struct {
	ModelPath   string
	Host        string
	Port        int
	ContextSize int
	GPULayers   int // -1 offloads all layers
	Threads     int
	BatchSize   int
	Parallel    int

	// Optional native-server flags.
	FlashAttention bool
	NoMmap         bool
	Mlock          bool
	NUMA           bool
	Embeddings     bool
	ContBatching   bool
	LogDisable     bool
	TensorSplit    string // csv of per-GPU fractions
	MainGPU        *int
	SplitMode      string
	CacheTypeK     string
	CacheTypeV     string
	RopeScaling    string
	RopeFreqBase   float64
	RopeFreqScale  float64
	Seed           *int64
	UBatchSize     int
	KeepTokens     *int
	DefragThold    float64
	ChatTemplate   string
	APIKey         string
}

// Defaults applied by withDefaults when fields are unset.
const (
	defaultHost        = "127.0.0.1"
	defaultContextSize = 4096
	defaultBatchSize   = 512
	defaultParallel    = 1
)

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.ContextSize <= 0 {
		c.ContextSize = defaultContextSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Parallel <= 0 {
		c.Parallel = defaultParallel
	}
	return c
}
