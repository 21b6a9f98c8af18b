package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/common/fsutil"
)

// Options configures an Orchestrator.
type Options struct {
	Catalog       *backend.Catalog
	StateFile     string
	Host          string
	PortStart     int
	PortEnd       int
	StartTimeout  time.Duration
	ProbeInterval time.Duration
	StopGrace     time.Duration
	Logger        zerolog.Logger
}

const (
	defaultStartTimeout  = 60 * time.Second
	defaultProbeInterval = 250 * time.Millisecond
	defaultStopGrace     = 3 * time.Second
)

// Orchestrator owns the modelId -> running server instance map: it spawns and
// stops native server processes on free local ports, health-checks them, and
// persists the table so orphans can be reaped after a restart.
type Orchestrator struct {
	mu        sync.Mutex
	instances map[string]*ServerInstance
	cmds      map[string]*exec.Cmd
	stderrs   map[string]*tailWriter
	waits     map[string]chan error

	startMu    sync.Mutex
	startLocks map[string]*modelLock

	ports   *portAllocator
	catalog *backend.Catalog
	state   *stateFile
	log     zerolog.Logger

	host          string
	startTimeout  time.Duration
	probeInterval time.Duration
	stopGrace     time.Duration

	// Overridable in tests.
	term func(pid int) error
	kill func(pid int) error
}

// New constructs an Orchestrator and runs startup recovery: every pid in the
// persisted table is treated as orphaned (spawned processes never outlive a
// daemon restart), force-killed, and the table cleared.
func New(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("orchestrator: catalog is required")
	}
	host := opts.Host
	if host == "" {
		host = defaultHost
	}
	o := &Orchestrator{
		instances:     make(map[string]*ServerInstance),
		cmds:          make(map[string]*exec.Cmd),
		stderrs:       make(map[string]*tailWriter),
		waits:         make(map[string]chan error),
		startLocks:    make(map[string]*modelLock),
		ports:         newPortAllocator(host, opts.PortStart, opts.PortEnd),
		catalog:       opts.Catalog,
		state:         newStateFile(opts.StateFile),
		log:           opts.Logger,
		host:          host,
		startTimeout:  opts.StartTimeout,
		probeInterval: opts.ProbeInterval,
		stopGrace:     opts.StopGrace,
		term:          terminatePid,
		kill:          killPid,
	}
	if o.startTimeout <= 0 {
		o.startTimeout = defaultStartTimeout
	}
	if o.probeInterval <= 0 {
		o.probeInterval = defaultProbeInterval
	}
	if o.stopGrace <= 0 {
		o.stopGrace = defaultStopGrace
	}
	if err := o.recoverOrphans(); err != nil {
		return nil, err
	}
	return o, nil
}

// recoverOrphans force-kills every persisted pid and clears the table. This
// guarantees no leaked listening port or process survives a crash/restart
// cycle.
func (o *Orchestrator) recoverOrphans() error {
	persisted, err := o.state.Load()
	if err != nil {
		return err
	}
	for id, inst := range persisted {
		o.log.Warn().Str("model", id).Int("pid", inst.PID).Int("port", inst.Port).
			Msg("killing orphaned server from previous run")
		if kerr := o.kill(inst.PID); kerr != nil {
			o.log.Error().Err(kerr).Int("pid", inst.PID).Msg("orphan kill failed")
		}
		orphanKillsTotal.Inc()
	}
	return o.state.Clear()
}

// modelLock is a reference-counted per-model mutex. The entry is dropped
// when the last holder releases, so the map stays bounded by in-flight
// operations rather than growing with every modelId ever seen.
type modelLock struct {
	mu   sync.Mutex
	refs int
}

// lockStart takes the per-model start lock, held across the whole existence
// check / spawn / registration sequence so two near-simultaneous Start calls
// for one modelId cannot both spawn. The returned func releases it.
func (o *Orchestrator) lockStart(modelID string) func() {
	o.startMu.Lock()
	l := o.startLocks[modelID]
	if l == nil {
		l = &modelLock{}
		o.startLocks[modelID] = l
	}
	l.refs++
	o.startMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.startMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.startLocks, modelID)
		}
		o.startMu.Unlock()
	}
}

// Start spawns a server process for the model, or returns the existing
// instance unchanged when one is already tracked and healthy. backendID may
// be empty to pick the preferred installed backend.
func (o *Orchestrator) Start(ctx context.Context, modelID, modelPath string, cfg ServerConfig, backendID string) (*ServerInstance, error) {
	unlock := o.lockStart(modelID)
	defer unlock()

	// Idempotency: a tracked, healthy instance is returned as-is.
	o.mu.Lock()
	existing := o.instances[modelID]
	o.mu.Unlock()
	if existing != nil {
		if err := NewInstanceClient(existing.BaseURL()).Health(ctx); err == nil {
			o.mu.Lock()
			existing.Status = StatusRunning
			existing.lastProbe = time.Now()
			o.mu.Unlock()
			return existing, nil
		}
		// Tracked but dead: tear down before respawning.
		o.log.Warn().Str("model", modelID).Int("pid", existing.PID).Msg("tracked instance failed probe, respawning")
		_ = o.kill(existing.PID)
		o.remove(modelID)
	}

	if backendID == "" {
		pref, ok := o.catalog.Preferred()
		if !ok {
			return nil, ErrConfig("no inference backend installed")
		}
		backendID = pref.ID
	}
	exe, ok := o.catalog.ServerExecutable(backendID)
	if !ok {
		return nil, ErrConfig("backend not installed: %s", backendID)
	}
	if !fsutil.IsRegularFile(modelPath) {
		return nil, ErrConfig("model file not found: %s", modelPath)
	}

	port, err := o.ports.Allocate()
	if err != nil {
		return nil, err
	}

	cfg.ModelPath = modelPath
	cfg.Host = o.host
	cfg.Port = port
	cfg = cfg.withDefaults()
	args := BuildArgs(cfg)

	cmd := exec.Command(exe, args...)
	tail := &tailWriter{}
	cmd.Stderr = tail
	cmd.Env = o.processEnv(backendID)
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		o.ports.Release(port)
		spawnsTotal.WithLabelValues("spawn_error").Inc()
		return nil, fmt.Errorf("start server: %w", err)
	}
	pid := cmd.Process.Pid
	o.log.Info().Str("model", modelID).Int("pid", pid).Int("port", port).Str("exe", exe).Msg("server spawned")

	wait := make(chan error, 1)
	go func() { wait <- cmd.Wait() }()

	// Poll the health endpoint until the startup bound. Early process exit is
	// surfaced immediately with the captured stderr tail.
	client := NewInstanceClient("http://" + o.host + ":" + fmt.Sprint(port))
	deadline := time.Now().Add(o.startTimeout)
	started := time.Now()
	for {
		select {
		case <-wait:
			o.ports.Release(port)
			spawnsTotal.WithLabelValues("exit_early").Inc()
			return nil, startupTimeoutError{modelID: modelID, timeout: time.Since(started), exited: true, stderrTail: tail.Tail()}
		case <-ctx.Done():
			_ = o.kill(pid)
			o.ports.Release(port)
			spawnsTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			_ = o.kill(pid)
			o.ports.Release(port)
			spawnsTotal.WithLabelValues("timeout").Inc()
			return nil, startupTimeoutError{modelID: modelID, timeout: o.startTimeout, stderrTail: tail.Tail()}
		}
		if err := client.Health(ctx); err == nil {
			break
		}
		time.Sleep(o.probeInterval)
	}

	inst := &ServerInstance{
		ModelID:     modelID,
		ModelPath:   modelPath,
		Host:        o.host,
		Port:        port,
		PID:         pid,
		Status:      StatusRunning,
		BackendID:   backendID,
		StartedAt:   started,
		ContextSize: cfg.ContextSize,
		GPULayers:   cfg.GPULayers,
		lastProbe:   time.Now(),
	}
	o.mu.Lock()
	o.instances[modelID] = inst
	o.cmds[modelID] = cmd
	o.stderrs[modelID] = tail
	o.waits[modelID] = wait
	runningInstances.Set(float64(len(o.instances)))
	o.mu.Unlock()
	o.persist()
	spawnsTotal.WithLabelValues("ok").Inc()
	o.log.Info().Str("model", modelID).Int("pid", pid).Int("port", port).
		Dur("startup", time.Since(started)).Msg("server healthy")
	return inst, nil
}

// Stop terminates the server for a model: graceful signal, bounded wait,
// forced kill, plus a kill-by-pid fallback in case the in-process handle was
// lost. The port is always released and the registry entry removed, even if
// the process had already exited.
func (o *Orchestrator) Stop(modelID string) error {
	o.mu.Lock()
	inst := o.instances[modelID]
	cmd := o.cmds[modelID]
	wait := o.waits[modelID]
	o.mu.Unlock()
	if inst == nil {
		return ErrInstanceNotFound(modelID)
	}

	if cmd != nil && cmd.Process != nil {
		_ = o.term(inst.PID)
		select {
		case <-wait:
		case <-time.After(o.stopGrace):
			_ = cmd.Process.Kill()
			select {
			case <-wait:
			case <-time.After(o.stopGrace):
			}
		}
	}
	// Fallback for a lost or refusing process.
	if pidAlive(inst.PID) {
		_ = o.kill(inst.PID)
	}

	o.remove(modelID)
	o.log.Info().Str("model", modelID).Int("port", inst.Port).Msg("server stopped")
	return nil
}

// StopAll stops every tracked instance. Best effort, used at shutdown.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.instances))
	for id := range o.instances {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		_ = o.Stop(id)
	}
}

// Get returns the tracked instance for a model without probing it.
func (o *Orchestrator) Get(modelID string) (*ServerInstance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[modelID]
	return inst, ok
}

// ListRunning re-validates every tracked instance with a fresh health probe
// and silently evicts any that fail: a self-healing registry, not a static
// list.
func (o *Orchestrator) ListRunning(ctx context.Context) []*ServerInstance {
	o.mu.Lock()
	snapshot := make([]*ServerInstance, 0, len(o.instances))
	for _, inst := range o.instances {
		snapshot = append(snapshot, inst)
	}
	o.mu.Unlock()

	live := make([]*ServerInstance, 0, len(snapshot))
	for _, inst := range snapshot {
		if err := NewInstanceClient(inst.BaseURL()).Health(ctx); err != nil {
			o.log.Warn().Str("model", inst.ModelID).Int("pid", inst.PID).Err(err).
				Msg("instance failed probe, evicting")
			evictionsTotal.Inc()
			_ = o.kill(inst.PID)
			o.remove(inst.ModelID)
			continue
		}
		o.mu.Lock()
		inst.Status = StatusRunning
		inst.lastProbe = time.Now()
		o.mu.Unlock()
		live = append(live, inst)
	}
	return live
}

// remove drops all bookkeeping for a model and rewrites the persisted table.
func (o *Orchestrator) remove(modelID string) {
	o.mu.Lock()
	if inst := o.instances[modelID]; inst != nil {
		inst.Status = StatusStopped
		o.ports.Release(inst.Port)
	}
	delete(o.instances, modelID)
	delete(o.cmds, modelID)
	delete(o.stderrs, modelID)
	delete(o.waits, modelID)
	runningInstances.Set(float64(len(o.instances)))
	o.mu.Unlock()
	o.persist()
}

// persist rewrites the full server table to durable storage.
func (o *Orchestrator) persist() {
	o.mu.Lock()
	snap := make(map[string]*ServerInstance, len(o.instances))
	for id, inst := range o.instances {
		cp := *inst
		snap[id] = &cp
	}
	o.mu.Unlock()
	if err := o.state.Save(snap); err != nil {
		o.log.Error().Err(err).Msg("persist server table failed")
	}
}

// processEnv returns the spawn environment, with the backend's library
// directory prepended to the platform's dynamic-linker search path so GPU
// builds find their bundled shared libraries.
func (o *Orchestrator) processEnv(backendID string) []string {
	env := os.Environ()
	dir, ok := o.catalog.LibraryDir(backendID)
	if !ok {
		return env
	}
	key := libraryPathEnv()
	for i, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			env[i] = key + "=" + dir + string(filepath.ListSeparator) + kv[len(key)+1:]
			return env
		}
	}
	return append(env, key+"="+dir)
}

func libraryPathEnv() string {
	switch runtime.GOOS {
	case "windows":
		return "PATH"
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}
