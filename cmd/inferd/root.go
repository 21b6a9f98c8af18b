package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/httpapi"
	"inferd/internal/infer"
	"inferd/internal/orchestrator"
	"inferd/internal/registry"
)

// Set via -ldflags "-X main.version=..." at release time.
var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local LLM control plane: model registry, backend catalog and inference proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().String("log-level", envOr("INFERD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	root.PersistentFlags().String("log-format", envOr("INFERD_LOG_FORMAT", "json"), "Log format: json|console")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBackendsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// envOr reads an environment variable with a fallback, so `--help` shows the
// effective default.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func buildLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	var out = os.Stderr
	var log zerolog.Logger
	if format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: out}).Level(level).With().Timestamp().Logger()
	} else {
		log = zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return log, nil
}

// loadConfig merges, in increasing precedence: built-in defaults, INFERD_*
// environment (already folded into flag defaults), config file, explicit flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}

	setStr := func(dst *string, flag string) {
		if cmd.Flags().Changed(flag) || *dst == "" {
			*dst, _ = cmd.Flags().GetString(flag)
		}
	}
	setInt := func(dst *int, flag string) {
		if cmd.Flags().Changed(flag) || *dst == 0 {
			*dst, _ = cmd.Flags().GetInt(flag)
		}
	}
	setStr(&cfg.Addr, "addr")
	setStr(&cfg.ModelsDir, "models-dir")
	setStr(&cfg.BackendsDir, "backends-dir")
	setStr(&cfg.StateFile, "state-file")
	setStr(&cfg.DefaultModel, "default-model")
	setStr(&cfg.BackendURL, "backend-url")
	setStr(&cfg.Mode, "mode")
	setStr(&cfg.WorkerBin, "worker-bin")
	setInt(&cfg.PortRangeStart, "port-range-start")
	setInt(&cfg.PortRangeEnd, "port-range-end")
	setInt(&cfg.StartTimeoutSec, "start-timeout-sec")
	if cmd.Flags().Changed("cors-origin") || len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins, _ = cmd.Flags().GetStringSlice("cors-origin")
	}
	return cfg, nil
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", envOr("INFERD_ADDR", ":9090"), "HTTP listen address")
	cmd.Flags().String("models-dir", envOr("INFERD_MODELS_DIR", "~/models/llm"), "Directory scanned for *.gguf model files")
	cmd.Flags().String("backends-dir", envOr("INFERD_BACKENDS_DIR", "~/.inferd/backends"), "Install root for acceleration backends")
	cmd.Flags().String("state-file", envOr("INFERD_STATE_FILE", "~/.inferd/instances.json"), "Persisted server instance table")
	cmd.Flags().String("default-model", envOr("INFERD_DEFAULT_MODEL", ""), "Model id used when a request names none")
	cmd.Flags().String("backend-url", envOr("INFERD_BACKEND_URL", ""), "URL template for backend downloads; %s is the backend id")
	cmd.Flags().String("mode", envOr("INFERD_MODE", infer.ModeServer), "Runner mode: server|process|library")
	cmd.Flags().String("worker-bin", envOr("INFERD_WORKER_BIN", ""), "Worker executable for process mode")
	cmd.Flags().Int("port-range-start", envOrInt("INFERD_PORT_RANGE_START", 0), "First candidate port for spawned servers (0=default)")
	cmd.Flags().Int("port-range-end", envOrInt("INFERD_PORT_RANGE_END", 0), "Last candidate port for spawned servers (0=default)")
	cmd.Flags().Int("start-timeout-sec", envOrInt("INFERD_START_TIMEOUT_SEC", 0), "Seconds to wait for a spawned server to become healthy (0=default)")
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origin (repeatable); none disables cross-origin access")
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inferd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	catalog, err := backend.New(cfg.BackendsDir, cfg.BackendURL, log)
	if err != nil {
		return fmt.Errorf("open backend catalog: %w", err)
	}

	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("load models from %s: %w", cfg.ModelsDir, err)
	}
	log.Info().Int("models", len(reg.List())).Str("dir", cfg.ModelsDir).Msg("model registry loaded")

	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:      catalog,
		StateFile:    cfg.StateFile,
		PortStart:    cfg.PortRangeStart,
		PortEnd:      cfg.PortRangeEnd,
		StartTimeout: time.Duration(cfg.StartTimeoutSec) * time.Second,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	facade, err := infer.New(infer.Options{
		Orchestrator: orch,
		Registry:     reg,
		Catalog:      catalog,
		Logger:       log,
		DefaultModel: cfg.DefaultModel,
		Mode:         cfg.Mode,
		WorkerBin:    cfg.WorkerBin,
	})
	if err != nil {
		return err
	}
	sessions := infer.NewSessions(facade)

	api := httpapi.New(httpapi.Options{
		Facade:         facade,
		Sessions:       sessions,
		Registry:       reg,
		Catalog:        catalog,
		Logger:         log,
		AllowedOrigins: cfg.CORSOrigins,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("mode", cfg.Mode).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		orch.StopAll()
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	facade.UnloadAll(shutdownCtx)
	orch.StopAll()
	return nil
}

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect and manage acceleration backends",
	}
	cmd.PersistentFlags().String("backends-dir", envOr("INFERD_BACKENDS_DIR", "~/.inferd/backends"), "Install root for acceleration backends")
	cmd.PersistentFlags().String("backend-url", envOr("INFERD_BACKEND_URL", ""), "URL template for backend downloads; %s is the backend id")

	openCatalog := func(c *cobra.Command) (*backend.Catalog, error) {
		log, err := buildLogger(c)
		if err != nil {
			return nil, err
		}
		root, _ := c.Flags().GetString("backends-dir")
		urlTemplate, _ := c.Flags().GetString("backend-url")
		return backend.New(root, urlTemplate, log)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known backends and their install state",
		RunE: func(c *cobra.Command, args []string) error {
			catalog, err := openCatalog(c)
			if err != nil {
				return err
			}
			catalog.Refresh()
			for _, b := range catalog.ListAvailable() {
				state := "available"
				if b.Installed {
					state = "installed"
					if b.InstalledVersion != "" {
						state += " " + b.InstalledVersion
					}
				}
				fmt.Fprintf(c.OutOrStdout(), "%-12s %-24s %s\n", b.ID, b.DisplayName, state)
			}
			return nil
		},
	}

	install := &cobra.Command{
		Use:   "install <id>",
		Short: "Download and install a backend server executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			catalog, err := openCatalog(c)
			if err != nil {
				return err
			}
			id := args[0]
			var lastPct int64 = -1
			err = catalog.Download(c.Context(), id, func(done, total int64) {
				if total <= 0 {
					return
				}
				pct := done * 100 / total
				if pct != lastPct {
					lastPct = pct
					fmt.Fprintf(c.OutOrStdout(), "\r%s: %d%%", id, pct)
				}
			})
			fmt.Fprintln(c.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "installed %s\n", id)
			return nil
		},
	}

	uninstall := &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove an installed backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			catalog, err := openCatalog(c)
			if err != nil {
				return err
			}
			if err := catalog.Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "uninstalled %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, install, uninstall)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "inferd %s (%s)\n", version, commit)
		},
	}
}
