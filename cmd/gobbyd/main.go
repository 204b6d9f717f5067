// Command gobbyd runs the hook daemon: it loads configuration, opens the
// store, runs pending migrations, and serves the HTTP surface the
// front-end CLIs and MCP clients talk to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	goplugin "plugin"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobby-dev/gobbyd/internal/async"
	"github.com/gobby-dev/gobbyd/internal/broadcast"
	"github.com/gobby-dev/gobbyd/internal/config"
	"github.com/gobby-dev/gobbyd/internal/hooks"
	"github.com/gobby-dev/gobbyd/internal/httpapi"
	"github.com/gobby-dev/gobbyd/internal/logging"
	"github.com/gobby-dev/gobbyd/internal/mcp"
	"github.com/gobby-dev/gobbyd/internal/memory"
	"github.com/gobby-dev/gobbyd/internal/migrate"
	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/plugin"
	"github.com/gobby-dev/gobbyd/internal/project"
	"github.com/gobby-dev/gobbyd/internal/session"
	"github.com/gobby-dev/gobbyd/internal/store"
	"github.com/gobby-dev/gobbyd/internal/task"
	"github.com/gobby-dev/gobbyd/internal/telemetry"
	"github.com/gobby-dev/gobbyd/internal/webhook"
	"github.com/gobby-dev/gobbyd/internal/workflow"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gobbyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "gobbyd",
		Short: "hook daemon backing the gobby front-end CLIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.gobby/config.yaml)")

	root.AddCommand(newMigrateCommand(&configPath))
	return root
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "run pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewComponentLogger("migrate")
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DatabasePath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()
			return migrate.New(logger).Run(cmd.Context(), s)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// daemon bundles everything started by runServe, so shutdown can drain
// it deterministically regardless of which signal or error triggered it.
type daemon struct {
	logger            logging.Logger
	store             *store.Store
	mcpPool           *mcp.Pool
	broadcast         *broadcast.Broadcaster
	webhooks          *webhook.Dispatcher
	watcher           *config.Watcher
	http              *httpapi.Server
	cfg               *config.Config
	cancelMaintenance context.CancelFunc
	tracingShutdown   func(context.Context) error
}

func runServe(configPath string) error {
	logger := logging.NewComponentLogger("gobbyd")

	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	d, err := bootstrap(cfg, configPath, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			cancel()
			d.close()
		})
	}
	defer shutdown()

	go func() {
		<-sig
		logger.Info("gobbyd: shutdown signal received")
		shutdown()
	}()

	logger.Info("gobbyd: listening on :%d", cfg.DaemonPort)
	if err := d.http.Run(fmt.Sprintf(":%d", cfg.DaemonPort)); err != nil {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// bootstrap wires every component: Store -> Migrator -> Registries ->
// Transport Pool -> Workflow Engine -> Hook Pipeline -> HTTP adapter.
func bootstrap(cfg *config.Config, configPath string, logger logging.Logger) (*daemon, error) {
	tracingShutdown, err := telemetry.InitTracing(context.Background(), "gobbyd")
	if err != nil {
		logger.Warn("gobbyd: tracing disabled: %v", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	metrics := telemetry.NewMetrics()
	async.OnPanic = metrics.ObserveGoroutinePanic

	s, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := migrate.New(logger).Run(migrateCtx, s); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sessions := session.New(s, logger)
	tasks := task.New(s, logger)
	projects := project.New(s, logger)
	memories, err := memory.New(s, logger,
		memory.WithDecay(cfg.Memory.DecayRatePerMonth, cfg.Memory.MinimumImportance),
		memory.WithDebounceWindow(time.Duration(cfg.Memory.DebounceWindowSeconds)*time.Second),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("memory registry: %w", err)
	}
	engine := workflow.New(s, logger)

	mcpPool := mcp.New(s, logger)
	mcpPool.SetMetrics(metrics)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer connectCancel()
	if err := mcpPool.ConnectAll(connectCtx); err != nil {
		logger.Warn("gobbyd: connecting configured MCP servers: %v", err)
	}

	bc := broadcast.New(logger)

	var webhookEndpoints []webhook.EndpointConfig
	if cfg.HookExtensions.Webhooks.Enabled {
		webhookEndpoints = cfg.HookExtensions.Webhooks.Endpoints
	}
	webhookDispatcher := webhook.New(webhookEndpoints, logger)
	webhookDispatcher.SetMetrics(metrics)

	pluginHost := plugin.NewHost(logger)
	if cfg.HookExtensions.Plugins.Enabled {
		pluginHost.LoadDirs(cfg.HookExtensions.Plugins.PluginDirs, loadNativePlugin)
	}

	health := &readinessGate{}
	gitLinker := &noopGitLinker{}

	toolProxy := &mcpToolProxy{pool: mcpPool}
	evaluator := hooks.NewDefaultWorkflowEvaluator(engine, nil, func(sessionID string, state *model.WorkflowState, event hooks.Event) *workflow.ActionContext {
		return &workflow.ActionContext{
			SessionID: sessionID,
			State:     state,
			Sessions:  sessions,
			Tasks:     tasks,
			Memory:    memories,
			Tools:     toolProxy,
			Webhooks:  webhookDispatcher,
			States:    engine,
			EventData: event.Data,
		}
	})

	pipeline := hooks.New(logger, health, sessions, projects, tasks, evaluator, webhookDispatcher, pluginHost, bc, gitLinker)
	pipeline.RegisterHandler("session_start", hooks.NewSessionStartHandler(sessions))
	pipeline.SetMetrics(metrics)

	maintenanceCtx, cancelMaintenance := context.WithCancel(context.Background())
	startMaintenance(maintenanceCtx, logger, cfg, sessions, memories)

	health.setReady(true, "")
	metrics.DaemonReady.Set(1)

	httpServer := httpapi.New(pipeline, mcpPool, logger, httpapi.Config{Metrics: metrics})

	var watcher *config.Watcher
	w, err := config.NewWatcher(configPath, logger, func(*config.Config) {
		logger.Info("gobbyd: config changed on disk; restart to apply")
	})
	if err != nil {
		logger.Warn("gobbyd: config watcher disabled: %v", err)
	} else {
		watcher = w
	}

	return &daemon{
		logger:            logger,
		store:             s,
		mcpPool:           mcpPool,
		broadcast:         bc,
		webhooks:          webhookDispatcher,
		watcher:           watcher,
		http:              httpServer,
		cfg:               cfg,
		cancelMaintenance: cancelMaintenance,
		tracingShutdown:   tracingShutdown,
	}, nil
}

func (d *daemon) close() {
	if d.cancelMaintenance != nil {
		d.cancelMaintenance()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.mcpPool != nil {
		d.mcpPool.DisconnectAll()
	}
	if d.webhooks != nil {
		d.webhooks.Close()
	}
	if d.broadcast != nil {
		d.broadcast.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.tracingShutdown(shutdownCtx); err != nil {
			d.logger.Warn("gobbyd: tracing shutdown: %v", err)
		}
	}
}

// readinessGate backs the Hook Pipeline's DaemonHealth check: the
// pipeline fails open until bootstrap finishes.
type readinessGate struct {
	mu     sync.RWMutex
	ready  bool
	reason string
}

func (g *readinessGate) setReady(ready bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready, g.reason = ready, reason
}

func (g *readinessGate) Ready() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready, g.reason
}

// noopGitLinker stands in until a concrete git-log-scanning implementation
// is wired; session_end handling degrades to "no commits linked" rather
// than failing the hook.
type noopGitLinker struct{}

func (noopGitLinker) LinkCommits(ctx context.Context, tasks hooks.TaskLister, since interface{}, cwd string) error {
	return nil
}

func startMaintenance(ctx context.Context, logger logging.Logger, cfg *config.Config, sessions *session.Registry, memories *memory.Registry) {
	interval := time.Duration(cfg.SessionLifecycle.ExpireCheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	go func() {
		defer recoverMaintenanceLoop(logger)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runMaintenanceSweep(ctx, logger, cfg, sessions, memories)
			}
		}
	}()
}

func recoverMaintenanceLoop(logger logging.Logger) {
	if r := recover(); r != nil {
		logger.Error("gobbyd: maintenance loop panic: %v", r)
	}
}

// mcpToolProxy adapts the Transport Pool to workflow.ToolProxy for the
// call_mcp_tool action, applying a fixed per-call timeout.
type mcpToolProxy struct {
	pool *mcp.Pool
}

const toolProxyTimeout = 30 * time.Second

func (t *mcpToolProxy) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	return t.pool.CallTool(ctx, server, tool, args, toolProxyTimeout)
}

// nativePlugin is the interface a compiled-as-plugin .so must expose via
// an exported "GobbyPlugin" symbol of this shape.
type nativePlugin interface {
	Name() string
	PreHandlers() map[string]plugin.PreHandler
	PostHandlers() map[string]plugin.PostHandler
}

// loadNativePlugin opens a Go plugin (.so) built with `go build
// -buildmode=plugin` and adapts its exported GobbyPlugin symbol into a
// plugin.Plugin. The stdlib plugin package is the only mechanism Go
// offers for loading native code at runtime; there is no third-party
// replacement for this specific job.
func loadNativePlugin(path string) (*plugin.Plugin, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup("GobbyPlugin")
	if err != nil {
		return nil, fmt.Errorf("plugin %s missing GobbyPlugin symbol: %w", path, err)
	}
	impl, ok := sym.(nativePlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s: GobbyPlugin does not implement the expected interface", path)
	}
	return &plugin.Plugin{Name: impl.Name(), Pre: impl.PreHandlers(), Post: impl.PostHandlers()}, nil
}

func runMaintenanceSweep(ctx context.Context, logger logging.Logger, cfg *config.Config, sessions *session.Registry, memories *memory.Registry) {
	if n, err := sessions.PauseInactiveActiveSessions(ctx, cfg.SessionLifecycle.ActiveSessionPauseMinutes); err != nil {
		logger.Warn("gobbyd: pause sweep failed: %v", err)
	} else if n > 0 {
		logger.Info("gobbyd: paused %d inactive sessions", n)
	}

	if n, err := sessions.ExpireStaleSessions(ctx, cfg.SessionLifecycle.StaleSessionTimeoutHours); err != nil {
		logger.Warn("gobbyd: expire sweep failed: %v", err)
	} else if n > 0 {
		logger.Info("gobbyd: expired %d stale sessions", n)
	}

	if n, err := memories.DecayImportance(ctx); err != nil {
		logger.Warn("gobbyd: memory decay sweep failed: %v", err)
	} else if n > 0 {
		logger.Info("gobbyd: decayed importance on %d memories", n)
	}
}
