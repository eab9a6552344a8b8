// Package application wires the runtime together: configuration in,
// a running agent surface out. Construction order follows the dependency
// flow: state layout, persistence, providers, sidecars, domain services,
// then the transport interfaces.
package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/domain/budget"
	domainctx "github.com/miosa-osa/osa/internal/domain/context"
	"github.com/miosa-osa/osa/internal/domain/hooks"
	"github.com/miosa-osa/osa/internal/domain/memory"
	"github.com/miosa-osa/osa/internal/domain/service"
	"github.com/miosa-osa/osa/internal/domain/signal"
	domaintool "github.com/miosa-osa/osa/internal/domain/tool"
	"github.com/miosa-osa/osa/internal/infrastructure/config"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	"github.com/miosa-osa/osa/internal/infrastructure/llm"
	_ "github.com/miosa-osa/osa/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/miosa-osa/osa/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/miosa-osa/osa/internal/infrastructure/persistence"
	"github.com/miosa-osa/osa/internal/infrastructure/plugin"
	"github.com/miosa-osa/osa/internal/infrastructure/prompt"
	"github.com/miosa-osa/osa/internal/infrastructure/sandbox"
	"github.com/miosa-osa/osa/internal/infrastructure/sidecar"
	toolpkg "github.com/miosa-osa/osa/internal/infrastructure/tool"
	httpapi "github.com/miosa-osa/osa/internal/interfaces/http"
	"github.com/miosa-osa/osa/internal/interfaces/websocket"
	"github.com/miosa-osa/osa/pkg/safego"
)

// App is the assembled runtime.
type App struct {
	cfg     *config.Config
	version string
	logger  *zap.Logger

	bus        *eventbus.Bus
	db         *gorm.DB
	sessionLog *persistence.SessionStore
	tracker    *budget.Tracker
	router     *llm.Router

	sidecars *sidecar.Manager
	plugins  *plugin.Loader
	watcher  *config.Watcher

	memory       *memory.Manager
	classifier   *signal.Classifier
	noise        *signal.NoiseFilter
	tools        *domaintool.Registry
	dispatcher   *domaintool.Dispatcher
	prompts      *prompt.Engine
	sessions     *service.Registry
	orchestrator *agent.Orchestrator
	swarms       *agent.SwarmManager

	httpServer *httpapi.Server
	wsHub      *websocket.Hub
}

// New assembles the full runtime from configuration. ctx bounds the slow
// startup work: sidecar handshakes, MCP tool discovery, memory boot.
func New(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) (*App, error) {
	if err := config.EnsureStateLayout(cfg.StateDir); err != nil {
		return nil, fmt.Errorf("state layout: %w", err)
	}
	workspace := cfg.Agent.Workspace
	if workspace == "" {
		workspace, _ = os.Getwd()
	}

	app := &App{
		cfg:     cfg,
		version: version,
		logger:  logger,
		bus:     eventbus.New(256, logger),
	}

	if err := app.initPersistence(); err != nil {
		return nil, err
	}
	if err := app.initProviders(); err != nil {
		return nil, err
	}
	if err := app.initSidecars(ctx); err != nil {
		return nil, err
	}
	if err := app.initDomain(ctx, workspace); err != nil {
		return nil, err
	}
	if err := app.initInterfaces(workspace); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) initPersistence() error {
	db, err := persistence.NewDBConnection(&a.cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.db = db

	log, err := persistence.NewSessionStore(a.cfg.StateDir, a.logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	a.sessionLog = log
	return nil
}

func (a *App) initProviders() error {
	a.router = llm.NewRouter(a.logger)
	for _, pc := range a.cfg.Provider.Providers {
		p, err := llm.CreateProvider(llm.ProviderConfig{
			Name:    pc.Name,
			Type:    pc.Type,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Models:  pc.Models,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		a.router.AddProvider(p)
	}
	a.router.SetFallbackChain(a.cfg.Provider.FallbackChain)
	a.router.SetDefaultModel(a.cfg.Agent.Model)
	return nil
}

// initSidecars starts the config-declared sidecar processes and the
// manifest hot-loader. A sidecar that fails to start is logged and skipped;
// the runtime degrades to the heuristic fallbacks.
func (a *App) initSidecars(ctx context.Context) error {
	a.sidecars = sidecar.NewManager(a.bus, a.logger)

	var dispatchTimeout time.Duration
	for _, sc := range a.cfg.Sidecars {
		proc, err := sidecar.StartProcess(ctx, sidecar.ProcessConfig{
			Name:    sc.Name,
			Command: sc.Command,
			Args:    sc.Args,
		}, a.logger)
		if err != nil {
			a.logger.Warn("Sidecar start failed, continuing without it",
				zap.String("sidecar", sc.Name),
				zap.Error(err),
			)
			continue
		}
		a.sidecars.Register(ctx, proc)
		if sc.Timeout > dispatchTimeout {
			dispatchTimeout = sc.Timeout
		}
	}
	a.sidecars.SetDispatchTimeout(dispatchTimeout)

	loader, err := plugin.NewLoader(filepath.Join(a.cfg.StateDir, "plugins"), a.sidecars, a.logger)
	if err != nil {
		return fmt.Errorf("plugin loader: %w", err)
	}
	a.plugins = loader
	if err := loader.LoadAll(ctx); err != nil {
		a.logger.Warn("Plugin manifest scan failed", zap.Error(err))
	}
	return nil
}

func (a *App) initDomain(ctx context.Context, workspace string) error {
	cfg := a.cfg
	estimate := domainctx.NewSidecarEstimator(sidecar.NewTokenizer(a.sidecars))

	// Metrics, budget, learning.
	metrics, err := persistence.NewMetricsStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("metrics store: %w", err)
	}
	a.tracker = budget.NewTracker(budget.Caps{
		PerCallUSD: cfg.Budget.PerCallUSD,
		DailyUSD:   cfg.Budget.DailyUSD,
		MonthlyUSD: cfg.Budget.MonthlyUSD,
	}, a.bus, metrics, a.logger)
	costs := &costRecorder{prices: budget.NewPriceBook(), tracker: a.tracker}
	learning, err := persistence.NewLearningStore(cfg.StateDir, a.logger)
	if err != nil {
		return fmt.Errorf("learning store: %w", err)
	}

	// Long-term memory: markdown document as source of truth, relational
	// mirror for paging.
	a.memory = memory.NewManager(
		memory.NewDocumentStore(filepath.Join(cfg.StateDir, "MEMORY.md")),
		estimate.Count,
		persistence.NewGormMemoryRepository(a.db),
		a.logger,
	)
	if err := a.memory.Boot(ctx); err != nil {
		return fmt.Errorf("memory boot: %w", err)
	}

	// Signal classification.
	sigCfg := signal.DefaultConfig()
	sigCfg.CacheTTL = cfg.Classifier.CacheTTL
	sigCfg.CacheMaxEntries = cfg.Classifier.CacheMaxEntries
	sigCfg.UncertaintyLow = cfg.Classifier.UncertaintyLow
	sigCfg.UncertaintyHigh = cfg.Classifier.UncertaintyHigh
	sigCfg.AccurateChannels = cfg.Classifier.AccurateChannels
	a.classifier = signal.New(sigCfg, a.router, a.logger)
	a.noise = signal.NewNoiseFilter(cfg.Classifier.NoiseThreshold)

	// Context management.
	assembler := domainctx.NewAssembler(cfg.Agent.ContextLimit, cfg.Agent.ReservedResponse, estimate, a.logger)
	compactor := domainctx.NewCompactor(domainctx.Thresholds{
		Warn:       cfg.Compaction.Warn,
		Aggressive: cfg.Compaction.Aggressive,
		Emergency:  cfg.Compaction.Emergency,
	}, domainctx.NewLLMSummarizer(a.router, 0), estimate, a.logger)

	// Hooks.
	pipeline := hooks.NewPipeline(a.logger)
	hooks.RegisterBuiltins(pipeline, hooks.BuiltinDeps{
		Spend:    a.tracker,
		Usage:    a.tracker,
		Learning: learning,
		Memory:   a.memory,
		Bus:      a.bus,
		Logger:   a.logger,
	})

	// Tools.
	a.tools = domaintool.NewRegistry(cfg.Agent.ToolCapacityThreshold, a.logger)
	shell, err := sandbox.NewShell(sandbox.DefaultConfig(workspace), a.logger)
	if err != nil {
		return fmt.Errorf("sandbox shell: %w", err)
	}
	spawner := agent.NewSpawner(3, a.logger)
	runner := &workerRunner{
		router:    a.router,
		model:     cfg.Agent.Model,
		maxTokens: cfg.Agent.MaxTokens,
		costs:     costs,
		logger:    a.logger,
	}
	builtins := []domaintool.Tool{
		toolpkg.NewFileReadTool(workspace),
		toolpkg.NewFileWriteTool(workspace, a.logger),
		toolpkg.NewShellExecuteTool(shell, a.logger),
		toolpkg.NewMemorySaveTool(a.memory),
		toolpkg.NewMemoryRecallTool(a.memory),
		toolpkg.NewSpawnAgentTool(runner, spawner, a.logger),
	}
	for _, t := range builtins {
		if err := a.tools.Register(t); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}
	if mcp, err := toolpkg.DiscoverMCPTools(ctx, a.sidecars); err != nil {
		a.logger.Warn("MCP tool discovery failed", zap.Error(err))
	} else {
		for _, t := range mcp {
			if err := a.tools.Register(t); err != nil {
				a.logger.Warn("Skipping MCP tool", zap.String("tool", t.Name()), zap.Error(err))
			}
		}
	}
	a.dispatcher = domaintool.NewDispatcher(a.tools, cfg.Agent.ToolTimeout, a.logger)

	// System prompt.
	a.prompts = prompt.NewEngine(cfg.StateDir, workspace, a.logger)
	if err := a.prompts.Discover(); err != nil {
		a.logger.Warn("Prompt discovery failed", zap.Error(err))
	}
	systemPrompt := a.prompts.Assemble(a.promptContext(workspace))

	// The ReAct loop and session registry.
	loop := service.NewLoop(service.LoopDeps{
		Classifier: a.classifier,
		Noise:      a.noise,
		Assembler:  assembler,
		Compactor:  compactor,
		Memory:     a.memory,
		Hooks:      pipeline,
		Tools:      a.dispatcher,
		Schemas:    a.schemaBlock,
		Router:     a.router,
		Costs:      costs,
		Bus:        a.bus,
		Logger:     a.logger,
	}, service.LoopConfig{
		SystemPrompt:     systemPrompt,
		Model:            cfg.Agent.Model,
		MaxIterations:    cfg.Agent.MaxIterations,
		Temperature:      cfg.Agent.Temperature,
		MaxTokens:        cfg.Agent.MaxTokens,
		MaxParallelTools: cfg.Agent.MaxParallelTools,
	})
	a.sessions = service.NewRegistry(loop, a.sessionLog, persistence.NewGormSessionRepository(a.db),
		pipeline, a.bus, service.SessionProfile{
			Provider:  cfg.Provider.Default,
			Model:     cfg.Agent.Model,
			Workspace: workspace,
		}, a.logger)

	// Multi-agent surfaces.
	a.orchestrator = agent.NewOrchestrator(runner, spawner, a.bus,
		agent.OrchestratorConfig{MaxParallel: cfg.Agent.MaxParallelTools}, a.logger)
	a.swarms = agent.NewSwarmManager(runner, agent.NewMailbox(), a.bus, a.logger)

	// Hot-reloadable tunables.
	a.watcher = config.NewWatcher(configFilePath(cfg.StateDir), cfg, a.logger)
	a.watcher.OnChange(func(t config.Tunables) {
		a.noise.SetThreshold(t.NoiseThreshold)
	})
	return nil
}

func (a *App) initInterfaces(workspace string) error {
	cfg := a.cfg
	a.wsHub = websocket.NewHub(a.sessions, a.bus, a.logger)

	a.httpServer = httpapi.NewServer(httpapi.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Mode:        cfg.Server.Mode,
		RequireAuth: cfg.Server.RequireAuth,
		Secret:      cfg.Server.SharedSecret,
	}, httpapi.Deps{
		Agent:        a.sessions,
		Classifier:   a.classifier,
		Orchestrator: a.orchestrator,
		Swarms:       a.swarms,
		Dispatcher:   a.dispatcher,
		Tools:        a.tools,
		Sessions:     persistence.NewGormSessionRepository(a.db),
		Log:          a.sessionLog,
		Memory:       a.memory,
		Bus:          a.bus,
		WS:           a.wsHub.ServeWS,
		Version:      a.version,
		Provider:     cfg.Provider.Default,
		Model:        cfg.Agent.Model,
	}, a.logger)
	return nil
}

// Start brings up the background machinery: sidecar health polling, the
// plugin and config watchers, and the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.sidecars.Start(ctx)
	if err := a.plugins.Watch(ctx); err != nil {
		a.logger.Warn("Plugin watcher failed to start", zap.Error(err))
	}
	safego.Go(a.logger, "config-watcher", func() {
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn("Config watcher failed", zap.Error(err))
		}
	})
	return a.httpServer.Start(ctx)
}

// Stop shuts the runtime down in reverse dependency order.
func (a *App) Stop(ctx context.Context) {
	if err := a.httpServer.Stop(ctx); err != nil {
		a.logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	a.sessions.Shutdown()
	a.watcher.Stop()
	a.tracker.Flush()
	a.sidecars.Stop()
	a.bus.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.logger.Warn("Database close failed", zap.Error(err))
		}
	}
	a.logger.Info("Runtime stopped")
}

// Sessions exposes the session registry for interactive front ends.
func (a *App) Sessions() *service.Registry { return a.sessions }

// Bus exposes the event bus for interactive front ends.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Classifier exposes the signal classifier.
func (a *App) Classifier() *signal.Classifier { return a.classifier }

// Orchestrator exposes the task orchestrator.
func (a *App) Orchestrator() *agent.Orchestrator { return a.orchestrator }

// Tools exposes the tool registry.
func (a *App) Tools() *domaintool.Registry { return a.tools }

// Budget exposes the cost tracker.
func (a *App) Budget() *budget.Tracker { return a.tracker }

// Sidecars reports the status of every registered sidecar.
func (a *App) Sidecars() []sidecar.Status { return a.sidecars.Statuses() }

// schemaBlock renders the tool definitions the active model is allowed to
// see. Evaluated per turn so hot-loaded MCP tools appear without restart.
func (a *App) schemaBlock() string {
	return domaintool.PromptBlock(a.tools.SchemasFor(a.modelCapacity()))
}

// modelCapacity reads the capacity score of the default provider's config;
// models under the registry threshold never receive tool schemas.
func (a *App) modelCapacity() int {
	for _, pc := range a.cfg.Provider.Providers {
		if pc.Name == a.cfg.Provider.Default {
			if pc.ModelCapacity > 0 {
				return pc.ModelCapacity
			}
			break
		}
	}
	return 10
}

func (a *App) promptContext(workspace string) prompt.Context {
	defs := a.tools.List()
	names := make([]string, 0, len(defs))
	summaries := make(map[string]string, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		summaries[d.Name] = d.Description
	}
	return prompt.Context{
		Model:         a.cfg.Agent.Model,
		Workspace:     workspace,
		Tools:         names,
		ToolSummaries: summaries,
	}
}

// configFilePath is the file the hot-reload watcher follows.
func configFilePath(stateDir string) string {
	if path := os.Getenv("OSA_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(stateDir, "config.yaml")
}
