// maestro-server is the orchestration server: it exposes the workflow,
// HITL, session, workspace and tool APIs over HTTP and drives multi-agent
// coding workflows against the configured LLM endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/agent/handlers"
	"maestro/internal/config"
	"maestro/internal/engine"
	apperrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/hitl"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/server/app"
	serverhttp "maestro/internal/server/http"
	"maestro/internal/store"
	"maestro/internal/tools"
	"maestro/internal/tools/builtin"
	"maestro/internal/tools/semantic"
	"maestro/internal/workspace"
)

// Exit codes per the server contract.
const (
	exitConfig  = 2
	exitStorage = 3
)

func main() {
	root := &cobra.Command{
		Use:     "maestro-server",
		Short:   "AI coding-assistant orchestration server",
		Version: app.Version,
		Run: func(cmd *cobra.Command, args []string) {
			runServer()
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatal(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fatal(exitConfig, "configuration error: %v", err)
	}

	logger := logging.NewComponentLogger("Server")

	shutdownTracing, err := observability.SetupTracing(cfg.TraceExporter, app.Version)
	if err != nil {
		fatal(exitConfig, "tracing setup: %v", err)
	}

	// Storage first: nothing else is worth wiring if the data root is bad.
	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, logging.NewComponentLogger("Workspace"))
	if err != nil {
		fatal(exitStorage, "workspace root unavailable: %v", err)
	}
	conversations, err := store.NewConversations(cfg.DataDir, store.ConversationsOptions{
		CacheSize: cfg.MaxSessionsCached,
		CacheTTL:  cfg.SessionTTL,
	}, logging.NewComponentLogger("Store"))
	if err != nil {
		fatal(exitStorage, "session store unavailable: %v", err)
	}
	checkpoints, err := store.NewCheckpoints(cfg.DataDir, logging.NewComponentLogger("Checkpoints"))
	if err != nil {
		fatal(exitStorage, "checkpoint store unavailable: %v", err)
	}

	registry := tools.NewRegistry(tools.NewModeCell(cfg.NetworkMode), logging.NewComponentLogger("Tools"))
	toolDeps := builtin.Deps{
		Workspaces: workspaces,
		Git:        builtin.ExecGitRunner{},
		Logger:     logging.NewComponentLogger("Tools"),
	}
	if index, ierr := semantic.New("", nil, logging.NewComponentLogger("SemanticIndex")); ierr != nil {
		logger.Warn("semantic index disabled: %v", ierr)
	} else {
		toolDeps.Index = index
	}
	if err := builtin.RegisterAll(registry, toolDeps); err != nil {
		fatal(exitConfig, "tool registration: %v", err)
	}

	var client llm.Client
	var llmHealth func() map[string]string
	if len(cfg.LLMEndpoints) > 0 {
		pool, perr := llm.NewPool(llm.PoolConfig{
			Endpoints:        cfg.LLMEndpoints,
			APIKey:           cfg.LLMAPIKey,
			Model:            cfg.LLMModel,
			EndpointParallel: int64(cfg.EndpointParallel),
			Cooldown:         apperrors.DefaultCooldownConfig(),
		}, logging.NewLLMLogger("Pool"))
		if perr != nil {
			fatal(exitConfig, "llm pool: %v", perr)
		}
		llmHealth = pool.GateStates
		client = llm.NewRetryClient(pool, apperrors.DefaultRetryConfig(), logging.NewLLMLogger("Retry"))
	} else {
		logger.Warn("no LLM endpoints configured; running with the scripted mock client")
		client = llm.NewMockClient()
	}

	bus := events.NewBus(cfg.SubscriberBuffer, logging.NewComponentLogger("Bus"))
	broker := hitl.NewBroker(logging.NewComponentLogger("HITL"))
	broker.StartSweeper(time.Minute)
	defer broker.StopSweeper()

	eng := engine.New(engine.Deps{
		Config: cfg,
		Handlers: handlers.NewRegistry(client, handlers.Options{
			AllowQuestions: cfg.EnableDynamicHITL,
			StageDefaults: handlers.StageDefaults{
				MaxRetries: cfg.MaxRetries,
				Timeout:    cfg.StageTimeout,
			},
			SecurityRulesFile: cfg.SecurityRulesFile,
		}, logging.NewComponentLogger("Handlers")),
		Tools:         registry,
		Workspaces:    workspaces,
		Bus:           bus,
		Broker:        broker,
		Conversations: conversations,
		Checkpoints:   checkpoints,
		Logger:        logging.NewComponentLogger("Engine"),
	})

	coordinator := app.NewCoordinator(app.Deps{
		Config:        cfg,
		Engine:        eng,
		Bus:           bus,
		Broker:        broker,
		Tools:         registry,
		Workspaces:    workspaces,
		Conversations: conversations,
		Checkpoints:   checkpoints,
		Metrics:       observability.NewMetrics(),
		LLMHealth:     llmHealth,
		Logger:        logging.NewComponentLogger("Coordinator"),
	})

	srv := serverhttp.NewServer(coordinator, serverhttp.Options{Addr: ":" + cfg.Port}, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil {
			fatal(1, "server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Graceful teardown: stop admissions, drain HTTP, cancel workflows,
	// flush stores, flush spans.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	coordinator.Close()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown: %v", err)
	}
	if err := conversations.Close(); err != nil {
		logger.Warn("store flush: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("trace flush: %v", err)
	}
	logger.Info("server stopped")
}
