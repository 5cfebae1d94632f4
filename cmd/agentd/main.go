package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/agents"
	"github.com/loomhq/loom/internal/api"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/broadcaster"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/state"
	"github.com/loomhq/loom/internal/tasks"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	store := state.NewStore(db)

	bus := broadcaster.New(logger)
	lifecycle := tasks.NewService(store, bus, logger)

	providers := map[string]llm.Provider{}
	if cfg.LLMAPIKey != "" {
		provider, err := llm.NewProvider(cfg.LLMProvider, cfg.LLMAPIKey)
		if err != nil {
			log.Fatalf("llm provider: %v", err)
		}
		providers[cfg.LLMProvider] = llm.NewRetryingProvider(provider, time.Second, logger)
	} else {
		logger.Warn("no LLM api key configured, tasks will fail", "provider", cfg.LLMProvider)
	}

	registry := mcp.NewRegistry()
	registry.AddServer(mcp.NewBuiltinServer())

	agentRegistry := agents.NewRegistry()
	if err := agentRegistry.Register(agents.Agent{
		Name:         "assistant",
		Description:  "General-purpose assistant with the builtin tools.",
		SystemPrompt: "You are a helpful assistant. Use the available tools when they help answer the request.",
		Provider:     cfg.LLMProvider,
		Model:        cfg.LLMModel,
		MCPServers:   []string{"builtin"},
	}); err != nil {
		log.Fatalf("register agent: %v", err)
	}

	processor := engine.NewProcessor(engine.Deps{
		Store:     store,
		Lifecycle: lifecycle,
		Bus:       bus,
		Agents:    agentRegistry,
		Tools:     registry,
		Dispatch:  mcp.NewDispatcher(registry, store, cfg.Core.ToolFanout, cfg.Core.ToolDeadline, logger),
		Providers: providers,
		Builder:   artifacts.NewBuilder(store, logger),
		Core:      cfg.Core,
		Logger:    logger,
	})

	apiServer := &api.Server{
		Processor: processor,
		Store:     store,
		Bus:       bus,
		Heartbeat: cfg.Core.HeartbeatInterval,
		Logger:    logger,
		StartedAt: time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("agentd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// In-flight workers finish their persistence before the store closes.
	if err := processor.Shutdown(ctx); err != nil {
		logger.Error("worker drain", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
