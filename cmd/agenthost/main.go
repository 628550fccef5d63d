// Package main is the agenthost entry point. The single binary hosts the
// agent runtime plus its HTTP and WebSocket edges over shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/agent"
	"github.com/agenthost/agenthost/internal/api"
	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/common/telemetry"
	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/events"
	"github.com/agenthost/agenthost/internal/gateway/websocket"
	"github.com/agenthost/agenthost/internal/llm"
	"github.com/agenthost/agenthost/internal/mcp"
	"github.com/agenthost/agenthost/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agenthost...")

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	sqlDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer sqlDB.Close()

	store, err := storage.New(sqlDB)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	log.Info("SQLite storage initialized", zap.String("db_path", cfg.Database.Path))

	classes, err := agent.LoadClasses(cfg.Runtime.ClassesFile)
	if err != nil {
		log.Fatal("Failed to load agent classes", zap.Error(err), zap.String("path", cfg.Runtime.ClassesFile))
	}
	log.Info("Agent classes loaded", zap.Int("count", len(classes)))

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		log.Fatal("Failed to initialize model provider", zap.Error(err))
	}
	log.Info("Model provider ready", zap.String("provider", cfg.LLM.Provider))

	mcpRegistry := mcp.NewRegistry(cfg.MCP, log)

	registry := agent.NewRegistry(store, eventBus, provider, mcpRegistry, classes, cfg.Runtime, log)

	gateway := websocket.NewGateway(registry, log)
	wsHandler := websocket.NewHandler(gateway, log)

	apiHandler := api.NewHandler(registry, log)
	router := api.NewRouter(apiHandler, wsHandler, log)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays zero so SSE and WebSocket streams are not cut off.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Checkpoint every live instance before the process exits.
	registry.HibernateAll(shutdownCtx)

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

// buildProvider selects the configured model adapter. The scripted provider
// needs no credentials and is the default for local development.
func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "scripted":
		return llm.NewScripted(0), nil
	case "openai":
		return llm.NewOpenAI(llm.OpenAIOptions{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
