package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/costline/costline/internal/api"
	"github.com/costline/costline/internal/auth"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/engine"
	"github.com/costline/costline/internal/llm"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/service"
	"github.com/costline/costline/internal/stream"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories
	projectRepo := repository.NewProjectRepository(db)
	itemRepo := repository.NewItemRepository(db)
	conversationRepo := repository.NewConversationRepository(db)

	// Initialize the LLM provider and the estimate workflow
	provider := llm.NewOpenAIProvider(cfg.LLM, logger)
	mutationEngine := engine.New(itemRepo, logger)
	estimateService := service.NewEstimateService(
		cfg,
		projectRepo,
		itemRepo,
		conversationRepo,
		mutationEngine,
		provider,
		logger,
	)

	// Streaming connection registry, owned here and injected down
	manager := stream.NewManager(logger)

	verifier := auth.NewVerifier(cfg.Auth, logger)

	// Setup router
	router := api.SetupRouter(estimateService, manager, verifier, api.RouterConfig{
		AllowOrigins: cfg.Server.AllowOrigins,
		Stream:       cfg.Stream,
	}, logger)

	// Create HTTP server. WriteTimeout stays 0 so long-lived NDJSON
	// streams are bounded by the session timeout, not the server.
	srv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Costline server", zap.String("address", cfg.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Notify and drain open streams before stopping the listener
	manager.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
