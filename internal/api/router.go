// Package api wires the HTTP surface: routing, middleware and handlers.
package api

import (
	"github.com/costline/costline/internal/api/agent"
	"github.com/costline/costline/internal/api/middleware"
	"github.com/costline/costline/internal/api/streamapi"
	"github.com/costline/costline/internal/auth"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/service"
	"github.com/costline/costline/internal/stream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	AllowOrigins []string
	Stream       config.StreamConfig
}

// SetupRouter sets up the Gin router
func SetupRouter(
	estimates *service.EstimateService,
	manager *stream.Manager,
	verifier auth.Verifier,
	cfg RouterConfig,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	authn := middleware.Auth(verifier, logger)

	agentHandler := agent.NewHandler(estimates, manager, cfg.Stream, logger)
	agentGroup := r.Group("/api/agent")
	agentGroup.Use(authn)
	agentHandler.RegisterRoutes(agentGroup)

	projectGroup := r.Group("/api/projects")
	projectGroup.Use(authn)
	agentHandler.RegisterProjectRoutes(projectGroup)

	streamHandler := streamapi.NewHandler(manager, cfg.Stream, logger)
	streamGroup := r.Group("/api/stream")
	streamGroup.Use(authn)
	streamHandler.RegisterRoutes(streamGroup)

	return r
}
