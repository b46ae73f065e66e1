// Package streamapi exposes the standalone streaming-connection
// endpoints: connect, stats, broadcast and forced close.
package streamapi

import (
	"net/http"

	"github.com/costline/costline/internal/api/middleware"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler handles stream connection API requests
type Handler struct {
	manager *stream.Manager
	cfg     config.StreamConfig
	logger  *zap.Logger
}

// NewHandler creates a new stream handler
func NewHandler(manager *stream.Manager, cfg config.StreamConfig, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, cfg: cfg, logger: logger}
}

// RegisterRoutes registers stream routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/connect", h.Connect)
	r.GET("/stats", h.Stats)
	r.POST("/broadcast", h.Broadcast)
	r.DELETE("/connection/:id", h.CloseConnection)
}

// Connect opens a long-lived NDJSON session and holds it until the client
// disconnects, the server shuts down, or the session times out.
func (h *Handler) Connect(c *gin.Context) {
	userID := middleware.UserID(c)

	sess, err := stream.NewSession(uuid.New().String(), userID, c.Writer, h.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !h.manager.TryAdd(sess, h.cfg.MaxConnectionsPerUser) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "Connection limit reached",
			"message": "close an open stream before starting another",
		})
		return
	}
	defer h.manager.Remove(sess.ID)

	sess.Watch(c.Request.Context().Done())
	stop := sess.StartTimeout(h.cfg.SessionTimeout)
	defer stop()

	if _, err := sess.Write(domain.StreamEvent{
		Type:         domain.EventConnection,
		ConnectionID: sess.ID,
		Message:      "connected",
	}); err != nil {
		return
	}
	sess.StartHeartbeat(h.cfg.HeartbeatInterval)

	h.logger.Info("stream connected",
		zap.String("connection_id", sess.ID), zap.String("user_id", userID))

	<-sess.Done()
}

// Stats returns the caller's own connection stats.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.StatsForUser(middleware.UserID(c)))
}

// Broadcast pushes one event to every writable session.
func (h *Handler) Broadcast(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sent := h.manager.Broadcast(domain.StreamEvent{
		Type:    domain.EventBroadcast,
		Message: req.Message,
	})
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

// CloseConnection ends one of the caller's own sessions. Sessions owned
// by other users are indistinguishable from missing ones.
func (h *Handler) CloseConnection(c *gin.Context) {
	id := c.Param("id")
	sess := h.manager.Get(id)
	if sess == nil || sess.UserID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}

	sess.End(&domain.StreamEvent{
		Type:         domain.EventConnection,
		ConnectionID: id,
		Message:      "closed by owner",
	})
	h.manager.Remove(id)
	c.JSON(http.StatusOK, gin.H{"closed": id})
}
