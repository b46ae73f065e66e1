// Package agent exposes the estimate generation endpoints, in both
// buffered-JSON and streamed NDJSON forms.
package agent

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/costline/costline/internal/api/middleware"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/service"
	"github.com/costline/costline/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler handles agent API requests
type Handler struct {
	estimates *service.EstimateService
	manager   *stream.Manager
	cfg       config.StreamConfig
	logger    *zap.Logger
}

// NewHandler creates a new agent handler
func NewHandler(estimates *service.EstimateService, manager *stream.Manager, cfg config.StreamConfig, logger *zap.Logger) *Handler {
	return &Handler{estimates: estimates, manager: manager, cfg: cfg, logger: logger}
}

// RegisterRoutes registers agent routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", h.Generate)
	r.POST("/prompt", h.Prompt)
	r.POST("/range-action", h.RangeAction)
}

// RegisterProjectRoutes registers project read routes
func (h *Handler) RegisterProjectRoutes(r *gin.RouterGroup) {
	r.GET("/:id", h.GetProject)
	r.GET("/:id/items", h.ListItems)
}

// Generate runs a generation pass, streamed when the client accepts
// NDJSON.
func (h *Handler) Generate(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := middleware.UserID(c)

	if wantsStream(c) {
		h.streamed(c, userID, func(sess *stream.Session) error {
			return h.estimates.GenerateStream(c.Request.Context(), userID, req, sess)
		})
		return
	}

	result, err := h.estimates.Generate(c.Request.Context(), userID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Prompt runs an edit pass, streamed when the client accepts NDJSON.
func (h *Handler) Prompt(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := middleware.UserID(c)

	if wantsStream(c) {
		h.streamed(c, userID, func(sess *stream.Session) error {
			return h.estimates.PromptStream(c.Request.Context(), userID, req, sess)
		})
		return
	}

	result, err := h.estimates.Prompt(c.Request.Context(), userID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RangeAction applies one instruction across an item ID range, streamed
// when the client accepts NDJSON.
func (h *Handler) RangeAction(c *gin.Context) {
	var req service.RangeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := middleware.UserID(c)

	if wantsStream(c) {
		h.streamed(c, userID, func(sess *stream.Session) error {
			return h.estimates.RangeActionStream(c.Request.Context(), userID, req, sess)
		})
		return
	}

	result, err := h.estimates.RangeAction(c.Request.Context(), userID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetProject returns one of the caller's projects.
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.estimates.GetProject(middleware.UserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// ListItems returns one page of a project's line items.
func (h *Handler) ListItems(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 300 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.estimates.ListItems(middleware.UserID(c), c.Param("id"), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// streamed opens a session for the request, subject to the per-user
// connection cap, and runs fn over it.
func (h *Handler) streamed(c *gin.Context, userID string, fn func(*stream.Session) error) {
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
	sess.StartHeartbeat(h.cfg.HeartbeatInterval)
	stop := sess.StartTimeout(h.cfg.SessionTimeout)
	defer stop()

	if err := fn(sess); err != nil {
		// Failures before the first write still get a buffered envelope.
		if !sess.HeadersSent() {
			sess.End(nil)
			h.writeError(c, err)
			return
		}
		h.logger.Debug("stream finished with error",
			zap.String("connection_id", sess.ID), zap.Error(err))
	}
	sess.End(nil)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("agent request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func wantsStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "application/x-ndjson")
}
