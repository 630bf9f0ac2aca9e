package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/cache"
	"github.com/parlaylab/parlay-core/internal/scheduler"
)

// TaskHandler serves the task and cache management surface.
type TaskHandler struct {
	scheduler *scheduler.Scheduler
	cache     *cache.Store
	logger    *logrus.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(sched *scheduler.Scheduler, cacheStore *cache.Store, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{scheduler: sched, cache: cacheStore, logger: logger}
}

// GetTaskStatus returns one execution record.
func (h *TaskHandler) GetTaskStatus(c *gin.Context) {
	exec, err := h.scheduler.GetExecution(c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

type invalidateCacheRequest struct {
	Pattern    string   `json:"pattern" binding:"required"`
	Namespaces []string `json:"namespaces,omitempty"`
}

// InvalidateCache removes entries matching a glob pattern.
func (h *TaskHandler) InvalidateCache(c *gin.Context) {
	var req invalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	namespaces := make([]cache.Namespace, len(req.Namespaces))
	for i, ns := range req.Namespaces {
		namespaces[i] = cache.Namespace(ns)
	}

	removed := h.cache.Invalidate(c.Request.Context(), req.Pattern, namespaces...)
	h.logger.WithFields(logrus.Fields{
		"pattern": req.Pattern,
		"removed": removed,
	}).Info("Cache invalidated")
	c.JSON(http.StatusOK, gin.H{"invalidated_count": removed})
}

// GetCacheStats reports per-namespace hit rates and sizes.
func (h *TaskHandler) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"namespaces":  h.cache.AllStats(),
		"queue_depth": h.scheduler.QueueDepth(),
	})
}
