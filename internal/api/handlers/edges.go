package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/edges"
	"github.com/parlaylab/parlay-core/internal/types"
)

// EdgeHandler serves the edge registry surface.
type EdgeHandler struct {
	registry *edges.Registry
	logger   *logrus.Logger
}

// NewEdgeHandler creates a new edge handler.
func NewEdgeHandler(registry *edges.Registry, logger *logrus.Logger) *EdgeHandler {
	return &EdgeHandler{registry: registry, logger: logger}
}

type upsertEdgesRequest struct {
	Edges []types.Edge `json:"edges" binding:"required"`
}

// UpsertEdges registers a batch of model-derived edges.
func (h *EdgeHandler) UpsertEdges(c *gin.Context) {
	var req upsertEdgesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if err := h.registry.Upsert(c.Request.Context(), req.Edges); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored_count": len(req.Edges)})
}

// ListEdges returns registered edges, optionally filtered by sport.
func (h *EdgeHandler) ListEdges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"edges": h.registry.List(c.Request.Context(), c.Query("sport"))})
}
