package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/optimizer"
	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/config"
	"github.com/parlaylab/parlay-core/pkg/database"
)

// asyncRunTimeout bounds detached optimization runs.
const asyncRunTimeout = 5 * time.Minute

// OptimizationHandler serves portfolio optimization runs.
type OptimizationHandler struct {
	optimizer *optimizer.Optimizer
	db        *database.DB
	defaults  config.OptimizerConfig
	logger    *logrus.Logger
}

// NewOptimizationHandler creates a new optimization handler.
func NewOptimizationHandler(opt *optimizer.Optimizer, db *database.DB, defaults config.OptimizerConfig, logger *logrus.Logger) *OptimizationHandler {
	return &OptimizationHandler{optimizer: opt, db: db, defaults: defaults, logger: logger}
}

type optimizePortfolioRequest struct {
	Objective   types.OptimizationObjective `json:"objective"`
	EdgeIDs     []string                    `json:"edge_ids" binding:"required"`
	Constraints *optimizer.Constraints      `json:"constraints,omitempty"`
	BeamWidth   int                         `json:"beam_width"`
	// MaxIterations caps expansion depths; each iteration grows candidate
	// sets by one leg.
	MaxIterations int    `json:"max_iterations"`
	Annotate      bool   `json:"annotate"`
	RunAsync      bool   `json:"run_async"`
	Seed          *int64 `json:"seed,omitempty"`
}

// OptimizePortfolio runs a beam search over the requested edge pool. With
// run_async the run id is returned immediately and the record is polled via
// get_optimization_run.
func (h *OptimizationHandler) OptimizePortfolio(c *gin.Context) {
	var req optimizePortfolioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	constraints := optimizer.DefaultConstraints()
	if h.defaults.BeamWidth > 0 {
		constraints.BeamWidth = h.defaults.BeamWidth
	}
	if h.defaults.SolutionsLimit > 0 {
		constraints.SolutionsLimit = h.defaults.SolutionsLimit
	}
	if req.Constraints != nil {
		constraints = *req.Constraints
	}
	if req.BeamWidth > 0 {
		constraints.BeamWidth = req.BeamWidth
	}
	if req.MaxIterations > 0 && req.MaxIterations+1 < constraints.MaxLegs {
		constraints.MaxLegs = req.MaxIterations + 1
	}

	optReq := optimizer.Request{
		Objective:   req.Objective,
		EdgeIDs:     req.EdgeIDs,
		Constraints: constraints,
		Annotate:    req.Annotate,
		Seed:        req.Seed,
	}

	if req.RunAsync {
		runID := h.optimizer.OptimizeAsync(optReq, asyncRunTimeout)
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
		return
	}

	outcome, err := h.optimizer.Optimize(c.Request.Context(), optReq)
	if err != nil {
		h.logger.WithError(err).Error("Optimization failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// GetOptimizationRun returns a persisted run record.
func (h *OptimizationHandler) GetOptimizationRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := h.db.FindOptimizationRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	if run == nil {
		respondError(c, apperrors.E(apperrors.KindNotFound, "optimization run %s not found", runID))
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetOptimizationArtifacts returns a run's trace and heuristic artifacts.
func (h *OptimizationHandler) GetOptimizationArtifacts(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := h.db.FindOptimizationRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	if run == nil {
		respondError(c, apperrors.E(apperrors.KindNotFound, "optimization run %s not found", runID))
		return
	}

	artifacts, err := h.db.ListArtifacts(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "artifacts": artifacts})
}
