package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/simulation"
	"github.com/parlaylab/parlay-core/pkg/config"
)

// SimulationHandler serves parlay Monte Carlo runs.
type SimulationHandler struct {
	simulator *simulation.Simulator
	defaults  config.SimulationConfig
	logger    *logrus.Logger
}

// NewSimulationHandler creates a new simulation handler. Zero request fields
// fall back to the configured simulation defaults.
func NewSimulationHandler(simulator *simulation.Simulator, defaults config.SimulationConfig, logger *logrus.Logger) *SimulationHandler {
	return &SimulationHandler{simulator: simulator, defaults: defaults, logger: logger}
}

type simulateParlayRequest struct {
	Legs              []simulation.Leg `json:"legs" binding:"required"`
	CorrelationMatrix [][]float64      `json:"correlation_matrix" binding:"required"`
	Draws             int              `json:"draws"`
	Adaptive          bool             `json:"adaptive"`
	Seed              *int64           `json:"seed,omitempty"`
	ConfidenceLevel   float64          `json:"confidence_level"`
	TargetCIWidth     float64          `json:"target_ci_width"`
}

// SimulateParlay estimates the joint success probability of a leg set.
func (h *SimulationHandler) SimulateParlay(c *gin.Context) {
	var req simulateParlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	params := simulation.Params{
		DrawsRequested:  req.Draws,
		Adaptive:        req.Adaptive,
		Seed:            req.Seed,
		ConfidenceLevel: req.ConfidenceLevel,
		TargetCIWidth:   req.TargetCIWidth,
		BatchSize:       h.defaults.BatchSize,
		MinDraws:        h.defaults.MinDraws,
		MaxDraws:        h.defaults.MaxDraws,
	}
	if params.TargetCIWidth <= 0 {
		params.TargetCIWidth = h.defaults.TargetCIWidth
	}

	result, err := h.simulator.Simulate(c.Request.Context(), req.Legs, req.CorrelationMatrix, params)
	if err != nil {
		h.logger.WithError(err).WithField("legs", len(req.Legs)).Warn("Simulation rejected")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
