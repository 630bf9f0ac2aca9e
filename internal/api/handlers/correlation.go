package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/correlation"
)

// CorrelationHandler serves correlation structure computation.
type CorrelationHandler struct {
	engine *correlation.Engine
	logger *logrus.Logger
}

// NewCorrelationHandler creates a new correlation handler.
func NewCorrelationHandler(engine *correlation.Engine, logger *logrus.Logger) *CorrelationHandler {
	return &CorrelationHandler{engine: engine, logger: logger}
}

// computeCorrelationRequest selects one of the three output modes.
type computeCorrelationRequest struct {
	PropIDs         []string `json:"prop_ids" binding:"required"`
	Method          string   `json:"method"` // pairwise | factor | copula
	Sport           string   `json:"sport"`
	LookbackDays    int      `json:"lookback_days"`
	MinObservations int      `json:"min_observations"`
	Shrinkage       *bool    `json:"shrinkage,omitempty"`
	Alpha           float64  `json:"alpha"`
	UseSpearman     bool     `json:"use_spearman"`
	VersionTag      string   `json:"version_tag"`
}

type computeCorrelationResponse struct {
	Matrix          [][]float64               `json:"matrix,omitempty"`
	Diagnostics     *correlation.Diagnostics  `json:"diagnostics,omitempty"`
	FactorLoadings  [][]float64               `json:"factor_loadings,omitempty"`
	Eigenvalues     []float64                 `json:"eigenvalues,omitempty"`
	ExplainedRatio  float64                   `json:"explained_variance_ratio,omitempty"`
	CopulaParams    *correlation.CopulaParams `json:"copula_params,omitempty"`
	PropIDs         []string                  `json:"prop_ids"`
	NumObservations int                       `json:"num_observations"`
}

// ComputeCorrelation computes a pairwise matrix, factor model, or copula
// parameter set for the requested props.
func (h *CorrelationHandler) ComputeCorrelation(c *gin.Context) {
	var req computeCorrelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	shrinkage := true
	if req.Shrinkage != nil {
		shrinkage = *req.Shrinkage
	}
	corrReq := correlation.Request{
		PropIDs:      req.PropIDs,
		UseSpearman:  req.UseSpearman,
		LookbackDays: req.LookbackDays,
		MinSamples:   req.MinObservations,
		Shrinkage:    shrinkage,
		Alpha:        req.Alpha,
	}

	switch strings.ToLower(req.Method) {
	case "", "pairwise":
		result, err := h.engine.ComputePairwise(c.Request.Context(), corrReq)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, computeCorrelationResponse{
			Matrix:          result.Matrix,
			Diagnostics:     &result.Diagnostics,
			PropIDs:         result.PropIDs,
			NumObservations: result.NumObservations,
		})

	case "factor":
		model, err := h.engine.BuildFactorModel(c.Request.Context(), correlation.FactorRequest{
			Sport:        req.Sport,
			PropIDs:      req.PropIDs,
			LookbackDays: req.LookbackDays,
			MinSamples:   req.MinObservations,
			VersionTag:   req.VersionTag,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, computeCorrelationResponse{
			FactorLoadings:  model.Loadings,
			Eigenvalues:     model.Eigenvalues,
			ExplainedRatio:  model.ExplainedVarianceRatio,
			PropIDs:         model.PropIDs,
			NumObservations: model.SampleSize,
		})

	case "copula":
		params, err := h.engine.ComputeCopulaParams(c.Request.Context(), corrReq)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, computeCorrelationResponse{
			CopulaParams: params,
			PropIDs:      params.PropIDs,
		})

	default:
		respondError(c, apperrors.E(apperrors.KindInvalidInput,
			"unknown method %q, expected pairwise, factor, or copula", req.Method))
	}
}
