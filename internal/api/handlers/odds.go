package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/oddsstore"
	"github.com/parlaylab/parlay-core/internal/types"
)

// OddsHandler handles snapshot ingestion and best-line reads.
type OddsHandler struct {
	store  *oddsstore.Store
	logger *logrus.Logger
}

// NewOddsHandler creates a new odds handler.
func NewOddsHandler(store *oddsstore.Store, logger *logrus.Logger) *OddsHandler {
	return &OddsHandler{store: store, logger: logger}
}

// recordSnapshotsRequest is the ingestion payload.
type recordSnapshotsRequest struct {
	PropID     string                    `json:"prop_id" binding:"required"`
	Sport      string                    `json:"sport" binding:"required"`
	MarketType string                    `json:"market_type"`
	Snapshots  []oddsstore.SnapshotInput `json:"snapshots" binding:"required"`
}

// RecordSnapshots ingests per-bookmaker quotes for one prop.
func (h *OddsHandler) RecordSnapshots(c *gin.Context) {
	var req recordSnapshotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	result, err := h.store.RecordSnapshots(c.Request.Context(), req.PropID, req.Sport, req.MarketType, req.Snapshots)
	if err != nil {
		h.logger.WithError(err).WithField("prop_id", req.PropID).Error("Failed to record snapshots")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetBestLine returns the aggregate for a prop, recomputing when stale.
// A prop with no recent snapshots yields a null body.
func (h *OddsHandler) GetBestLine(c *gin.Context) {
	propID := c.Param("prop_id")

	maxAge := time.Duration(0)
	if v := c.Query("max_age_minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			respondInvalid(c, errInvalidQuery("max_age_minutes", v))
			return
		}
		maxAge = time.Duration(minutes) * time.Minute
	}

	agg, err := h.store.GetBestLine(c.Request.Context(), propID, maxAge)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

// GetLineMovement lists a prop's movement history.
func (h *OddsHandler) GetLineMovement(c *gin.Context) {
	propID := c.Param("prop_id")
	hours := intQuery(c, "hours", 24)
	bookmaker := c.Query("bookmaker")

	points, err := h.store.GetLineMovement(c.Request.Context(), propID, hours, bookmaker)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prop_id": propID, "movements": points})
}

// GetSteamMoves lists recent flagged steam moves.
func (h *OddsHandler) GetSteamMoves(c *gin.Context) {
	events, err := h.store.GetSteamMoves(c.Request.Context(), c.Query("sport"), intQuery(c, "hours", 24))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steam_moves": events})
}

// FindArbitrage lists aggregates with live arbitrage opportunities.
func (h *OddsHandler) FindArbitrage(c *gin.Context) {
	minProfit := 0.0
	if v := c.Query("min_profit_pct"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondInvalid(c, errInvalidQuery("min_profit_pct", v))
			return
		}
		minProfit = parsed
	}

	aggs, err := h.store.FindArbitrage(c.Request.Context(), c.Query("sport"), minProfit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opportunities": aggs})
}

// ListBookmakers returns the bookmaker registry.
func (h *OddsHandler) ListBookmakers(c *gin.Context) {
	books, err := h.store.ListBookmakers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookmakers": books})
}

// UpsertBookmaker registers or updates a bookmaker record.
func (h *OddsHandler) UpsertBookmaker(c *gin.Context) {
	var book types.Bookmaker
	if err := c.ShouldBindJSON(&book); err != nil {
		respondInvalid(c, err)
		return
	}
	if err := h.store.UpsertBookmaker(c.Request.Context(), &book); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}
