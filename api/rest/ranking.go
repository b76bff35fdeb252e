package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/engine"
	"go.uber.org/zap"
)

const rankingTop = 100

// RankingHandler handles leaderboard REST endpoints.
type RankingHandler struct {
	eng    *engine.Engine
	logger *zap.Logger
}

// NewRankingHandler creates a RankingHandler.
func NewRankingHandler(eng *engine.Engine, logger *zap.Logger) *RankingHandler {
	return &RankingHandler{eng: eng, logger: logger}
}

// TopPoints returns the top players by quest points.
// GET /api/ranking/points?limit=20
func (h *RankingHandler) TopPoints(c *gin.Context) {
	limit := limitQuery(c, 20, rankingTop)
	entries, err := h.eng.Ranking(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("ranking query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ranking": entries})
}
