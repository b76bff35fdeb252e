package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/engine"
	mw "github.com/kasuganosora/questforge/middleware"
	"go.uber.org/zap"
)

// ShopHandler serves the quest-point shop.
type ShopHandler struct {
	eng    *engine.Engine
	logger *zap.Logger
}

func NewShopHandler(eng *engine.Engine, logger *zap.Logger) *ShopHandler {
	return &ShopHandler{eng: eng, logger: logger}
}

// Offers lists the shop with the caller's remaining limits.
// GET /api/shop
func (h *ShopHandler) Offers(c *gin.Context) {
	ctx := c.Request.Context()
	id := mw.GetPlayerID(c)
	offers, err := h.eng.ShopOffers(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": h.eng.Profile(ctx, id).QuestPoints, "items": offers})
}

// Purchase buys one item.
// POST /api/shop/:item/purchase
func (h *ShopHandler) Purchase(c *gin.Context) {
	rc, err := h.eng.Purchase(c.Request.Context(), mw.GetPlayerID(c), c.Param("item"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "receipt": rc})
}

// Reload reloads the shop catalog file.
// POST /api/admin/shop/reload
func (h *ShopHandler) Reload(c *gin.Context) {
	n, err := h.eng.ReloadShop()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("admin reloaded shop", zap.Int("items", n), zap.String("trace_id", mw.GetTraceID(c)))
	c.JSON(http.StatusOK, gin.H{"ok": true, "items": n})
}
