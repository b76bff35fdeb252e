package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
	"github.com/kasuganosora/questforge/engine"
	"github.com/kasuganosora/questforge/game/quest"
	mw "github.com/kasuganosora/questforge/middleware"
	"go.uber.org/zap"
)

// AdminHandler handles admin-only REST endpoints and the signal ingress used
// by co-located event sources. Routes should be protected by AdminAuth.
type AdminHandler struct {
	eng    *engine.Engine
	sec    config.SecurityConfig
	cache  cache.Cache
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(eng *engine.Engine, sec config.SecurityConfig, c cache.Cache, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{eng: eng, sec: sec, cache: c, logger: logger}
}

// Metrics returns engine counters.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Metrics())
}

// ListSchedulerTasks returns registered tickers and pending delays.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.eng.SchedulerTasks()})
}

// Reroll redraws a player's tier without spending an allowance.
// POST /api/admin/players/:id/reroll/:tier
func (h *AdminHandler) Reroll(c *gin.Context) {
	tier, ok := personalTierParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	list, err := h.eng.AdminReroll(c.Request.Context(), id, tier)
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("admin rerolled quests", zap.String("player", id), zap.String("tier", string(tier)))
	c.JSON(http.StatusOK, gin.H{"tier": tier, "quests": viewsOf(list)})
}

// ResetSlot replaces one quest of a player's tier.
// POST /api/admin/players/:id/reset/:tier/:index
func (h *AdminHandler) ResetSlot(c *gin.Context) {
	tier, ok := personalTierParam(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid index"})
		return
	}
	inst, err := h.eng.ResetSlot(c.Request.Context(), c.Param("id"), tier, index)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quest": viewOf(inst)})
}

// Points gives, takes or sets a player's quest points.
// POST /api/admin/players/:id/points {"op":"give","amount":5}
func (h *AdminHandler) Points(c *gin.Context) {
	var req struct {
		Op     engine.PointsOp `json:"op" binding:"required"`
		Amount int64           `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := c.Param("id")
	balance, err := h.eng.AdjustPoints(c.Request.Context(), id, req.Op, req.Amount)
	if errors.Is(err, engine.ErrBadPointsOp) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "op must be give, take or set"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("admin adjusted points",
		zap.String("player", id), zap.String("op", string(req.Op)),
		zap.Int64("amount", req.Amount), zap.Int64("balance", balance))
	c.JSON(http.StatusOK, gin.H{"player_id": id, "points": balance})
}

// ReloadTemplates reloads the quest template file.
// POST /api/admin/templates/reload
func (h *AdminHandler) ReloadTemplates(c *gin.Context) {
	if err := h.eng.ReloadTemplates(c.Request.Context()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": h.eng.Catalog().Version()})
}

type signalRequest struct {
	PlayerID string         `json:"player_id" binding:"required"`
	Category quest.Category `json:"category" binding:"required"`
	Target   string         `json:"target" binding:"required"`
	Amount   int64          `json:"amount"`
	World    string         `json:"world"`
	Biome    string         `json:"biome"`
	Y        *int           `json:"y"`
}

// Signals records one or more progress signals.
// POST /api/admin/signals {"signals":[{...}]}
func (h *AdminHandler) Signals(c *gin.Context) {
	var req struct {
		Signals []signalRequest `json:"signals" binding:"required,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	results := make([]engine.ProgressResult, 0, len(req.Signals))
	for _, s := range req.Signals {
		results = append(results, h.eng.RecordProgress(ctx, s.PlayerID, quest.Signal{
			Category: s.Category, Target: s.Target, Amount: s.Amount,
			World: s.World, Biome: s.Biome, Y: s.Y,
		}))
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Stats increments a player statistic.
// POST /api/admin/players/:id/stats {"key":"blocks_mined","delta":3}
func (h *AdminHandler) Stats(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Delta int64  `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Delta <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	v := h.eng.IncrementStat(c.Request.Context(), c.Param("id"), req.Key, req.Delta)
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": v})
}

// Join marks a player online.
// POST /api/admin/players/:id/join {"name":"Alex"}
func (h *AdminHandler) Join(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	c.JSON(http.StatusOK, h.eng.PlayerJoin(c.Request.Context(), c.Param("id"), req.Name))
}

// Quit marks a player offline.
// POST /api/admin/players/:id/quit
func (h *AdminHandler) Quit(c *gin.Context) {
	h.eng.PlayerQuit(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type placementRequest struct {
	World    string `json:"world" form:"world" binding:"required"`
	X        *int   `json:"x" form:"x" binding:"required"`
	Y        *int   `json:"y" form:"y" binding:"required"`
	Z        *int   `json:"z" form:"z" binding:"required"`
	Material string `json:"material"`
	PlayerID string `json:"player_id"`
}

// TrackPlacement records a player-placed block.
// POST /api/admin/placements
func (h *AdminHandler) TrackPlacement(c *gin.Context) {
	var req placementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.eng.TrackPlacement(req.World, *req.X, *req.Y, *req.Z, req.Material, req.PlayerID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CheckPlacement reports whether a position holds a player-placed block.
// GET /api/admin/placements?world=w&x=1&y=2&z=3
func (h *AdminHandler) CheckPlacement(c *gin.Context) {
	var req placementRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	placed := h.eng.IsPlayerPlaced(c.Request.Context(), req.World, *req.X, *req.Y, *req.Z)
	c.JSON(http.StatusOK, gin.H{"player_placed": placed})
}

// ForgetPlacement drops the record at a position.
// DELETE /api/admin/placements?world=w&x=1&y=2&z=3
func (h *AdminHandler) ForgetPlacement(c *gin.Context) {
	var req placementRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.eng.ForgetPlacement(req.World, *req.X, *req.Y, *req.Z)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// IssueToken signs a player bearer token for the game server to hand out.
// POST /api/admin/players/:id/token {"name":"Alex"}
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	ttl := h.sec.JWTTTLH
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	token, err := mw.GenerateToken(c.Param("id"), req.Name, h.sec.JWTSecret, ttl)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int64(ttl.Seconds())})
}

// RevokeToken blocks a previously issued token.
// POST /api/admin/tokens/revoke {"token":"..."}
func (h *AdminHandler) RevokeToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}
	claims, err := mw.ParseToken(req.Token, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token"})
		return
	}
	if err := mw.Revoke(c.Request.Context(), h.cache, claims); err != nil {
		h.logger.Error("token revoke failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "player_id": claims.PlayerID()})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
