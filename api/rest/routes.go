package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
	"github.com/kasuganosora/questforge/engine"
	mw "github.com/kasuganosora/questforge/middleware"
	"go.uber.org/zap"
)

// Register mounts the quest API under api.
func Register(api *gin.RouterGroup, eng *engine.Engine, cfg *config.Config, c cache.Cache, logger *zap.Logger) {
	questH := NewQuestHandler(eng)
	rankH := NewRankingHandler(eng, logger)
	adminH := NewAdminHandler(eng, cfg.Security, c, logger)
	shopH := NewShopHandler(eng, logger)

	api.GET("/shared", questH.Shared)
	api.GET("/ranking/points", rankH.TopPoints)

	playerG := api.Group("", mw.Auth(cfg.Security, c))
	playerG.GET("/profile", questH.Profile)
	playerG.GET("/quests/:tier", questH.List)
	playerG.POST("/quests/:tier/reroll", questH.Reroll)
	playerG.POST("/quests/:tier/:id/claim", questH.Claim)
	playerG.GET("/shop", shopH.Offers)
	playerG.POST("/shop/:item/purchase", shopH.Purchase)

	adminG := api.Group("/admin")
	adminG.Use(mw.IPWhitelist(cfg.Security.AdminIPs, logger), AdminAuth(cfg.Server.AdminKey))
	adminG.GET("/metrics", adminH.Metrics)
	adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	adminG.POST("/templates/reload", adminH.ReloadTemplates)
	adminG.POST("/shop/reload", shopH.Reload)
	adminG.POST("/signals", adminH.Signals)
	adminG.POST("/players/:id/join", adminH.Join)
	adminG.POST("/players/:id/quit", adminH.Quit)
	adminG.POST("/players/:id/reroll/:tier", adminH.Reroll)
	adminG.POST("/players/:id/reset/:tier/:index", adminH.ResetSlot)
	adminG.POST("/players/:id/points", adminH.Points)
	adminG.POST("/players/:id/stats", adminH.Stats)
	adminG.POST("/players/:id/token", adminH.IssueToken)
	adminG.POST("/tokens/revoke", adminH.RevokeToken)
	adminG.GET("/placements", adminH.CheckPlacement)
	adminG.POST("/placements", adminH.TrackPlacement)
	adminG.DELETE("/placements", adminH.ForgetPlacement)
}
