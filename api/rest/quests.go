package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/engine"
	"github.com/kasuganosora/questforge/game/quest"
	mw "github.com/kasuganosora/questforge/middleware"
)

// QuestHandler serves the player-facing quest endpoints. Routes other than
// Shared must sit behind middleware.Auth.
type QuestHandler struct {
	eng *engine.Engine
}

// NewQuestHandler creates a QuestHandler.
func NewQuestHandler(eng *engine.Engine) *QuestHandler {
	return &QuestHandler{eng: eng}
}

// List returns the caller's quests of a tier.
// GET /api/quests/:tier
func (h *QuestHandler) List(c *gin.Context) {
	tier, ok := tierParam(c)
	if !ok {
		return
	}
	if tier == quest.TierShared {
		h.Shared(c)
		return
	}
	list, err := h.eng.Quests(c.Request.Context(), mw.GetPlayerID(c), tier)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "quests": viewsOf(list)})
}

// Claim claims a completed quest and returns the emitted reward intent.
// POST /api/quests/:tier/:id/claim
func (h *QuestHandler) Claim(c *gin.Context) {
	tier, ok := tierParam(c)
	if !ok {
		return
	}
	res := h.eng.Claim(c.Request.Context(), mw.GetPlayerID(c), tier, c.Param("id"))
	if !res.OK {
		status, known := reasonStatus[res.Reason]
		if !known {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"ok": false, "reason": res.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "quest": viewOf(*res.Quest), "reward": res.Intent})
}

// Reroll spends one reroll to redraw a personal tier.
// POST /api/quests/:tier/reroll
func (h *QuestHandler) Reroll(c *gin.Context) {
	tier, ok := personalTierParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := mw.GetPlayerID(c)
	list, err := h.eng.Reroll(ctx, id, tier)
	if err != nil {
		fail(c, err)
		return
	}
	p := h.eng.Profile(ctx, id)
	left := p.DailyRerolls
	if tier == quest.TierWeekly {
		left = p.WeeklyRerolls
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "quests": viewsOf(list), "rerolls_left": left})
}

// Profile returns the caller's profile.
// GET /api/profile
func (h *QuestHandler) Profile(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Profile(c.Request.Context(), mw.GetPlayerID(c)))
}

// SharedView is a shared quest as shown to players.
type SharedView struct {
	QuestView
	Contributors  int              `json:"contributors"`
	Ledger        map[string]int64 `json:"ledger"`
	ClaimedBy     []string         `json:"claimed_by"`
	RefillPending bool             `json:"refill_pending"`
}

// Shared returns the active shared pool.
// GET /api/shared
func (h *QuestHandler) Shared(c *gin.Context) {
	pool := h.eng.Shared()
	out := make([]SharedView, 0, len(pool))
	for _, v := range pool {
		out = append(out, SharedView{
			QuestView:     viewOf(v.Quest),
			Contributors:  len(v.Ledger),
			Ledger:        v.Ledger,
			ClaimedBy:     v.ClaimedBy,
			RefillPending: v.RefillPending,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tier": quest.TierShared, "quests": out})
}
