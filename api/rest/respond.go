package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/questforge/game/profile"
	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/game/reward"
	"github.com/kasuganosora/questforge/game/shop"
)

// reasonStatus maps claim failure reasons to HTTP statuses.
var reasonStatus = map[string]int{
	reward.ReasonNotFound:       http.StatusNotFound,
	reward.ReasonNotCompleted:   http.StatusConflict,
	reward.ReasonAlreadyClaimed: http.StatusConflict,
	reward.ReasonNotContributor: http.StatusForbidden,
	reward.ReasonUnknownTier:    http.StatusBadRequest,
	reward.ReasonUnavailable:    http.StatusServiceUnavailable,
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, quest.ErrUnknownTier), errors.Is(err, quest.ErrSlotOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, quest.ErrNotFound), errors.Is(err, shop.ErrUnknownItem):
		return http.StatusNotFound
	case errors.Is(err, quest.ErrNoRerolls), errors.Is(err, shop.ErrLimitReached), errors.Is(err, profile.ErrInsufficientPoints):
		return http.StatusConflict
	case errors.Is(err, quest.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

// tierParam parses the :tier path parameter, answering 400 on failure.
func tierParam(c *gin.Context) (quest.Tier, bool) {
	tier, err := quest.ParseTier(c.Param("tier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return "", false
	}
	return tier, true
}

func personalTierParam(c *gin.Context) (quest.Tier, bool) {
	tier, ok := tierParam(c)
	if ok && !tier.Personal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier is not personal"})
		return "", false
	}
	return tier, ok
}

func limitQuery(c *gin.Context, def, max int) int {
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= max {
		return l
	}
	return def
}

// QuestView is an instance plus its derived status.
type QuestView struct {
	quest.Instance
	Status  quest.Status `json:"status"`
	Percent int          `json:"percent"`
}

func viewOf(inst quest.Instance) QuestView {
	return QuestView{Instance: inst, Status: inst.Status(), Percent: inst.Percent()}
}

func viewsOf(list []quest.Instance) []QuestView {
	out := make([]QuestView, 0, len(list))
	for _, inst := range list {
		out = append(out, viewOf(inst))
	}
	return out
}
