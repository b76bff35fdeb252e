package integration

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	ts := NewTestServer(t)
	Expect(t, ts.Get(t, "/health", ""), http.StatusOK)
}

func TestDailyQuestLifecycle(t *testing.T) {
	ts := NewTestServer(t)
	player := UniqueID("miner")
	token := ts.Join(t, player, "Miner")

	daily := ts.Quests(t, token, "daily")
	require.Len(t, daily, 6)
	stone := FindQuest(t, daily, "mine_stone")
	assert.Equal(t, "active", stone.Status)

	// cobblestone is listed as an accepted material
	res := ts.Signal(t, player, "MINING", "COBBLESTONE", stone.TargetAmount-1)
	assert.Equal(t, 0, res.Completed)
	Expect(t, ts.PostJSON(t, "/api/quests/daily/"+stone.ID+"/claim", nil, token), http.StatusConflict)

	res = ts.Signal(t, player, "MINING", "STONE", 5)
	assert.Equal(t, 1, res.Completed)
	stone = FindQuest(t, ts.Quests(t, token, "daily"), "mine_stone")
	assert.Equal(t, "completed", stone.Status)
	assert.Equal(t, stone.TargetAmount, stone.Progress)

	resp := ts.PostJSON(t, "/api/quests/daily/"+stone.ID+"/claim", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim struct {
		Reward struct {
			Money  int64 `json:"money"`
			Points int64 `json:"points"`
		} `json:"reward"`
	}
	ReadJSON(t, resp, &claim)
	assert.GreaterOrEqual(t, claim.Reward.Money, int64(100))
	assert.LessOrEqual(t, claim.Reward.Money, int64(200))
	assert.Equal(t, int64(1), claim.Reward.Points)

	Expect(t, ts.PostJSON(t, "/api/quests/daily/"+stone.ID+"/claim", nil, token), http.StatusConflict)

	var profile struct {
		QuestPoints    int64            `json:"quest_points"`
		TotalCompleted int64            `json:"total_completed"`
		Stats          map[string]int64 `json:"stats"`
	}
	ReadJSON(t, ts.Get(t, "/api/profile", token), &profile)
	assert.Equal(t, int64(1), profile.QuestPoints)
	assert.Equal(t, int64(1), profile.TotalCompleted)
	assert.Equal(t, int64(1), profile.Stats["completed_daily"])
}

func TestSharedQuestCooperation(t *testing.T) {
	ts := NewTestServer(t)
	a, b, lurker := UniqueID("a"), UniqueID("b"), UniqueID("c")
	tokA, tokB, tokC := ts.Join(t, a, "Ann"), ts.Join(t, b, "Bob"), ts.Join(t, lurker, "Cat")

	quarry := FindQuest(t, ts.Shared(t), "community_quarry")
	half := quarry.TargetAmount / 2

	res := ts.Signal(t, a, "MINING", "STONE", half)
	assert.Equal(t, half, res.Shared)
	res = ts.Signal(t, b, "MINING", "ANDESITE", quarry.TargetAmount)
	// contributions stop at the target
	assert.Equal(t, quarry.TargetAmount-half, res.Shared)

	quarry = FindQuest(t, ts.Quests(t, tokA, "shared"), "community_quarry")
	assert.Equal(t, "completed", quarry.Status)
	assert.Equal(t, 2, quarry.Contributors)

	Expect(t, ts.PostJSON(t, "/api/quests/shared/"+quarry.ID+"/claim", nil, tokC), http.StatusForbidden)
	Expect(t, ts.PostJSON(t, "/api/quests/shared/"+quarry.ID+"/claim", nil, tokA), http.StatusOK)
	Expect(t, ts.PostJSON(t, "/api/quests/shared/"+quarry.ID+"/claim", nil, tokA), http.StatusConflict)
	Expect(t, ts.PostJSON(t, "/api/quests/shared/"+quarry.ID+"/claim", nil, tokB), http.StatusOK)

	var ranking struct {
		Ranking []struct {
			PlayerID string `json:"player_id"`
			Points   int64  `json:"points"`
		} `json:"ranking"`
	}
	ReadJSON(t, ts.Get(t, "/api/ranking/points?limit=2", ""), &ranking)
	require.Len(t, ranking.Ranking, 2)
	assert.Equal(t, ts.Cfg.Shared.Points, ranking.Ranking[0].Points)
	assert.ElementsMatch(t, []string{a, b}, []string{ranking.Ranking[0].PlayerID, ranking.Ranking[1].PlayerID})
	assert.Equal(t, 1, ts.Engine.Metrics().RefillsPending)
}

func TestNotificationsStream(t *testing.T) {
	ts := NewTestServer(t)
	me, other := UniqueID("me"), UniqueID("other")
	token := ts.Join(t, me, "Me")
	ts.Join(t, other, "Other")
	stream := ts.OpenStream(t, token)

	stone := FindQuest(t, ts.Quests(t, token, "daily"), "mine_stone")
	ts.Signal(t, other, "MINING", "STONE", 1000)
	ts.Signal(t, me, "MINING", "STONE", stone.TargetAmount)

	data := stream.WaitFor(t, "on_quest_complete")
	assert.Contains(t, data, me)
	assert.NotContains(t, data, other)
}

func TestRerollAndAdminReset(t *testing.T) {
	ts := NewTestServer(t)
	player := UniqueID("p")
	token := ts.Join(t, player, "")

	before := ts.Quests(t, token, "weekly")
	Expect(t, ts.PostJSON(t, "/api/quests/weekly/reroll", nil, token), http.StatusOK)
	after := ts.Quests(t, token, "weekly")
	assert.Len(t, after, len(before))
	assert.NotEqual(t, before[0].ID, after[0].ID)
	Expect(t, ts.PostJSON(t, "/api/quests/weekly/reroll", nil, token), http.StatusConflict)

	Expect(t, ts.Admin(t, http.MethodPost, "/api/admin/players/"+player+"/reset/weekly/0", nil), http.StatusOK)
	Expect(t, ts.Admin(t, http.MethodPost, "/api/admin/players/"+player+"/reset/weekly/99", nil), http.StatusBadRequest)
}

func TestRestartRestoresState(t *testing.T) {
	ts := NewTestServer(t)
	player := UniqueID("p")
	token := ts.Join(t, player, "Persist")

	stone := FindQuest(t, ts.Quests(t, token, "daily"), "mine_stone")
	ts.Signal(t, player, "MINING", "STONE", 7)
	quarry := FindQuest(t, ts.Quests(t, token, "shared"), "community_quarry")
	Expect(t, ts.Admin(t, http.MethodPost, "/api/admin/players/"+player+"/points", map[string]interface{}{"op": "set", "amount": 42}), http.StatusOK)

	ts = ts.Restart(t)

	restored := FindQuest(t, ts.Quests(t, token, "daily"), "mine_stone")
	assert.Equal(t, stone.ID, restored.ID)
	assert.Equal(t, int64(7), restored.Progress)

	shared := FindQuest(t, ts.Quests(t, token, "shared"), "community_quarry")
	assert.Equal(t, quarry.ID, shared.ID)
	assert.Equal(t, int64(7), shared.Progress)
	assert.Equal(t, 1, shared.Contributors)

	var profile struct {
		QuestPoints int64 `json:"quest_points"`
	}
	ReadJSON(t, ts.Get(t, "/api/profile", token), &profile)
	assert.Equal(t, int64(42), profile.QuestPoints)
}

func TestAdminRequiresKey(t *testing.T) {
	ts := NewTestServer(t)
	Expect(t, ts.do(t, http.MethodGet, "/api/admin/metrics", nil, nil), http.StatusUnauthorized)
	Expect(t, ts.Admin(t, http.MethodGet, "/api/admin/metrics", nil), http.StatusOK)
}

func TestShopLimitSurvivesRestart(t *testing.T) {
	ts := NewTestServer(t)
	player := UniqueID("p")
	token := ts.Join(t, player, "Buyer")
	Expect(t, ts.Admin(t, http.MethodPost, "/api/admin/players/"+player+"/points", map[string]interface{}{"op": "set", "amount": 1000}), http.StatusOK)

	var bought struct {
		Receipt struct {
			Balance int64 `json:"balance"`
		} `json:"receipt"`
	}
	ReadJSON(t, ts.PostJSON(t, "/api/shop/title_questmaster/purchase", nil, token), &bought)
	assert.Equal(t, int64(500), bought.Receipt.Balance)

	ts = ts.Restart(t)

	Expect(t, ts.PostJSON(t, "/api/shop/title_questmaster/purchase", nil, token), http.StatusConflict)
	var profile struct {
		QuestPoints int64 `json:"quest_points"`
	}
	ReadJSON(t, ts.Get(t, "/api/profile", token), &profile)
	assert.Equal(t, int64(500), profile.QuestPoints)
}
