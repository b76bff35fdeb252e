package model_test

import (
	"testing"
	"time"

	"github.com/kasuganosora/questforge/model"
	"github.com/kasuganosora/questforge/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// Profile
	prof := &model.PlayerProfile{PlayerID: "p-1", Name: "Steve", QuestPoints: 12}
	require.NoError(t, db.Create(prof).Error)

	var found model.PlayerProfile
	require.NoError(t, db.First(&found, "player_id = ?", "p-1").Error)
	assert.Equal(t, "Steve", found.Name)
	assert.Equal(t, int64(12), found.QuestPoints)

	// Statistic
	require.NoError(t, db.Create(&model.PlayerStatistic{PlayerID: "p-1", StatKey: "blocks_broken", Value: 3}).Error)

	// Personal quest
	pq := &model.PersonalQuest{
		ID: "q-1", PlayerID: "p-1", Tier: "daily", TemplateID: "mine_stone",
		Category: "MINING", Target: "STONE", TargetAmount: 75,
	}
	require.NoError(t, db.Create(pq).Error)

	// Shared quest with JSON ledger
	sq := &model.SharedQuest{
		ID: "s-1", TemplateID: "community_mine", Category: "MINING", Target: "STONE",
		TargetAmount: 1000, Progress: 500,
		Contributions: datatypes.JSON(`{"a":300,"b":200}`),
	}
	require.NoError(t, db.Create(sq).Error)
	var sqFound model.SharedQuest
	require.NoError(t, db.First(&sqFound, "id = ?", "s-1").Error)
	assert.JSONEq(t, `{"a":300,"b":200}`, string(sqFound.Contributions))

	// Placement
	require.NoError(t, db.Create(&model.PlacedBlock{World: "world", X: 1, Y: 64, Z: -3, Material: "STONE", PlacedAt: time.Now().UnixMilli()}).Error)

	// AuditLog
	al := &model.AuditLog{
		TraceID: "trace-001", Action: "reward_claim",
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(al).Error)
}
