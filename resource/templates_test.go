package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kasuganosora/questforge/game/quest"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

const sampleDoc = `
aliases:
  logs: _log
daily:
  mine_stone:
    name: Stone Breaker
    description: Mine {amount} stone
    category: mining
    target: stone
    amount: [50, 100]
    weight: 10
    requirements:
      materials: [STONE]
      y_min: -64
    rewards:
      money: [100, 200]
      experience: 15
      items:
        - {id: diamond, qty: 2}
      commands: ["say {player} did it"]
  single_amount:
    category: FISHING
    amount: 12
  bad_category:
    category: MINNING
    amount: [1, 2]
  bad_amount:
    category: MINING
    amount: [0, 5]
  inverted:
    category: MINING
    amount: [9, 3]
  unknown_field:
    category: MINING
    amount: 5
    colour: blue
  switched_off:
    category: MINING
    amount: 5
    enabled: false
weekly:
  smelt:
    category: SMELTING
    amount: [10, 20]
    requirements:
      items: [IRON_INGOT]
      from_smelting: true
`

func TestParseTemplates_ValidAndSkipped(t *testing.T) {
	logger, logs := observed()
	set, err := ParseTemplates([]byte(sampleDoc), logger)
	require.NoError(t, err)

	require.Len(t, set.Daily, 2)
	ms := set.Daily[0]
	assert.Equal(t, "mine_stone", ms.ID)
	assert.Equal(t, quest.CategoryMining, ms.Category)
	assert.Equal(t, "STONE", ms.Target)
	assert.Equal(t, quest.Range{Min: 50, Max: 100}, ms.Amount)
	assert.Equal(t, 10, ms.Weight)
	require.NotNil(t, ms.Requirement.YMin)
	assert.Equal(t, -64, *ms.Requirement.YMin)
	assert.Equal(t, quest.Range{Min: 15, Max: 15}, ms.Reward.Experience)
	assert.Equal(t, []quest.ItemReward{{ID: "DIAMOND", Qty: 2}}, ms.Reward.Items)
	assert.Equal(t, []string{"say {player} did it"}, ms.Reward.Commands)

	single := set.Daily[1]
	assert.Equal(t, "single_amount", single.ID)
	assert.Equal(t, quest.Range{Min: 12, Max: 12}, single.Amount)
	assert.Equal(t, defaultTemplateWeight, single.Weight)
	assert.Equal(t, quest.Wildcard, single.Target)

	require.Len(t, set.Weekly, 1)
	assert.Equal(t, quest.CategorySmelting, set.Weekly[0].Requirement.Pathway())
	assert.Empty(t, set.Shared)

	assert.Equal(t, "_LOG", set.Aliases["LOGS"])
	assert.Equal(t, "_PLANKS", set.Aliases["WOOD_PLANKS"])

	skipped := logs.FilterMessage("invalid quest template skipped").All()
	ids := make([]string, 0, len(skipped))
	for _, e := range skipped {
		ids = append(ids, e.ContextMap()["template"].(string))
	}
	assert.ElementsMatch(t, []string{"bad_category", "bad_amount", "inverted", "unknown_field"}, ids)
}

func TestParseTemplates_DidYouMean(t *testing.T) {
	logger, logs := observed()
	_, err := ParseTemplates([]byte("daily:\n  x:\n    category: MINNING\n    amount: 3\n"), logger)
	require.NoError(t, err)
	entries := logs.FilterMessage("invalid quest template skipped").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], `did you mean "MINING"`)
}

func TestParseTemplates_MalformedDocument(t *testing.T) {
	_, err := ParseTemplates([]byte("daily: [unclosed"), zap.NewNop())
	assert.Error(t, err)
}

func TestParseTemplates_TierNotMapping(t *testing.T) {
	logger, logs := observed()
	set, err := ParseTemplates([]byte("daily: [1, 2]\n"), logger)
	require.NoError(t, err)
	assert.Empty(t, set.Daily)
	assert.Equal(t, 1, logs.FilterMessage("quest tier is not a mapping, skipped").Len())
}

func TestParseTemplates_Duplicate(t *testing.T) {
	logger, logs := observed()
	set, err := ParseTemplates([]byte("daily:\n  a:\n    category: MINING\n    amount: 1\n  a:\n    category: MINING\n    amount: 2\n"), logger)
	require.NoError(t, err)
	require.Len(t, set.Daily, 1)
	assert.Equal(t, int64(1), set.Daily[0].Amount.Min, "first definition wins")
	assert.Equal(t, 1, logs.FilterMessage("invalid quest template skipped").Len())
}

func TestLoadTemplates_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quests.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	cat := quest.NewCatalog(TemplateLoader(path, zap.NewNop()), zap.NewNop())
	set, err := cat.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, set.Size())
	assert.Len(t, cat.Eligible(quest.TierDaily), 2)
}

func TestLoadTemplates_Missing(t *testing.T) {
	_, err := LoadTemplates(filepath.Join(t.TempDir(), "none.yml"), zap.NewNop())
	assert.Error(t, err)
}

func TestLoadTemplates_BundledCatalog(t *testing.T) {
	logger, logs := observed()
	set, err := LoadTemplates(filepath.Join("..", "data", "quests.yml"), logger)
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("invalid quest template skipped").Len())
	assert.NotEmpty(t, set.Daily)
	assert.NotEmpty(t, set.Weekly)
	assert.GreaterOrEqual(t, len(set.Shared), 3)
}
