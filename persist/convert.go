package persist

import (
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/datatypes"

	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/model"
)

func marshalJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

func unmarshalJSON(data datatypes.JSON, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// PersonalRow converts a personal instance to its table row.
func PersonalRow(playerID string, slot int, inst *quest.Instance) model.PersonalQuest {
	return model.PersonalQuest{
		ID:           inst.ID,
		PlayerID:     playerID,
		Tier:         string(inst.Tier),
		Slot:         slot,
		TemplateID:   inst.TemplateID,
		Name:         inst.Name,
		Description:  inst.Description,
		Category:     string(inst.Category),
		Target:       inst.Target,
		TargetAmount: inst.TargetAmount,
		Progress:     inst.Progress,
		Completed:    inst.Completed,
		Claimed:      inst.Claimed,
		Requirement:  marshalJSON(inst.Requirement),
		Reward:       marshalJSON(inst.Reward),
		CreatedAt:    inst.CreatedAt,
		CompletedAt:  inst.CompletedAt,
	}
}

// PersonalInstance rebuilds an instance from its row.
func PersonalInstance(row model.PersonalQuest) (*quest.Instance, error) {
	inst := &quest.Instance{
		ID:           row.ID,
		TemplateID:   row.TemplateID,
		Tier:         quest.Tier(row.Tier),
		Name:         row.Name,
		Description:  row.Description,
		Category:     quest.Category(row.Category),
		Target:       row.Target,
		TargetAmount: row.TargetAmount,
		Progress:     row.Progress,
		Completed:    row.Completed,
		Claimed:      row.Claimed,
		CreatedAt:    row.CreatedAt,
		CompletedAt:  row.CompletedAt,
	}
	if err := unmarshalJSON(row.Requirement, &inst.Requirement); err != nil {
		return nil, fmt.Errorf("quest %s requirement: %w", row.ID, err)
	}
	if err := unmarshalJSON(row.Reward, &inst.Reward); err != nil {
		return nil, fmt.Errorf("quest %s reward: %w", row.ID, err)
	}
	normalise(inst)
	return inst, nil
}

// SharedRow converts a shared instance and its ledger to a table row.
func SharedRow(inst *quest.Instance, ledger map[string]int64, claimed map[string]bool) model.SharedQuest {
	claimedBy := make([]string, 0, len(claimed))
	for p := range claimed {
		claimedBy = append(claimedBy, p)
	}
	sort.Strings(claimedBy)
	if ledger == nil {
		ledger = map[string]int64{}
	}
	return model.SharedQuest{
		ID:            inst.ID,
		TemplateID:    inst.TemplateID,
		Name:          inst.Name,
		Description:   inst.Description,
		Category:      string(inst.Category),
		Target:        inst.Target,
		TargetAmount:  inst.TargetAmount,
		Progress:      inst.Progress,
		Completed:     inst.Completed,
		Contributions: marshalJSON(ledger),
		ClaimedBy:     marshalJSON(claimedBy),
		Requirement:   marshalJSON(inst.Requirement),
		Reward:        marshalJSON(inst.Reward),
		CreatedAt:     inst.CreatedAt,
		CompletedAt:   inst.CompletedAt,
	}
}

// SharedInstance rebuilds a shared instance, its ledger and claimed set.
// Progress and completion are recomputed from the ledger.
func SharedInstance(row model.SharedQuest) (*quest.Instance, map[string]int64, map[string]bool, error) {
	inst := &quest.Instance{
		ID:           row.ID,
		TemplateID:   row.TemplateID,
		Tier:         quest.TierShared,
		Name:         row.Name,
		Description:  row.Description,
		Category:     quest.Category(row.Category),
		Target:       row.Target,
		TargetAmount: row.TargetAmount,
		CreatedAt:    row.CreatedAt,
		CompletedAt:  row.CompletedAt,
	}
	if err := unmarshalJSON(row.Requirement, &inst.Requirement); err != nil {
		return nil, nil, nil, fmt.Errorf("shared quest %s requirement: %w", row.ID, err)
	}
	if err := unmarshalJSON(row.Reward, &inst.Reward); err != nil {
		return nil, nil, nil, fmt.Errorf("shared quest %s reward: %w", row.ID, err)
	}
	ledger := map[string]int64{}
	if err := unmarshalJSON(row.Contributions, &ledger); err != nil {
		return nil, nil, nil, fmt.Errorf("shared quest %s contributions: %w", row.ID, err)
	}
	var claimedBy []string
	if err := unmarshalJSON(row.ClaimedBy, &claimedBy); err != nil {
		return nil, nil, nil, fmt.Errorf("shared quest %s claimed_by: %w", row.ID, err)
	}
	claimed := make(map[string]bool, len(claimedBy))
	for _, p := range claimedBy {
		claimed[p] = true
	}
	var sum int64
	for p, v := range ledger {
		if v <= 0 {
			delete(ledger, p)
			continue
		}
		sum += v
	}
	inst.Progress = sum
	normalise(inst)
	return inst, ledger, claimed, nil
}

// normalise restores the progress invariants on rows edited by hand.
func normalise(inst *quest.Instance) {
	if inst.TargetAmount < 1 {
		inst.TargetAmount = 1
	}
	if inst.Progress < 0 {
		inst.Progress = 0
	}
	if inst.Progress >= inst.TargetAmount {
		inst.Progress = inst.TargetAmount
		inst.Completed = true
	}
	if inst.Claimed {
		inst.Completed = true
	}
	if inst.Completed {
		inst.Progress = inst.TargetAmount
	}
}
