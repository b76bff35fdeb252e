// Package quest holds the quest domain model together with the pieces that
// only read it: the template catalog, the progress matcher and the generator.
package quest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("quest: not found")
	ErrNotCompleted   = errors.New("quest: not completed")
	ErrAlreadyClaimed = errors.New("quest: already claimed")
	ErrNotContributor = errors.New("quest: player did not contribute")
	ErrNoRerolls      = errors.New("quest: no rerolls left")
	ErrUnknownTier    = errors.New("quest: unknown tier")
	ErrSlotOutOfRange = errors.New("quest: slot out of range")
	// ErrStorageUnavailable means the player's stored state could not be
	// read; the request may be retried.
	ErrStorageUnavailable = errors.New("quest: storage unavailable")
)

// Tier identifies a quest cycle.
type Tier string

const (
	TierDaily  Tier = "daily"
	TierWeekly Tier = "weekly"
	TierShared Tier = "shared"
)

// PersonalTiers are the tiers owned per player.
var PersonalTiers = []Tier{TierDaily, TierWeekly}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierDaily, TierWeekly, TierShared:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Personal reports whether the tier is owned per player.
func (t Tier) Personal() bool { return t == TierDaily || t == TierWeekly }

// Category is the kind of gameplay action a quest counts.
type Category string

const (
	CategoryMining      Category = "MINING"
	CategoryWoodcutting Category = "WOODCUTTING"
	CategoryFarming     Category = "FARMING"
	CategoryFishing     Category = "FISHING"
	CategoryHunting     Category = "HUNTING"
	CategoryBuilding    Category = "BUILDING"
	CategoryCrafting    Category = "CRAFTING"
	CategorySmelting    Category = "SMELTING"
	CategoryBrewing     Category = "BREWING"
	CategoryEnchanting  Category = "ENCHANTING"
	CategoryTrading     Category = "TRADING"
	CategoryExploration Category = "EXPLORATION"
	CategorySurvival    Category = "SURVIVAL"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryMining, CategoryWoodcutting, CategoryFarming, CategoryFishing,
	CategoryHunting, CategoryBuilding, CategoryCrafting, CategorySmelting,
	CategoryBrewing, CategoryEnchanting, CategoryTrading, CategoryExploration,
	CategorySurvival,
}

// Known reports whether c is one of Categories.
func (c Category) Known() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Wildcard is the generic target meaning "anything in the category".
const Wildcard = "ANY"

// IsWildcard reports whether target is ANY or an ANY_* family tag.
func IsWildcard(target string) bool {
	return target == Wildcard || strings.HasPrefix(target, Wildcard+"_")
}

// Range is an inclusive integer range.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Requirement narrows which signals count towards a quest.
type Requirement struct {
	Materials      []string `json:"materials,omitempty"`
	MobTypes       []string `json:"mob_types,omitempty"`
	Items          []string `json:"items,omitempty"`
	Worlds         []string `json:"worlds,omitempty"`
	Biomes         []string `json:"biomes,omitempty"`
	YMin           *int     `json:"y_min,omitempty"`
	YMax           *int     `json:"y_max,omitempty"`
	FromSmelting   bool     `json:"from_smelting,omitempty"`
	SourceCategory Category `json:"source_category,omitempty"`
}

// Pathway returns the only category allowed to advance the quest, or "" when
// any signal under the quest's own category may.
func (r Requirement) Pathway() Category {
	if r.SourceCategory != "" {
		return r.SourceCategory
	}
	if r.FromSmelting {
		return CategorySmelting
	}
	return ""
}

// Accepts reports whether target is listed in any identifier list.
func (r Requirement) Accepts(target string) bool {
	for _, list := range [][]string{r.Materials, r.MobTypes, r.Items} {
		for _, id := range list {
			if id == target {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (r Requirement) Clone() Requirement {
	out := r
	out.Materials = cloneStrings(r.Materials)
	out.MobTypes = cloneStrings(r.MobTypes)
	out.Items = cloneStrings(r.Items)
	out.Worlds = cloneStrings(r.Worlds)
	out.Biomes = cloneStrings(r.Biomes)
	if r.YMin != nil {
		v := *r.YMin
		out.YMin = &v
	}
	if r.YMax != nil {
		v := *r.YMax
		out.YMax = &v
	}
	return out
}

// ItemReward is one item granted on claim.
type ItemReward struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

// RewardSpec is the reward range declared by a template.
type RewardSpec struct {
	Money      Range        `json:"money"`
	Experience Range        `json:"experience"`
	Items      []ItemReward `json:"items,omitempty"`
	Commands   []string     `json:"commands,omitempty"`
}

// Reward is the concrete reward resolved when an instance is created.
type Reward struct {
	Money      int64        `json:"money"`
	Experience int64        `json:"experience"`
	Points     int64        `json:"points"`
	Items      []ItemReward `json:"items,omitempty"`
	Commands   []string     `json:"commands,omitempty"`
}

// Clone returns a deep copy.
func (r Reward) Clone() Reward {
	out := r
	if r.Items != nil {
		out.Items = append([]ItemReward(nil), r.Items...)
	}
	out.Commands = cloneStrings(r.Commands)
	return out
}

// Template is an immutable quest archetype.
type Template struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    Category    `json:"category"`
	Target      string      `json:"target"`
	Amount      Range       `json:"amount"`
	Weight      int         `json:"weight"`
	Requirement Requirement `json:"requirement"`
	Reward      RewardSpec  `json:"reward"`
}

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusClaimed   Status = "claimed"
)

// Instance is a concrete quest drawn from a template. Only the owning store
// mutates an Instance; everything handed out is a copy.
type Instance struct {
	ID           string      `json:"id"`
	TemplateID   string      `json:"template_id"`
	Tier         Tier        `json:"tier"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Category     Category    `json:"category"`
	Target       string      `json:"target"`
	TargetAmount int64       `json:"target_amount"`
	Progress     int64       `json:"progress"`
	Completed    bool        `json:"completed"`
	Claimed      bool        `json:"claimed"`
	Requirement  Requirement `json:"requirement"`
	Reward       Reward      `json:"reward"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() Instance {
	out := *i
	out.Requirement = i.Requirement.Clone()
	out.Reward = i.Reward.Clone()
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Status derives the lifecycle state.
func (i *Instance) Status() Status {
	switch {
	case i.Claimed:
		return StatusClaimed
	case i.Completed:
		return StatusCompleted
	}
	return StatusActive
}

// Percent returns progress as an integer percentage in [0,100].
func (i *Instance) Percent() int {
	return Percent(i.Progress, i.TargetAmount)
}

// Remaining returns how much progress is still needed.
func (i *Instance) Remaining() int64 {
	if i.Progress >= i.TargetAmount {
		return 0
	}
	return i.TargetAmount - i.Progress
}

// Advance clamp-adds amount to progress and marks completion. It returns the
// amount actually applied, which is zero for a completed instance.
func (i *Instance) Advance(amount int64, now time.Time) int64 {
	if i.Completed || amount <= 0 {
		return 0
	}
	applied := amount
	if rem := i.Remaining(); applied > rem {
		applied = rem
	}
	i.Progress += applied
	if i.Progress >= i.TargetAmount {
		i.Progress = i.TargetAmount
		i.Completed = true
		t := now
		i.CompletedAt = &t
	}
	return applied
}

// Percent computes floor(progress*100/target) without overflowing.
func Percent(progress, target int64) int {
	if target <= 0 || progress <= 0 {
		return 0
	}
	if progress >= target {
		return 100
	}
	if progress <= (1<<63-1)/100 {
		return int(progress * 100 / target)
	}
	return int(progress / (target / 100))
}

// Signal is one progress report from an event source.
type Signal struct {
	Category Category `json:"category"`
	Target   string   `json:"target"`
	Amount   int64    `json:"amount"`
	World    string   `json:"world,omitempty"`
	Biome    string   `json:"biome,omitempty"`
	Y        *int     `json:"y,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
