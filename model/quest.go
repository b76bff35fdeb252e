package model

import (
	"time"

	"gorm.io/datatypes"
)

// PersonalQuest is one daily or weekly quest instance owned by a player.
type PersonalQuest struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	PlayerID     string         `gorm:"index:idx_personal_player_tier;size:36;not null" json:"player_id"`
	Tier         string         `gorm:"index:idx_personal_player_tier;size:16;not null" json:"tier"`
	Slot         int            `gorm:"not null;default:0" json:"slot"`
	TemplateID   string         `gorm:"size:64;not null" json:"template_id"`
	Name         string         `gorm:"size:128" json:"name"`
	Description  string         `gorm:"type:text" json:"description"`
	Category     string         `gorm:"size:32;not null" json:"category"`
	Target       string         `gorm:"size:64;not null" json:"target"`
	TargetAmount int64          `gorm:"not null" json:"target_amount"`
	Progress     int64          `gorm:"not null;default:0" json:"progress"`
	Completed    bool           `gorm:"not null;default:false" json:"completed"`
	Claimed      bool           `gorm:"not null;default:false" json:"claimed"`
	Requirement  datatypes.JSON `json:"requirement"`
	Reward       datatypes.JSON `json:"reward"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SharedQuest is a server-wide quest. Retired quests have been refilled and
// are kept only for history.
type SharedQuest struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	TemplateID    string         `gorm:"size:64;not null" json:"template_id"`
	Name          string         `gorm:"size:128" json:"name"`
	Description   string         `gorm:"type:text" json:"description"`
	Category      string         `gorm:"size:32;not null" json:"category"`
	Target        string         `gorm:"size:64;not null" json:"target"`
	TargetAmount  int64          `gorm:"not null" json:"target_amount"`
	Progress      int64          `gorm:"not null;default:0" json:"progress"`
	Completed     bool           `gorm:"not null;default:false" json:"completed"`
	Retired       bool           `gorm:"index:idx_shared_retired;not null;default:false" json:"retired"`
	Contributions datatypes.JSON `json:"contributions"` // {"<player>": 300, ...}
	ClaimedBy     datatypes.JSON `json:"claimed_by"`    // ["<player>", ...]
	Requirement   datatypes.JSON `json:"requirement"`
	Reward        datatypes.JSON `json:"reward"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
