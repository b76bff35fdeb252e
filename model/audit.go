package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records reward intents and administrative actions.
type AuditLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID   string         `gorm:"index:idx_audit_trace;size:36;not null" json:"trace_id"`
	PlayerID  string         `gorm:"index:idx_audit_player;size:36" json:"player_id"`
	Tier      string         `gorm:"size:16" json:"tier"`
	QuestID   string         `gorm:"size:36" json:"quest_id"`
	Action    string         `gorm:"size:64;not null" json:"action"`
	Payload   datatypes.JSON `json:"payload"`
	Error     string         `gorm:"type:text" json:"error"`
	CreatedAt time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
