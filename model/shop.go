package model

import "time"

// PurchaseRecord counts one player's purchases of a shop item inside the
// current window of a limit period.
type PurchaseRecord struct {
	PlayerID    string    `gorm:"primaryKey;size:36" json:"player_id"`
	ItemID      string    `gorm:"primaryKey;size:64" json:"item_id"`
	Period      string    `gorm:"primaryKey;size:16" json:"period"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `gorm:"not null;default:0" json:"count"`
	UpdatedAt   time.Time `json:"updated_at"`
}
