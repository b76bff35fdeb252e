package model

// PlacedBlock marks a block as placed by a player so breaking it does not
// count as progress.
type PlacedBlock struct {
	World    string `gorm:"primaryKey;size:64" json:"world"`
	X        int    `gorm:"primaryKey;autoIncrement:false" json:"x"`
	Y        int    `gorm:"primaryKey;autoIncrement:false" json:"y"`
	Z        int    `gorm:"primaryKey;autoIncrement:false" json:"z"`
	Material string `gorm:"size:64" json:"material"`
	PlayerID string `gorm:"size:36" json:"player_id"`
	PlacedAt int64  `gorm:"index:idx_placed_blocks_time;not null" json:"placed_at"` // unix millis
}
