package model

import "time"

// PlayerProfile is the durable mirror of a cached player profile.
type PlayerProfile struct {
	PlayerID        string    `gorm:"primaryKey;size:36" json:"player_id"`
	Name            string    `gorm:"size:32" json:"name"`
	QuestPoints     int64     `gorm:"index:idx_profile_points;not null;default:0" json:"quest_points"`
	DailyRerolls    int       `gorm:"not null;default:0" json:"daily_rerolls"`
	WeeklyRerolls   int       `gorm:"not null;default:0" json:"weekly_rerolls"`
	LastDailyReset  time.Time `json:"last_daily_reset"`
	LastWeeklyReset time.Time `json:"last_weekly_reset"`
	TotalCompleted  int64     `gorm:"not null;default:0" json:"total_completed"`
	JoinedAt        time.Time `json:"joined_at"`
	LastSeen        time.Time `json:"last_seen"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PlayerStatistic is one named counter of a player.
type PlayerStatistic struct {
	PlayerID  string    `gorm:"primaryKey;size:36" json:"player_id"`
	StatKey   string    `gorm:"primaryKey;size:64" json:"stat_key"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
