// Package persist mirrors in-memory quest state to the relational store.
// Repository performs synchronous reads and upserts; Gateway queues writes
// so callers on the signal path never wait for the database.
package persist

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kasuganosora/questforge/model"
)

// ErrNotFound is returned by loads that find no row.
var ErrNotFound = errors.New("persist: not found")

// Repository wraps the gorm handle with the engine's queries.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a Repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for diagnostics and tests.
func (r *Repository) DB() *gorm.DB { return r.db }

func upsert(tx *gorm.DB, value interface{}) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// ---- profiles ----

// SaveProfile upserts a profile together with its statistics.
func (r *Repository) SaveProfile(ctx context.Context, p *model.PlayerProfile, stats []model.PlayerStatistic) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, p); err != nil {
			return fmt.Errorf("save profile %s: %w", p.PlayerID, err)
		}
		if len(stats) == 0 {
			return nil
		}
		if err := upsert(tx, &stats); err != nil {
			return fmt.Errorf("save stats %s: %w", p.PlayerID, err)
		}
		return nil
	})
}

// LoadProfile returns the stored profile and statistics of a player.
func (r *Repository) LoadProfile(ctx context.Context, playerID string) (*model.PlayerProfile, []model.PlayerStatistic, error) {
	var p model.PlayerProfile
	err := r.db.WithContext(ctx).Where("player_id = ?", playerID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var stats []model.PlayerStatistic
	if err := r.db.WithContext(ctx).Where("player_id = ?", playerID).Find(&stats).Error; err != nil {
		return nil, nil, err
	}
	return &p, stats, nil
}

// TopProfiles returns profiles ordered by quest points, highest first.
func (r *Repository) TopProfiles(ctx context.Context, limit int) ([]model.PlayerProfile, error) {
	var out []model.PlayerProfile
	err := r.db.WithContext(ctx).
		Order("quest_points DESC").Order("player_id").
		Limit(limit).Find(&out).Error
	return out, err
}

// ProfileNames returns the display names of the given players.
func (r *Repository) ProfileNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []model.PlayerProfile
	if err := r.db.WithContext(ctx).Select("player_id", "name").Where("player_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.PlayerID] = row.Name
	}
	return out, nil
}

// ---- personal quests ----

// ReplacePersonalQuests makes rows the complete quest list of a player tier.
func (r *Repository) ReplacePersonalQuests(ctx context.Context, playerID, tier string, rows []model.PersonalQuest) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		del := tx.Where("player_id = ? AND tier = ?", playerID, tier)
		if len(ids) > 0 {
			del = del.Where("id NOT IN ?", ids)
		}
		if err := del.Delete(&model.PersonalQuest{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return upsert(tx, &rows)
	})
}

// SavePersonalQuest upserts one personal quest.
func (r *Repository) SavePersonalQuest(ctx context.Context, row *model.PersonalQuest) error {
	return upsert(r.db.WithContext(ctx), row)
}

// LoadPersonalQuests returns a player's quests of one tier in slot order.
func (r *Repository) LoadPersonalQuests(ctx context.Context, playerID, tier string) ([]model.PersonalQuest, error) {
	var out []model.PersonalQuest
	err := r.db.WithContext(ctx).
		Where("player_id = ? AND tier = ?", playerID, tier).
		Order("slot").Find(&out).Error
	return out, err
}

// ---- shared quests ----

// sharedSnapshotColumns are the columns a shared quest snapshot may
// overwrite. retired is absent: once RetireSharedQuest ran, no snapshot can
// return the quest to the active pool.
var sharedSnapshotColumns = []string{
	"template_id", "name", "description", "category", "target", "target_amount",
	"progress", "completed", "contributions", "claimed_by", "requirement",
	"reward", "completed_at", "updated_at",
}

// SaveSharedQuest upserts a shared quest including its ledger.
func (r *Repository) SaveSharedQuest(ctx context.Context, row *model.SharedQuest) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(sharedSnapshotColumns),
	}).Create(row).Error
}

// RetireSharedQuest marks a refilled shared quest as no longer active.
func (r *Repository) RetireSharedQuest(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.SharedQuest{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"retired": true, "completed": true}).Error
}

// LoadActiveSharedQuests returns every shared quest not yet retired.
func (r *Repository) LoadActiveSharedQuests(ctx context.Context) ([]model.SharedQuest, error) {
	var out []model.SharedQuest
	err := r.db.WithContext(ctx).Where("retired = ?", false).Order("created_at").Find(&out).Error
	return out, err
}

// ---- placement provenance ----

// SavePlacement upserts a placed-block record.
func (r *Repository) SavePlacement(ctx context.Context, row *model.PlacedBlock) error {
	return upsert(r.db.WithContext(ctx), row)
}

// FindPlacement returns the record at a position.
func (r *Repository) FindPlacement(ctx context.Context, world string, x, y, z int) (*model.PlacedBlock, error) {
	var row model.PlacedBlock
	err := r.db.WithContext(ctx).
		Where("world = ? AND x = ? AND y = ? AND z = ?", world, x, y, z).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &row, err
}

// DeletePlacement removes the record at a position.
func (r *Repository) DeletePlacement(ctx context.Context, world string, x, y, z int) error {
	return r.db.WithContext(ctx).
		Where("world = ? AND x = ? AND y = ? AND z = ?", world, x, y, z).
		Delete(&model.PlacedBlock{}).Error
}

// PurgePlacements deletes records placed before the given unix-milli time.
func (r *Repository) PurgePlacements(ctx context.Context, before int64) (int64, error) {
	res := r.db.WithContext(ctx).Where("placed_at < ?", before).Delete(&model.PlacedBlock{})
	return res.RowsAffected, res.Error
}

// ---- shop ----

// LoadPurchases returns every purchase-limit row of a player.
func (r *Repository) LoadPurchases(ctx context.Context, playerID string) ([]model.PurchaseRecord, error) {
	var out []model.PurchaseRecord
	err := r.db.WithContext(ctx).Where("player_id = ?", playerID).Order("item_id, period").Find(&out).Error
	return out, err
}

// SavePurchases upserts purchase-limit rows in one transaction.
func (r *Repository) SavePurchases(ctx context.Context, rows []model.PurchaseRecord) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, &rows); err != nil {
			return fmt.Errorf("save purchases %s: %w", rows[0].PlayerID, err)
		}
		return nil
	})
}
