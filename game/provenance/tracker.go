// Package provenance remembers which blocks were placed by players, so
// breaking them again does not count as quest progress.
package provenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/model"
	"github.com/kasuganosora/questforge/persist"
)

// DefaultRetention is how long a placement is remembered.
const DefaultRetention = 7 * 24 * time.Hour

type pos struct {
	world   string
	x, y, z int
}

// placedAt of a removed position; it shadows a row whose delete is still queued.
const tombstone int64 = -1

// defaultPurgeWait bounds how long Purge waits for queued placement writes.
const defaultPurgeWait = 10 * time.Second

// Tracker keeps recent placements in memory and mirrors them to storage.
type Tracker struct {
	mu     sync.RWMutex
	recent map[pos]int64

	gw        *persist.Gateway
	enabled   bool
	retention time.Duration
	purgeWait time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewTracker creates a Tracker. A disabled tracker records nothing and
// reports every block as natural.
func NewTracker(gw *persist.Gateway, enabled bool, retention time.Duration, logger *zap.Logger) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		recent:    make(map[pos]int64),
		gw:        gw,
		enabled:   enabled,
		retention: retention,
		purgeWait: defaultPurgeWait,
		now:       time.Now,
		logger:    logger,
	}
}

// Track records a block placed by a player.
func (t *Tracker) Track(world string, x, y, z int, material, playerID string) {
	if !t.enabled {
		return
	}
	at := t.now().UnixMilli()
	t.mu.Lock()
	t.recent[pos{world, x, y, z}] = at
	t.mu.Unlock()
	t.gw.SavePlacement(model.PlacedBlock{
		World: world, X: x, Y: y, Z: z,
		Material: material, PlayerID: playerID, PlacedAt: at,
	})
}

// Forget removes the record at a position, typically once the block is broken.
func (t *Tracker) Forget(world string, x, y, z int) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	t.recent[pos{world, x, y, z}] = tombstone
	t.mu.Unlock()
	t.gw.DeletePlacement(world, x, y, z)
}

func (t *Tracker) cutoff() int64 {
	return t.now().Add(-t.retention).UnixMilli()
}

// IsPlayerPlaced reports whether a player placed the block at a position
// within the retention window. Expired rows are deleted on sight.
func (t *Tracker) IsPlayerPlaced(ctx context.Context, world string, x, y, z int) bool {
	if !t.enabled {
		return false
	}
	key := pos{world, x, y, z}
	t.mu.RLock()
	at, ok := t.recent[key]
	t.mu.RUnlock()
	if ok {
		return at != tombstone && at >= t.cutoff()
	}

	row, err := t.gw.Repository().FindPlacement(ctx, world, x, y, z)
	if errors.Is(err, persist.ErrNotFound) {
		return false
	}
	if err != nil {
		t.logger.Error("placement lookup failed", zap.String("world", world), zap.Error(err))
		return false
	}
	if row.PlacedAt < t.cutoff() {
		t.gw.DeletePlacement(world, x, y, z)
		return false
	}
	t.mu.Lock()
	if _, raced := t.recent[key]; !raced {
		t.recent[key] = row.PlacedAt
	}
	t.mu.Unlock()
	return true
}

// Purge drops expired entries from memory and storage. It first waits for
// queued placement writes; if they do not settle in time, tombstones stay
// in memory so no stale row resurfaces before its delete runs.
func (t *Tracker) Purge(ctx context.Context) (int64, error) {
	wctx, cancel := context.WithTimeout(ctx, t.purgeWait)
	err := t.gw.WaitPrefix(wctx, persist.PlacementPrefix)
	cancel()
	settled := err == nil
	if !settled {
		t.logger.Warn("placement writes still queued, keeping tombstones", zap.Error(err))
	}
	cutoff := t.cutoff()
	t.mu.Lock()
	for k, at := range t.recent {
		if at < cutoff && (settled || at != tombstone) {
			delete(t.recent, k)
		}
	}
	t.mu.Unlock()

	n, err := t.gw.Repository().PurgePlacements(ctx, cutoff)
	if err != nil {
		t.logger.Error("placement purge failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		t.logger.Info("placements purged", zap.Int64("rows", n))
	}
	return n, nil
}

// Size returns the number of positions held in memory.
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.recent)
}
