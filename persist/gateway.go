package persist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/model"
)

// JobFn is one queued write.
type JobFn func(ctx context.Context, repo *Repository) error

type job struct {
	name string
	key  string
	fn   JobFn
}

// Stats counts gateway outcomes since start.
type Stats struct {
	Written  int64 `json:"written"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	InFlight int   `json:"in_flight"`
}

// Gateway is the write-behind queue in front of Repository. Writes sharing
// a key run on the same worker in submission order, so a later snapshot of
// an entity never loses to an earlier one. Failed writes are logged and not
// retried.
type Gateway struct {
	repo   *Repository
	shards []chan job
	wg     sync.WaitGroup
	logger *zap.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	pending  map[string]int // queued or running writes per key
	stopped  bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewGateway starts workers goroutines, each with a queue of queueSize.
func NewGateway(repo *Repository, workers, queueSize int, logger *zap.Logger) *Gateway {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	g := &Gateway{
		repo:    repo,
		shards:  make([]chan job, workers),
		pending: make(map[string]int),
		logger:  logger,
	}
	g.idle = sync.NewCond(&g.mu)
	for i := range g.shards {
		g.shards[i] = make(chan job, queueSize)
		g.wg.Add(1)
		go g.worker(g.shards[i])
	}
	return g
}

// Repository returns the synchronous repository behind the gateway.
func (g *Gateway) Repository() *Repository { return g.repo }

// Submit queues fn under key. It never blocks: when the shard is full or
// the gateway is stopped the write is dropped and logged.
func (g *Gateway) Submit(key, name string, fn JobFn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		g.dropped.Add(1)
		g.logger.Warn("persist gateway stopped, dropping write", zap.String("job", name), zap.String("key", key))
		return
	}
	shard := g.shards[g.shardOf(key)]
	select {
	case shard <- job{name: name, key: key, fn: fn}:
		g.inflight++
		g.pending[key]++
	default:
		g.dropped.Add(1)
		g.logger.Error("persist queue full, dropping write", zap.String("job", name), zap.String("key", key))
	}
}

func (g *Gateway) shardOf(key string) uint64 {
	return xxhash.Sum64String(key) % uint64(len(g.shards))
}

func (g *Gateway) worker(ch chan job) {
	defer g.wg.Done()
	for j := range ch {
		g.run(j)
		g.mu.Lock()
		g.inflight--
		if n := g.pending[j.key] - 1; n > 0 {
			g.pending[j.key] = n
		} else {
			delete(g.pending, j.key)
		}
		g.idle.Broadcast()
		g.mu.Unlock()
	}
}

func (g *Gateway) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			g.failed.Add(1)
			g.logger.Error("persist job panicked", zap.String("job", j.name), zap.String("key", j.key), zap.Any("recover", r))
		}
	}()
	if err := j.fn(context.Background(), g.repo); err != nil {
		g.failed.Add(1)
		g.logger.Error("persist write failed", zap.String("job", j.name), zap.String("key", j.key), zap.Error(err))
		return
	}
	g.written.Add(1)
}

// Drain blocks until every queued write has run.
func (g *Gateway) Drain() {
	g.mu.Lock()
	for g.inflight > 0 {
		g.idle.Wait()
	}
	g.mu.Unlock()
}

// WaitKey blocks until no write queued under key is outstanding. Cold loads
// call it so they never read a row an earlier snapshot is about to replace.
func (g *Gateway) WaitKey(ctx context.Context, key string) error {
	return g.waitUntil(ctx, func() bool { return g.pending[key] == 0 })
}

// WaitPrefix is WaitKey for every key starting with prefix. Unlike Drain it
// ignores unrelated traffic.
func (g *Gateway) WaitPrefix(ctx context.Context, prefix string) error {
	return g.waitUntil(ctx, func() bool {
		for k := range g.pending {
			if strings.HasPrefix(k, prefix) {
				return false
			}
		}
		return true
	})
}

// waitUntil waits on idle until done holds or ctx ends. done runs with mu held.
func (g *Gateway) waitUntil(ctx context.Context, done func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.idle.Broadcast()
		g.mu.Unlock()
	})
	defer stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.idle.Wait()
	}
	return nil
}

// Stop rejects new writes, runs everything already queued and waits for
// the workers to exit. Safe to call more than once.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.stopped {
		g.stopped = true
		for _, ch := range g.shards {
			close(ch)
		}
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// Stats returns the current counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	inflight := g.inflight
	g.mu.Unlock()
	return Stats{
		Written:  g.written.Load(),
		Failed:   g.failed.Load(),
		Dropped:  g.dropped.Load(),
		InFlight: inflight,
	}
}

// ---- typed writes ----

// Keys under which entity writes are queued.
func ProfileKey(playerID string) string  { return "profile:" + playerID }
func PersonalKey(playerID string) string { return "personal:" + playerID }

// PlacementPrefix prefixes every placement key.
const PlacementPrefix = "placement:"

// SaveProfile queues a profile snapshot.
func (g *Gateway) SaveProfile(p model.PlayerProfile, stats []model.PlayerStatistic) {
	g.Submit(ProfileKey(p.PlayerID), "save_profile", func(ctx context.Context, repo *Repository) error {
		return repo.SaveProfile(ctx, &p, stats)
	})
}

// ReplacePersonalQuests queues a full tier list snapshot.
func (g *Gateway) ReplacePersonalQuests(playerID, tier string, rows []model.PersonalQuest) {
	g.Submit(PersonalKey(playerID), "replace_personal_quests", func(ctx context.Context, repo *Repository) error {
		return repo.ReplacePersonalQuests(ctx, playerID, tier, rows)
	})
}

// SavePersonalQuest queues one personal quest snapshot.
func (g *Gateway) SavePersonalQuest(row model.PersonalQuest) {
	g.Submit(PersonalKey(row.PlayerID), "save_personal_quest", func(ctx context.Context, repo *Repository) error {
		return repo.SavePersonalQuest(ctx, &row)
	})
}

// SaveSharedQuest queues a shared quest snapshot.
func (g *Gateway) SaveSharedQuest(row model.SharedQuest) {
	g.Submit("shared:"+row.ID, "save_shared_quest", func(ctx context.Context, repo *Repository) error {
		return repo.SaveSharedQuest(ctx, &row)
	})
}

// RetireSharedQuest queues the retirement of a refilled shared quest.
func (g *Gateway) RetireSharedQuest(id string) {
	g.Submit("shared:"+id, "retire_shared_quest", func(ctx context.Context, repo *Repository) error {
		return repo.RetireSharedQuest(ctx, id)
	})
}

func placementKey(world string, x, y, z int) string {
	return fmt.Sprintf("%s%s:%d:%d:%d", PlacementPrefix, world, x, y, z)
}

// SavePlacement queues a placed-block record.
func (g *Gateway) SavePlacement(row model.PlacedBlock) {
	g.Submit(placementKey(row.World, row.X, row.Y, row.Z), "save_placement", func(ctx context.Context, repo *Repository) error {
		return repo.SavePlacement(ctx, &row)
	})
}

// DeletePlacement queues removal of a placed-block record.
func (g *Gateway) DeletePlacement(world string, x, y, z int) {
	g.Submit(placementKey(world, x, y, z), "delete_placement", func(ctx context.Context, repo *Repository) error {
		return repo.DeletePlacement(ctx, world, x, y, z)
	})
}
