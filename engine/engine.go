// Package engine wires the quest components together and exposes the
// operations event sources, admin tools and the HTTP layer call.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kasuganosora/questforge/audit"
	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/config"
	"github.com/kasuganosora/questforge/game/personal"
	"github.com/kasuganosora/questforge/game/profile"
	"github.com/kasuganosora/questforge/game/provenance"
	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/game/reward"
	"github.com/kasuganosora/questforge/game/shared"
	"github.com/kasuganosora/questforge/game/shop"
	"github.com/kasuganosora/questforge/persist"
	"github.com/kasuganosora/questforge/plugin/hook"
	"github.com/kasuganosora/questforge/scheduler"
)

// NotifyChannel carries every notification event as JSON.
const NotifyChannel = "quest_events"

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Config *config.Config
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	Logger *zap.Logger
	// Templates loads the quest catalog.
	Templates quest.Loader
	// Rewards installs external reward providers. Quest points are always
	// credited to player profiles.
	Rewards []reward.IssuerOption
	// Shop loads the point shop catalog. Nil leaves the shop empty.
	Shop shop.Loader
	// Clock overrides time.Now for reset checks.
	Clock func() time.Time
}

// Engine is the application context: one per process, passed explicitly to
// everything that needs it.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	cache  cache.Cache
	pubsub cache.PubSub

	hooks      *hook.HookCenter
	sched      *scheduler.Scheduler
	audit      *audit.Service
	gw         *persist.Gateway
	catalog    *quest.Catalog
	gen        *quest.Generator
	profiles   *profile.Manager
	personal   *personal.Store
	shared     *shared.Store
	issuer     *reward.Issuer
	rewards    *reward.Coordinator
	provenance *provenance.Tracker
	playtime   *playtime
	shop       *shop.Service

	instanceID string
	started    time.Time
	now        func() time.Time
	signals    atomic.Int64
	rejected   atomic.Int64
	stopped    atomic.Bool
}

// New builds an Engine and loads the template catalog. Nothing runs until
// Start.
func New(d Deps) (*Engine, error) {
	if d.Config == nil || d.DB == nil || d.Templates == nil {
		return nil, errors.New("engine: config, db and template loader are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := d.Config
	now := d.Clock
	if now == nil {
		now = time.Now
	}

	catalog := quest.NewCatalog(d.Templates, logger)
	if _, err := catalog.Load(); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		cache:      d.Cache,
		pubsub:     d.PubSub,
		hooks:      hook.NewHookCenter(logger),
		sched:      scheduler.New(logger),
		audit:      audit.New(d.DB, logger),
		catalog:    catalog,
		playtime:   newPlaytime(),
		instanceID: uuid.NewString(),
		now:        now,
	}
	e.gw = persist.NewGateway(persist.NewRepository(d.DB), cfg.Persist.Workers, cfg.Persist.QueueSize, logger)
	e.gen = quest.NewGenerator(catalog, quest.Points{
		quest.TierDaily:  cfg.Quests.DailyPoints,
		quest.TierWeekly: cfg.Quests.WeeklyPoints,
		quest.TierShared: cfg.Shared.Points,
	})
	e.profiles = profile.NewManager(e.gw, d.Cache, profile.Options{
		DailyRerolls:  cfg.Quests.DailyRerolls,
		WeeklyRerolls: cfg.Quests.WeeklyRerolls,
		WeekStart:     cfg.Quests.WeekStartDay(),
		Now:           now,
	}, logger.Named("profile"))
	e.personal = personal.NewStore(catalog, e.gen, e.gw, e.hooks, personal.Config{
		DailyMin:        cfg.Quests.DailyMin,
		DailyMax:        cfg.Quests.DailyMax,
		WeeklyCount:     cfg.Quests.WeeklyCount,
		MaxSignalAmount: cfg.Quests.MaxSignalAmount,
	}, logger.Named("personal"))
	e.shared = shared.NewStore(catalog, e.gen, e.gw, e.hooks, e.sched, shared.Config{
		PoolSize:        cfg.Shared.PoolSize,
		RefillCooldown:  cfg.Shared.RefillCooldown,
		MaxSignalAmount: cfg.Shared.MaxSignalAmount,
	}, logger.Named("shared"))

	opts := []reward.IssuerOption{
		reward.WithPoints(e.profiles),
		reward.WithCommands(reward.LogCommandRunner{Logger: logger.Named("reward")}),
	}
	e.issuer = reward.NewIssuer(logger, append(opts, d.Rewards...)...)
	e.rewards = reward.NewCoordinator(e.issuer, e.audit, e.hooks, logger.Named("reward"))
	e.provenance = provenance.NewTracker(e.gw, cfg.Provenance.Enabled, cfg.Provenance.Retention, logger.Named("provenance"))
	e.shop = shop.NewService(d.Shop, e.gw.Repository(), e.profiles, e.issuer, e.audit, now, logger.Named("shop"))
	if err := e.shop.Reload(); err != nil {
		return nil, fmt.Errorf("load shop: %w", err)
	}
	return e, nil
}

// Hooks returns the notification hook registry.
func (e *Engine) Hooks() *hook.HookCenter { return e.hooks }

// Catalog returns the active template catalog.
func (e *Engine) Catalog() *quest.Catalog { return e.catalog }

// Provenance returns the placement tracker.
func (e *Engine) Provenance() *provenance.Tracker { return e.provenance }

// Start loads the shared pool, seeds the leaderboard and registers the
// periodic tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.started = e.now()
	if err := e.shared.Init(ctx); err != nil {
		return fmt.Errorf("init shared quests: %w", err)
	}
	e.seedLeaderboard(ctx)
	if e.pubsub != nil {
		for _, ev := range hook.NotificationEvents {
			e.hooks.Register(ev, 100, "notify", e.publish)
		}
	}

	q, s, p := e.cfg.Quests, e.cfg.Shared, e.cfg.Provenance
	if q.ResetCheckInterval > 0 {
		e.sched.AddTicker("reset_check", q.ResetCheckInterval, func() { e.CheckResets(context.Background()) })
	}
	if q.PlaytimeInterval > 0 {
		e.sched.AddTicker("playtime", q.PlaytimeInterval, func() { e.CreditPlaytime(context.Background()) })
	}
	if s.AnnounceInterval > 0 {
		e.sched.AddTicker("shared_announce", s.AnnounceInterval, func() { e.shared.Announce(context.Background()) })
	}
	if s.MaintainInterval > 0 {
		e.sched.AddTicker("shared_maintain", s.MaintainInterval, func() { e.shared.Maintain(context.Background()) })
	}
	if p.Enabled && p.PurgeInterval > 0 {
		e.sched.AddTicker("provenance_purge", p.PurgeInterval, func() {
			_, _ = e.provenance.Purge(context.Background())
		})
	}
	e.logger.Info("quest engine started",
		zap.String("instance", e.instanceID),
		zap.Int("templates", e.templateCount()),
		zap.Int("shared_pool", len(e.shared.List())))
	return nil
}

func (e *Engine) templateCount() int {
	n := 0
	for _, tier := range []quest.Tier{quest.TierDaily, quest.TierWeekly, quest.TierShared} {
		n += len(e.catalog.Templates(tier))
	}
	return n
}

func (e *Engine) publish(ctx context.Context, event string, data interface{}) (interface{}, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return data, err
	}
	if err := e.pubsub.Publish(ctx, NotifyChannel, string(payload)); err != nil {
		e.logger.Warn("notification publish failed", zap.String("event", event), zap.Error(err))
	}
	return data, nil
}

// ---- signal ingress ----

// ProgressResult summarises what one signal changed.
type ProgressResult struct {
	Personal  int   `json:"personal"`
	Completed int   `json:"completed"`
	Shared    int64 `json:"shared"`
}

// RecordProgress feeds a signal to the player's personal quests and to the
// shared pool. Rejected or unmatched signals are silent no-ops.
func (e *Engine) RecordProgress(ctx context.Context, playerID string, sig quest.Signal) ProgressResult {
	if e.stopped.Load() || playerID == "" {
		return ProgressResult{}
	}
	if sig.Amount <= 0 {
		e.rejected.Add(1)
		return ProgressResult{}
	}
	e.signals.Add(1)
	res := e.personal.AddProgress(ctx, playerID, sig)
	for _, done := range res.Completed {
		e.profiles.RecordCompletion(ctx, playerID, done.Tier)
	}
	out := ProgressResult{Personal: res.Advanced, Completed: len(res.Completed)}
	out.Shared = e.shared.AddProgress(ctx, playerID, sig)
	return out
}

// IncrementStat adds to a named player statistic.
func (e *Engine) IncrementStat(ctx context.Context, playerID, key string, delta int64) int64 {
	return e.profiles.IncrementStat(ctx, playerID, key, delta)
}

// TrackPlacement records a player-placed block.
func (e *Engine) TrackPlacement(world string, x, y, z int, material, playerID string) {
	e.provenance.Track(world, x, y, z, material, playerID)
}

// ForgetPlacement drops the record at a position once the block is gone.
func (e *Engine) ForgetPlacement(world string, x, y, z int) {
	e.provenance.Forget(world, x, y, z)
}

// IsPlayerPlaced reports whether breaking the block at a position should be
// ignored for progress.
func (e *Engine) IsPlayerPlaced(ctx context.Context, world string, x, y, z int) bool {
	return e.provenance.IsPlayerPlaced(ctx, world, x, y, z)
}

// ---- player lifecycle ----

func evictTask(playerID string) string { return "evict:" + playerID }

// PlayerJoin warms the player's caches, cancels a pending eviction and runs
// any overdue reset.
func (e *Engine) PlayerJoin(ctx context.Context, playerID, name string) profile.Profile {
	e.sched.Remove(evictTask(playerID))
	e.playtime.start(playerID, e.now())
	p := e.profiles.OnJoin(ctx, playerID, name)
	if _, err := e.personal.Get(ctx, playerID, quest.TierDaily); err != nil {
		e.logger.Warn("warm personal quests failed", zap.String("player", playerID), zap.Error(err))
	}
	if e.checkPlayer(ctx, playerID) > 0 {
		p = e.profiles.Get(ctx, playerID)
	}
	e.hooks.Emit(ctx, hook.OnPlayerJoin, quest.Event{Kind: hook.OnPlayerJoin, Player: playerID, At: e.now()})
	return p
}

// PlayerQuit schedules the player's caches for eviction. Rejoining before
// the delay keeps them.
func (e *Engine) PlayerQuit(ctx context.Context, playerID string) {
	if minutes := e.playtime.stop(playerID, e.now()); minutes > 0 {
		e.creditPlaytime(ctx, playerID, minutes)
	}
	e.profiles.OnQuit(ctx, playerID)
	delay := e.cfg.Quests.EvictionDelay
	if delay <= 0 {
		delay = time.Minute
	}
	e.sched.AddDelay(evictTask(playerID), delay, func() {
		e.personal.Evict(playerID)
		e.profiles.Evict(playerID)
		e.logger.Debug("player evicted", zap.String("player", playerID))
	})
	e.hooks.Emit(ctx, hook.OnPlayerQuit, quest.Event{Kind: hook.OnPlayerQuit, Player: playerID, At: e.now()})
}

// ---- queries ----

// Quests returns the player's quests of a personal tier.
func (e *Engine) Quests(ctx context.Context, playerID string, tier quest.Tier) ([]quest.Instance, error) {
	return e.personal.Get(ctx, playerID, tier)
}

// Shared returns the active shared pool.
func (e *Engine) Shared() []shared.View { return e.shared.List() }

// Profile returns the player's profile.
func (e *Engine) Profile(ctx context.Context, playerID string) profile.Profile {
	return e.profiles.Get(ctx, playerID)
}

// ---- claims and rerolls ----

// Claim claims a quest of any tier and emits its reward intent.
func (e *Engine) Claim(ctx context.Context, playerID string, tier quest.Tier, questID string) reward.Result {
	var store reward.Claimer
	switch {
	case tier == quest.TierShared:
		store = e.shared
	case tier.Personal():
		store = e.personal
	default:
		return reward.Result{Reason: reward.ReasonUnknownTier}
	}
	p := e.profiles.Get(ctx, playerID)
	return e.rewards.Claim(ctx, store, reward.Request{
		Tier:       tier,
		PlayerID:   playerID,
		PlayerName: p.Name,
		QuestID:    questID,
	})
}

// Reroll spends one of the player's rerolls to redraw a personal tier.
func (e *Engine) Reroll(ctx context.Context, playerID string, tier quest.Tier) ([]quest.Instance, error) {
	if _, err := e.profiles.UseReroll(ctx, playerID, tier); err != nil {
		return nil, err
	}
	list, err := e.personal.GenerateNewForPlayer(ctx, playerID, tier)
	if err != nil {
		e.profiles.RefundReroll(ctx, playerID, tier)
		return nil, err
	}
	return list, nil
}

// AdminReroll redraws a personal tier without touching allowances.
func (e *Engine) AdminReroll(ctx context.Context, playerID string, tier quest.Tier) ([]quest.Instance, error) {
	return e.personal.GenerateNewForPlayer(ctx, playerID, tier)
}

// ResetSlot replaces one personal quest.
func (e *Engine) ResetSlot(ctx context.Context, playerID string, tier quest.Tier, index int) (quest.Instance, error) {
	return e.personal.ResetSlot(ctx, playerID, tier, index)
}

// ---- quest points ----

// PointsOp is an administrative change to a player's quest points.
type PointsOp string

const (
	PointsGive PointsOp = "give"
	PointsTake PointsOp = "take"
	PointsSet  PointsOp = "set"
)

// ErrBadPointsOp is returned for an unknown PointsOp.
var ErrBadPointsOp = errors.New("engine: unknown points operation")

// AdjustPoints applies op and returns the new balance.
func (e *Engine) AdjustPoints(ctx context.Context, playerID string, op PointsOp, amount int64) (int64, error) {
	switch op {
	case PointsGive:
		return e.profiles.AddPoints(ctx, playerID, amount)
	case PointsTake:
		return e.profiles.TakePoints(ctx, playerID, amount)
	case PointsSet:
		return e.profiles.SetPoints(ctx, playerID, amount)
	}
	return 0, ErrBadPointsOp
}

// ---- shop ----

// ShopOffers lists the shop for a player against their current balance.
func (e *Engine) ShopOffers(ctx context.Context, playerID string) ([]shop.Offer, error) {
	p := e.profiles.Get(ctx, playerID)
	return e.shop.Offers(ctx, playerID, p.QuestPoints)
}

// Purchase buys one shop item with the player's quest points.
func (e *Engine) Purchase(ctx context.Context, playerID, itemID string) (shop.Receipt, error) {
	if e.stopped.Load() {
		return shop.Receipt{}, quest.ErrStorageUnavailable
	}
	p := e.profiles.Get(ctx, playerID)
	return e.shop.Purchase(ctx, playerID, p.Name, itemID)
}

// ReloadShop swaps in a freshly loaded shop catalog and returns its size.
func (e *Engine) ReloadShop() (int, error) {
	if err := e.shop.Reload(); err != nil {
		return 0, err
	}
	return len(e.shop.Catalog().Items()), nil
}

// ---- maintenance ----

// ReloadTemplates swaps in a freshly loaded catalog. Live quests keep their
// resolved requirements; pending refills are rescheduled against the new
// catalog.
func (e *Engine) ReloadTemplates(ctx context.Context) error {
	if err := e.catalog.Reload(); err != nil {
		return err
	}
	cancelled := e.shared.CancelRefills()
	e.shared.Maintain(ctx)
	e.logger.Info("templates reloaded",
		zap.Int64("version", e.catalog.Version()),
		zap.Int("templates", e.templateCount()),
		zap.Int("refills_rescheduled", cancelled))
	return nil
}

// CheckResets runs due daily and weekly resets for every cached player and
// returns how many tier resets were performed.
func (e *Engine) CheckResets(ctx context.Context) int {
	n := 0
	for _, id := range e.profiles.Cached() {
		n += e.checkPlayer(ctx, id)
	}
	return n
}

func (e *Engine) resetLease(playerID string, tier quest.Tier, now time.Time) (string, time.Duration) {
	if tier == quest.TierWeekly {
		start := profile.WeekStart(now, e.cfg.Quests.WeekStartDay())
		return fmt.Sprintf("reset:%s:%s:%s", tier, playerID, start.Format("2006-01-02")), 8 * 24 * time.Hour
	}
	return fmt.Sprintf("reset:%s:%s:%s", tier, playerID, now.Format("2006-01-02")), 48 * time.Hour
}

// acquire takes the reset lease. Without a cache, or when the cache fails,
// the reset proceeds.
func (e *Engine) acquire(ctx context.Context, key string, ttl time.Duration) bool {
	if e.cache == nil {
		return true
	}
	ok, err := e.cache.SetNX(ctx, key, e.instanceID, ttl)
	if err != nil {
		e.logger.Warn("reset lease unavailable, resetting anyway", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

func (e *Engine) checkPlayer(ctx context.Context, playerID string) int {
	n := 0
	now := e.now()
	for _, tier := range e.profiles.DueResets(ctx, playerID) {
		key, ttl := e.resetLease(playerID, tier, now)
		if !e.acquire(ctx, key, ttl) {
			e.profiles.MarkReset(ctx, playerID, tier, false)
			e.logger.Info("reset already performed elsewhere", zap.String("player", playerID), zap.String("tier", string(tier)))
			continue
		}
		if _, err := e.personal.GenerateNewForPlayer(ctx, playerID, tier); err != nil {
			e.logger.Error("quest reset failed", zap.String("player", playerID), zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		e.profiles.MarkReset(ctx, playerID, tier, true)
		e.hooks.Emit(ctx, hook.OnQuestsReset, quest.Event{Kind: hook.OnQuestsReset, Player: playerID, Tier: tier, At: now})
		n++
	}
	return n
}

// ---- diagnostics ----

// RankEntry is one leaderboard row.
type RankEntry struct {
	Rank     int    `json:"rank"`
	PlayerID string `json:"player_id"`
	Name     string `json:"name,omitempty"`
	Points   int64  `json:"points"`
}

// seedLeaderboard copies the stored top players into the sorted set, so a
// fresh cache ranks players who have not been online since.
func (e *Engine) seedLeaderboard(ctx context.Context) {
	if e.cache == nil {
		return
	}
	top, err := e.gw.Repository().TopProfiles(ctx, 1000)
	if err != nil {
		e.logger.Warn("leaderboard seed failed", zap.Error(err))
		return
	}
	members := make([]cache.ScoredMember, len(top))
	for i, p := range top {
		members[i] = cache.ScoredMember{Member: p.PlayerID, Score: float64(p.QuestPoints)}
	}
	if err := e.cache.ZAddMany(ctx, profile.LeaderboardKey, members); err != nil {
		e.logger.Warn("leaderboard seed failed", zap.Error(err))
	}
}

// Ranking returns the top players by quest points, from the sorted set
// when available and from storage otherwise.
func (e *Engine) Ranking(ctx context.Context, limit int) ([]RankEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	repo := e.gw.Repository()
	if e.cache != nil {
		top, err := e.cache.ZRevRangeWithScores(ctx, profile.LeaderboardKey, 0, int64(limit-1))
		if err == nil && len(top) > 0 {
			ids := make([]string, len(top))
			for i, m := range top {
				ids[i] = m.Member
			}
			names, nerr := repo.ProfileNames(ctx, ids)
			if nerr != nil {
				e.logger.Warn("ranking names lookup failed", zap.Error(nerr))
			}
			out := make([]RankEntry, len(top))
			for i, m := range top {
				out[i] = RankEntry{Rank: i + 1, PlayerID: m.Member, Name: names[m.Member], Points: int64(m.Score)}
			}
			return out, nil
		}
		if err != nil {
			e.logger.Warn("leaderboard read failed, using storage", zap.Error(err))
		}
	}
	top, err := repo.TopProfiles(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RankEntry, 0, len(top))
	for i, p := range top {
		out = append(out, RankEntry{Rank: i + 1, PlayerID: p.PlayerID, Name: p.Name, Points: p.QuestPoints})
	}
	return out, nil
}

// Metrics is a point-in-time view of engine state.
type Metrics struct {
	Instance        string          `json:"instance"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	CachedProfiles  int             `json:"cached_profiles"`
	CachedPlayers   int             `json:"cached_players"`
	Online          int             `json:"online"`
	SharedActive    int             `json:"shared_active"`
	RefillsPending  int             `json:"refills_pending"`
	SignalsAccepted int64           `json:"signals_accepted"`
	SignalsRejected int64           `json:"signals_rejected"`
	CatalogVersion  int64           `json:"catalog_version"`
	Templates       int             `json:"templates"`
	ShopItems       int             `json:"shop_items"`
	Placements      int             `json:"placements_cached"`
	Persist         persist.Stats   `json:"persist"`
	Rewards         map[string]bool `json:"reward_providers"`
}

// Metrics returns current counters.
func (e *Engine) Metrics() Metrics {
	views := e.shared.List()
	pending := 0
	for _, v := range views {
		if v.RefillPending {
			pending++
		}
	}
	m := Metrics{
		Instance:        e.instanceID,
		CachedProfiles:  len(e.profiles.Cached()),
		CachedPlayers:   len(e.personal.Players()),
		Online:          len(e.playtime.online()),
		SharedActive:    len(views),
		RefillsPending:  pending,
		SignalsAccepted: e.signals.Load(),
		SignalsRejected: e.rejected.Load(),
		CatalogVersion:  e.catalog.Version(),
		Templates:       e.templateCount(),
		ShopItems:       len(e.shop.Catalog().Items()),
		Placements:      e.provenance.Size(),
		Persist:         e.gw.Stats(),
		Rewards:         e.issuer.Capabilities(),
	}
	if !e.started.IsZero() {
		m.UptimeSeconds = int64(e.now().Sub(e.started).Seconds())
	}
	return m
}

// SchedulerTasks lists registered tickers and pending delays.
func (e *Engine) SchedulerTasks() []scheduler.TaskInfo { return e.sched.Snapshot() }

// Shutdown stops timers, cancels refills and flushes all cached state.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.sched.Stop()
	e.shared.Close()

	var errs []error
	if err := e.personal.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush personal: %w", err))
	}
	if err := e.shared.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush shared: %w", err))
	}
	if err := e.profiles.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush profiles: %w", err))
	}
	e.gw.Stop()
	e.audit.Stop(ctx)
	e.hooks.UnregisterAll("notify")
	e.logger.Info("quest engine stopped", zap.Int64("signals", e.signals.Load()))
	return errors.Join(errs...)
}
