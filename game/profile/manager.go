// Package profile caches player profiles: quest points, reroll allowances,
// reset timestamps and named statistics.
package profile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/cache"
	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/model"
	"github.com/kasuganosora/questforge/persist"
)

// LeaderboardKey is the sorted set ranking players by quest points.
const LeaderboardKey = "ranking:quest_points"

// Profile is a snapshot of a cached player profile.
type Profile struct {
	PlayerID        string           `json:"player_id"`
	Name            string           `json:"name"`
	QuestPoints     int64            `json:"quest_points"`
	DailyRerolls    int              `json:"daily_rerolls"`
	WeeklyRerolls   int              `json:"weekly_rerolls"`
	LastDailyReset  time.Time        `json:"last_daily_reset"`
	LastWeeklyReset time.Time        `json:"last_weekly_reset"`
	TotalCompleted  int64            `json:"total_completed"`
	Stats           map[string]int64 `json:"stats"`
	JoinedAt        time.Time        `json:"joined_at"`
	LastSeen        time.Time        `json:"last_seen"`
}

func (p *Profile) clone() Profile {
	out := *p
	out.Stats = make(map[string]int64, len(p.Stats))
	for k, v := range p.Stats {
		out.Stats[k] = v
	}
	return out
}

// Options configures a Manager.
type Options struct {
	DailyRerolls  int
	WeeklyRerolls int
	WeekStart     time.Weekday
	Now           func() time.Time
}

// ErrInsufficientPoints is returned by Spend when the balance is too low.
var ErrInsufficientPoints = errors.New("profile: insufficient quest points")

// loadWait bounds how long a cold load waits for the player's queued writes.
const loadWait = 5 * time.Second

type entry struct {
	mu      sync.Mutex
	loaded  bool // p mirrors the stored row; only loaded entries are written back
	evicted bool
	p       Profile
}

// Manager is the profile cache. Reads are served from memory; every
// mutation of a loaded profile is mirrored through the persistence gateway.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	gw     *persist.Gateway
	cache  cache.Cache
	opts   Options
	logger *zap.Logger
}

// NewManager creates a Manager. c may be nil, in which case the leaderboard
// is not maintained.
func NewManager(gw *persist.Gateway, c cache.Cache, opts Options, logger *zap.Logger) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		entries: make(map[string]*entry),
		gw:      gw,
		cache:   c,
		opts:    opts,
		logger:  logger,
	}
}

// acquire returns the player's entry locked, loading it if it is not yet
// backed by storage. The caller unlocks e.mu.
func (m *Manager) acquire(ctx context.Context, playerID string) *entry {
	for {
		m.mu.RLock()
		e := m.entries[playerID]
		m.mu.RUnlock()
		if e == nil {
			m.mu.Lock()
			if e = m.entries[playerID]; e == nil {
				e = &entry{}
				m.entries[playerID] = e
			}
			m.mu.Unlock()
		}
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if !e.loaded {
			m.load(ctx, playerID, e)
		}
		return e
	}
}

// load fills e from storage after the player's queued writes have landed.
// A missing row becomes a persisted default profile. Any other failure
// leaves a transient default that is never written back, and the next
// access tries again.
func (m *Manager) load(ctx context.Context, playerID string, e *entry) {
	wctx, cancel := context.WithTimeout(ctx, loadWait)
	err := m.gw.WaitKey(wctx, persist.ProfileKey(playerID))
	cancel()
	if err != nil {
		m.logger.Warn("queued profile writes not settled, deferring load", zap.String("player", playerID), zap.Error(err))
		m.transient(playerID, e)
		return
	}
	row, stats, err := m.gw.Repository().LoadProfile(ctx, playerID)
	switch {
	case err == nil:
		e.p = Profile{
			PlayerID:        row.PlayerID,
			Name:            row.Name,
			QuestPoints:     row.QuestPoints,
			DailyRerolls:    row.DailyRerolls,
			WeeklyRerolls:   row.WeeklyRerolls,
			LastDailyReset:  row.LastDailyReset,
			LastWeeklyReset: row.LastWeeklyReset,
			TotalCompleted:  row.TotalCompleted,
			Stats:           make(map[string]int64, len(stats)),
			JoinedAt:        row.JoinedAt,
			LastSeen:        row.LastSeen,
		}
		for _, s := range stats {
			e.p.Stats[s.StatKey] = s.Value
		}
		e.loaded = true
	case errors.Is(err, persist.ErrNotFound):
		e.p = m.defaults(playerID)
		e.loaded = true
		m.save(&e.p)
	default:
		m.logger.Error("load profile failed, serving transient defaults", zap.String("player", playerID), zap.Error(err))
		m.transient(playerID, e)
	}
}

func (m *Manager) transient(playerID string, e *entry) {
	if e.p.PlayerID == "" {
		e.p = m.defaults(playerID)
	}
}

func (m *Manager) defaults(playerID string) Profile {
	now := m.opts.Now()
	return Profile{
		PlayerID:        playerID,
		DailyRerolls:    m.opts.DailyRerolls,
		WeeklyRerolls:   m.opts.WeeklyRerolls,
		LastDailyReset:  now,
		LastWeeklyReset: now,
		Stats:           map[string]int64{},
		JoinedAt:        now,
		LastSeen:        now,
	}
}

// save queues a snapshot of p. Callers hold the entry lock.
func (m *Manager) save(p *Profile) {
	row, stats := toRows(p)
	m.gw.SaveProfile(row, stats)
}

func toRows(p *Profile) (model.PlayerProfile, []model.PlayerStatistic) {
	row := model.PlayerProfile{
		PlayerID:        p.PlayerID,
		Name:            p.Name,
		QuestPoints:     p.QuestPoints,
		DailyRerolls:    p.DailyRerolls,
		WeeklyRerolls:   p.WeeklyRerolls,
		LastDailyReset:  p.LastDailyReset,
		LastWeeklyReset: p.LastWeeklyReset,
		TotalCompleted:  p.TotalCompleted,
		JoinedAt:        p.JoinedAt,
		LastSeen:        p.LastSeen,
	}
	stats := make([]model.PlayerStatistic, 0, len(p.Stats))
	for k, v := range p.Stats {
		stats = append(stats, model.PlayerStatistic{PlayerID: p.PlayerID, StatKey: k, Value: v})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].StatKey < stats[j].StatKey })
	return row, stats
}

// update runs fn on the cached profile under its lock and persists the
// result when the profile is backed by storage.
func (m *Manager) update(ctx context.Context, playerID string, fn func(p *Profile)) Profile {
	e := m.acquire(ctx, playerID)
	defer e.mu.Unlock()
	fn(&e.p)
	if e.loaded {
		m.save(&e.p)
	}
	return e.p.clone()
}

// Loaded reports whether the player's profile is cached and backed by
// storage.
func (m *Manager) Loaded(playerID string) bool {
	m.mu.RLock()
	e := m.entries[playerID]
	m.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded && !e.evicted
}

// Get returns a snapshot of the player's profile, loading it on first use.
func (m *Manager) Get(ctx context.Context, playerID string) Profile {
	e := m.acquire(ctx, playerID)
	defer e.mu.Unlock()
	return e.p.clone()
}

// Cached returns the ids of all cached profiles.
func (m *Manager) Cached() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnJoin records a player's arrival.
func (m *Manager) OnJoin(ctx context.Context, playerID, name string) Profile {
	p := m.update(ctx, playerID, func(p *Profile) {
		if name != "" {
			p.Name = name
		}
		p.LastSeen = m.opts.Now()
	})
	if m.Loaded(playerID) {
		m.rank(ctx, playerID, p.QuestPoints)
	}
	return p
}

// OnQuit records a player's departure. Eviction is scheduled by the caller.
func (m *Manager) OnQuit(ctx context.Context, playerID string) {
	m.update(ctx, playerID, func(p *Profile) { p.LastSeen = m.opts.Now() })
}

// Evict drops a profile from the cache and queues a final snapshot behind
// any writes still pending for the player. The entry leaves the map only
// after that snapshot is queued, so a reload always waits for it.
func (m *Manager) Evict(playerID string) {
	m.mu.RLock()
	e := m.entries[playerID]
	m.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return
	}
	e.evicted = true
	if e.loaded {
		m.save(&e.p)
	}
	m.mu.Lock()
	if m.entries[playerID] == e {
		delete(m.entries, playerID)
	}
	m.mu.Unlock()
}

// FlushAll waits for queued writes, then synchronously writes every cached
// profile that is backed by storage.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.gw.Drain()
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if !e.loaded || e.evicted {
			e.mu.Unlock()
			continue
		}
		row, stats := toRows(&e.p)
		e.mu.Unlock()
		if err := m.gw.Repository().SaveProfile(ctx, &row, stats); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---- resets ----

// NeedsDailyReset reports whether last falls on an earlier calendar day
// than now, in now's location.
func NeedsDailyReset(last, now time.Time) bool {
	ly, lm, ld := last.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	return ly != ny || lm != nm || ld != nd
}

// WeekStart returns midnight of the most recent weekStart day at or before now.
func WeekStart(now time.Time, weekStart time.Weekday) time.Time {
	back := (int(now.Weekday()) - int(weekStart) + 7) % 7
	y, m, d := now.Date()
	return time.Date(y, m, d-back, 0, 0, 0, 0, now.Location())
}

// NeedsWeeklyReset reports whether last predates the start of the current
// week. A process that was down across the boundary resets on its first check.
func NeedsWeeklyReset(last, now time.Time, weekStart time.Weekday) bool {
	return last.Before(WeekStart(now, weekStart))
}

// DueResets returns the personal tiers whose reset boundary has passed.
func (m *Manager) DueResets(ctx context.Context, playerID string) []quest.Tier {
	p := m.Get(ctx, playerID)
	now := m.opts.Now()
	var due []quest.Tier
	if NeedsDailyReset(p.LastDailyReset, now) {
		due = append(due, quest.TierDaily)
	}
	if NeedsWeeklyReset(p.LastWeeklyReset, now, m.opts.WeekStart) {
		due = append(due, quest.TierWeekly)
	}
	return due
}

// MarkReset stamps the tier's reset time. With refill set the reroll
// allowance is restored as well; a reset performed by another instance
// passes false so allowances are not granted twice.
func (m *Manager) MarkReset(ctx context.Context, playerID string, tier quest.Tier, refill bool) {
	now := m.opts.Now()
	m.update(ctx, playerID, func(p *Profile) {
		switch tier {
		case quest.TierDaily:
			if refill {
				p.DailyRerolls = m.opts.DailyRerolls
			}
			p.LastDailyReset = now
		case quest.TierWeekly:
			if refill {
				p.WeeklyRerolls = m.opts.WeeklyRerolls
			}
			p.LastWeeklyReset = now
		}
	})
}

// UseReroll consumes one reroll of the tier. It returns ErrNoRerolls when
// the allowance is spent.
func (m *Manager) UseReroll(ctx context.Context, playerID string, tier quest.Tier) (int, error) {
	if !tier.Personal() {
		return 0, quest.ErrUnknownTier
	}
	e := m.acquire(ctx, playerID)
	defer e.mu.Unlock()
	if !e.loaded {
		return 0, quest.ErrStorageUnavailable
	}
	left := &e.p.DailyRerolls
	if tier == quest.TierWeekly {
		left = &e.p.WeeklyRerolls
	}
	if *left <= 0 {
		return 0, quest.ErrNoRerolls
	}
	*left--
	m.save(&e.p)
	return *left, nil
}

// RefundReroll gives back a reroll consumed for an operation that failed.
func (m *Manager) RefundReroll(ctx context.Context, playerID string, tier quest.Tier) {
	m.update(ctx, playerID, func(p *Profile) {
		if tier == quest.TierWeekly {
			p.WeeklyRerolls++
		} else {
			p.DailyRerolls++
		}
	})
}

// ---- counters ----

// IncrementStat adds delta to a named statistic. Non-positive deltas are
// ignored; statistics only grow.
func (m *Manager) IncrementStat(ctx context.Context, playerID, key string, delta int64) int64 {
	if delta <= 0 || key == "" {
		return m.Get(ctx, playerID).Stats[key]
	}
	p := m.update(ctx, playerID, func(p *Profile) { p.Stats[key] += delta })
	return p.Stats[key]
}

// RecordCompletion bumps the lifetime and per-tier completion counters.
func (m *Manager) RecordCompletion(ctx context.Context, playerID string, tier quest.Tier) {
	m.update(ctx, playerID, func(p *Profile) {
		p.TotalCompleted++
		p.Stats["completed_"+string(tier)]++
	})
}

// ---- quest points ----

// AddPoints credits quest points and returns the new balance.
func (m *Manager) AddPoints(ctx context.Context, playerID string, n int64) (int64, error) {
	return m.changePoints(ctx, playerID, func(cur int64) (int64, error) {
		if n <= 0 {
			return cur, nil
		}
		return cur + n, nil
	})
}

// TakePoints debits quest points, never below zero.
func (m *Manager) TakePoints(ctx context.Context, playerID string, n int64) (int64, error) {
	return m.changePoints(ctx, playerID, func(cur int64) (int64, error) {
		if n <= 0 {
			return cur, nil
		}
		if n >= cur {
			return 0, nil
		}
		return cur - n, nil
	})
}

// SetPoints overwrites the balance. Negative values are floored at zero.
func (m *Manager) SetPoints(ctx context.Context, playerID string, n int64) (int64, error) {
	return m.changePoints(ctx, playerID, func(int64) (int64, error) {
		if n < 0 {
			return 0, nil
		}
		return n, nil
	})
}

// Spend debits n quest points if the balance covers them and returns the
// new balance.
func (m *Manager) Spend(ctx context.Context, playerID string, n int64) (int64, error) {
	return m.changePoints(ctx, playerID, func(cur int64) (int64, error) {
		if n > cur {
			return cur, ErrInsufficientPoints
		}
		if n <= 0 {
			return cur, nil
		}
		return cur - n, nil
	})
}

// Credit satisfies the reward points capability. It fails rather than
// credit a profile that could not be read from storage.
func (m *Manager) Credit(ctx context.Context, playerID string, amount int64) error {
	_, err := m.AddPoints(ctx, playerID, amount)
	return err
}

// changePoints applies fn to the balance of a storage-backed profile.
func (m *Manager) changePoints(ctx context.Context, playerID string, fn func(int64) (int64, error)) (int64, error) {
	e := m.acquire(ctx, playerID)
	if !e.loaded {
		e.mu.Unlock()
		return 0, quest.ErrStorageUnavailable
	}
	next, err := fn(e.p.QuestPoints)
	if err != nil {
		e.mu.Unlock()
		return next, err
	}
	e.p.QuestPoints = next
	m.save(&e.p)
	e.mu.Unlock()
	m.rank(ctx, playerID, next)
	return next, nil
}

func (m *Manager) rank(ctx context.Context, playerID string, points int64) {
	if m.cache == nil {
		return
	}
	if err := m.cache.ZAdd(ctx, LeaderboardKey, float64(points), playerID); err != nil {
		m.logger.Warn("leaderboard update failed", zap.String("player", playerID), zap.Error(err))
	}
}
