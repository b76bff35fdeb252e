// Package shared owns the server-wide quest pool and its contribution
// ledgers.
package shared

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/model"
	"github.com/kasuganosora/questforge/persist"
	"github.com/kasuganosora/questforge/plugin/hook"
	"github.com/kasuganosora/questforge/scheduler"
)

const (
	DefaultPoolSize        = 3
	DefaultRefillCooldown  = 30 * time.Minute
	DefaultMaxSignalAmount = 1_000_000

	refillTaskPrefix = "shared_refill:"
)

// Config sizes the pool.
type Config struct {
	PoolSize        int
	RefillCooldown  time.Duration
	MaxSignalAmount int64
}

// entry is one pool slot. Writes for its quest are queued while mu is
// held, so they reach the gateway in the order the state changed.
type entry struct {
	mu      sync.Mutex
	inst    *quest.Instance
	ledger  map[string]int64
	claimed map[string]bool
	retired bool
}

func (e *entry) row() model.SharedQuest {
	row := persist.SharedRow(e.inst, e.ledger, e.claimed)
	row.Retired = e.retired
	return row
}

// View is a read-only snapshot of one shared quest.
type View struct {
	Quest         quest.Instance   `json:"quest"`
	Ledger        map[string]int64 `json:"ledger"`
	ClaimedBy     []string         `json:"claimed_by"`
	RefillPending bool             `json:"refill_pending"`
}

// Store is the active shared quest pool.
type Store struct {
	mu      sync.RWMutex
	active  []*entry
	pending map[string]bool
	closed  bool

	catalog *quest.Catalog
	gen     *quest.Generator
	gw      *persist.Gateway
	hooks   *hook.HookCenter
	sched   *scheduler.Scheduler
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewStore creates an empty Store. Call Init to load the pool.
func NewStore(catalog *quest.Catalog, gen *quest.Generator, gw *persist.Gateway, hooks *hook.HookCenter, sched *scheduler.Scheduler, cfg Config, logger *zap.Logger) *Store {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.RefillCooldown <= 0 {
		cfg.RefillCooldown = DefaultRefillCooldown
	}
	if cfg.MaxSignalAmount <= 0 {
		cfg.MaxSignalAmount = DefaultMaxSignalAmount
	}
	return &Store{
		pending: make(map[string]bool),
		catalog: catalog,
		gen:     gen,
		gw:      gw,
		hooks:   hooks,
		sched:   sched,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Init loads the active pool from storage, then tops it up and schedules
// refills for quests that completed before the restart.
func (s *Store) Init(ctx context.Context) error {
	rows, err := s.gw.Repository().LoadActiveSharedQuests(ctx)
	if err != nil {
		return err
	}
	loaded := make([]*entry, 0, len(rows))
	for _, row := range rows {
		inst, ledger, claimed, err := persist.SharedInstance(row)
		if err != nil {
			s.logger.Warn("stored shared quest unreadable, retiring", zap.String("quest_id", row.ID), zap.Error(err))
			s.gw.RetireSharedQuest(row.ID)
			continue
		}
		loaded = append(loaded, &entry{inst: inst, ledger: ledger, claimed: claimed})
	}
	s.mu.Lock()
	s.active = loaded
	s.mu.Unlock()
	s.logger.Info("shared quests loaded", zap.Int("count", len(loaded)))
	s.Maintain(ctx)
	return nil
}

func (s *Store) snapshotActive() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*entry(nil), s.active...)
}

// AddProgress credits a player's signal to the first matching live shared
// quest. The applied amount is clamped to what the quest still needs, so
// the ledger always sums to the quest's progress. It returns the amount
// applied.
func (s *Store) AddProgress(ctx context.Context, playerID string, sig quest.Signal) int64 {
	if sig.Amount <= 0 || sig.Amount > s.cfg.MaxSignalAmount {
		if sig.Amount > 0 {
			s.logger.Warn("shared signal amount above ceiling rejected",
				zap.String("player", playerID), zap.Int64("amount", sig.Amount))
		}
		return 0
	}
	aliases := s.catalog.Aliases()
	now := s.now()

	for _, e := range s.snapshotActive() {
		e.mu.Lock()
		if !quest.MatchesSignal(e.inst, sig, aliases) {
			e.mu.Unlock()
			continue
		}
		before := e.inst.Progress
		applied := e.inst.Advance(sig.Amount, now)
		if applied == 0 {
			e.mu.Unlock()
			continue
		}
		e.ledger[playerID] += applied
		s.gw.SaveSharedQuest(e.row())
		milestones := quest.MilestonesCrossed(before, e.inst.Progress, e.inst.TargetAmount)
		done := e.inst.Completed
		snap := e.inst.Clone()
		e.mu.Unlock()

		for _, pct := range milestones {
			s.hooks.Emit(ctx, hook.OnSharedMilestone, quest.Event{
				Kind: hook.OnSharedMilestone, Player: playerID, Tier: quest.TierShared,
				Quest: &snap, Percent: pct, Amount: applied, At: now,
			})
		}
		if done {
			s.hooks.Emit(ctx, hook.OnSharedComplete, quest.Event{
				Kind: hook.OnSharedComplete, Player: playerID, Tier: quest.TierShared,
				Quest: &snap, Percent: 100, At: now,
			})
			s.scheduleRefill(ctx, snap)
		}
		return applied
	}
	return 0
}

func refillTask(id string) string { return refillTaskPrefix + id }

// scheduleRefill arranges for a completed quest to be replaced after the
// cooldown. A quest has at most one pending refill.
func (s *Store) scheduleRefill(ctx context.Context, done quest.Instance) {
	id := done.ID
	s.mu.Lock()
	if s.closed || s.pending[id] {
		s.mu.Unlock()
		return
	}
	s.pending[id] = true
	s.sched.AddDelay(refillTask(id), s.cfg.RefillCooldown, func() { s.refill(context.Background(), id) })
	s.mu.Unlock()

	s.logger.Info("shared quest refill scheduled", zap.String("quest_id", id), zap.Duration("cooldown", s.cfg.RefillCooldown))
	s.hooks.Emit(ctx, hook.OnSharedRefillScheduled, quest.Event{
		Kind: hook.OnSharedRefillScheduled, Tier: quest.TierShared,
		Quest: &done, At: s.now().Add(s.cfg.RefillCooldown),
	})
}

// refill retires a completed quest and puts a new one in its place, drawn
// from templates not in the pool (the retiring quest's included) when any
// remain.
func (s *Store) refill(ctx context.Context, id string) {
	s.mu.Lock()
	if !s.pending[id] || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	idx := -1
	inUse := make(map[string]bool, len(s.active))
	for i, e := range s.active {
		if e.inst.ID == id {
			idx = i
		}
		inUse[e.inst.TemplateID] = true
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	old := s.active[idx]
	fresh := s.gen.GenerateExcluding(quest.TierShared, 1, func(t quest.Template) bool { return inUse[t.ID] })
	var next *entry
	if len(fresh) > 0 {
		next = newEntry(fresh[0])
		s.active[idx] = next
	} else {
		s.active = append(s.active[:idx], s.active[idx+1:]...)
	}
	s.mu.Unlock()

	old.mu.Lock()
	old.retired = true
	s.gw.RetireSharedQuest(id)
	oldSnap := old.inst.Clone()
	old.mu.Unlock()

	ev := quest.Event{Kind: hook.OnSharedRefill, Tier: quest.TierShared, Quest: &oldSnap, At: s.now()}
	if next != nil {
		next.mu.Lock()
		s.gw.SaveSharedQuest(next.row())
		snap := next.inst.Clone()
		next.mu.Unlock()
		ev.Replacement = &snap
		s.logger.Info("shared quest refilled", zap.String("old", id), zap.String("new", snap.ID), zap.String("template", snap.TemplateID))
	} else {
		s.logger.Warn("no shared templates available, pool left short", zap.String("old", id))
	}
	s.hooks.Emit(ctx, hook.OnSharedRefill, ev)
}

func newEntry(inst *quest.Instance) *entry {
	return &entry{inst: inst, ledger: map[string]int64{}, claimed: map[string]bool{}}
}

// CancelRefills cancels every pending refill. Completed quests stay in the
// pool until the next Maintain reschedules them.
func (s *Store) CancelRefills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for id := range s.pending {
		s.sched.Remove(refillTask(id))
		delete(s.pending, id)
	}
	return n
}

// Close cancels pending refills and stops further scheduling.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelRefills()
}

// Maintain reschedules refills for completed quests that have none and
// fills empty pool slots.
func (s *Store) Maintain(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var orphaned []quest.Instance
	inUse := make(map[string]bool, len(s.active))
	for _, e := range s.active {
		e.mu.Lock()
		if e.inst.Completed && !s.pending[e.inst.ID] {
			orphaned = append(orphaned, e.inst.Clone())
		}
		inUse[e.inst.TemplateID] = true
		e.mu.Unlock()
	}
	var added []*entry
	if missing := s.cfg.PoolSize - len(s.active); missing > 0 {
		for _, inst := range s.gen.GenerateExcluding(quest.TierShared, missing, func(t quest.Template) bool { return inUse[t.ID] }) {
			e := newEntry(inst)
			s.active = append(s.active, e)
			added = append(added, e)
		}
	}
	s.mu.Unlock()

	for _, e := range added {
		e.mu.Lock()
		s.gw.SaveSharedQuest(e.row())
		id, templateID := e.inst.ID, e.inst.TemplateID
		e.mu.Unlock()
		s.logger.Info("shared quest added", zap.String("quest_id", id), zap.String("template", templateID))
	}
	for _, done := range orphaned {
		s.scheduleRefill(ctx, done)
	}
}

// Announce emits a status event for every active quest with progress.
func (s *Store) Announce(ctx context.Context) int {
	n := 0
	for _, e := range s.snapshotActive() {
		e.mu.Lock()
		if e.inst.Completed || e.inst.Progress == 0 {
			e.mu.Unlock()
			continue
		}
		snap := e.inst.Clone()
		e.mu.Unlock()
		s.hooks.Emit(ctx, hook.OnSharedStatus, quest.Event{
			Kind: hook.OnSharedStatus, Tier: quest.TierShared, Quest: &snap,
			Percent: snap.Percent(), At: s.now(),
		})
		n++
	}
	return n
}

// Claim marks the player's share of a completed quest claimed. Only
// contributors may claim, once each.
func (s *Store) Claim(ctx context.Context, playerID, questID string) (quest.Instance, error) {
	for _, e := range s.snapshotActive() {
		e.mu.Lock()
		if e.inst.ID != questID {
			e.mu.Unlock()
			continue
		}
		snap := e.inst.Clone()
		switch {
		case e.retired:
			e.mu.Unlock()
			return snap, quest.ErrNotFound
		case !e.inst.Completed:
			e.mu.Unlock()
			return snap, quest.ErrNotCompleted
		case e.ledger[playerID] <= 0:
			e.mu.Unlock()
			return snap, quest.ErrNotContributor
		case e.claimed[playerID]:
			e.mu.Unlock()
			return snap, quest.ErrAlreadyClaimed
		}
		e.claimed[playerID] = true
		s.gw.SaveSharedQuest(e.row())
		e.mu.Unlock()
		return snap, nil
	}
	return quest.Instance{}, quest.ErrNotFound
}

// List returns snapshots of the active pool in slot order.
func (s *Store) List() []View {
	s.mu.RLock()
	active := append([]*entry(nil), s.active...)
	pending := make(map[string]bool, len(s.pending))
	for id := range s.pending {
		pending[id] = true
	}
	s.mu.RUnlock()

	out := make([]View, 0, len(active))
	for _, e := range active {
		e.mu.Lock()
		v := View{
			Quest:     e.inst.Clone(),
			Ledger:    make(map[string]int64, len(e.ledger)),
			ClaimedBy: make([]string, 0, len(e.claimed)),
		}
		for p, amt := range e.ledger {
			v.Ledger[p] = amt
		}
		for p := range e.claimed {
			v.ClaimedBy = append(v.ClaimedBy, p)
		}
		e.mu.Unlock()
		sort.Strings(v.ClaimedBy)
		v.RefillPending = pending[v.Quest.ID]
		out = append(out, v)
	}
	return out
}

// Get returns the snapshot of one active quest.
func (s *Store) Get(questID string) (View, error) {
	for _, v := range s.List() {
		if v.Quest.ID == questID {
			return v, nil
		}
	}
	return View{}, quest.ErrNotFound
}

// FlushAll waits for queued writes, then synchronously writes every
// active quest.
func (s *Store) FlushAll(ctx context.Context) error {
	s.gw.Drain()
	var firstErr error
	for _, e := range s.snapshotActive() {
		e.mu.Lock()
		row := e.row()
		e.mu.Unlock()
		if err := s.gw.Repository().SaveSharedQuest(ctx, &row); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
