// Package personal owns each player's daily and weekly quest lists.
package personal

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/model"
	"github.com/kasuganosora/questforge/persist"
	"github.com/kasuganosora/questforge/plugin/hook"
)

// DefaultMaxSignalAmount rejects signals larger than any plausible single action.
const DefaultMaxSignalAmount = 10_000

// Config sizes the generated lists.
type Config struct {
	DailyMin        int
	DailyMax        int
	WeeklyCount     int
	MaxSignalAmount int64
}

// loadWait bounds how long a cold load waits for the player's queued writes.
const loadWait = 5 * time.Second

type playerQuests struct {
	mu      sync.Mutex
	lists   map[quest.Tier][]*quest.Instance
	loaded  map[quest.Tier]bool // tiers backed by storage; only these are written back
	evicted bool
}

func (pq *playerQuests) allLoaded() bool {
	for _, tier := range quest.PersonalTiers {
		if !pq.loaded[tier] {
			return false
		}
	}
	return true
}

// Store holds the live personal quests of every cached player.
type Store struct {
	mu      sync.RWMutex
	players map[string]*playerQuests

	catalog *quest.Catalog
	gen     *quest.Generator
	gw      *persist.Gateway
	hooks   *hook.HookCenter
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewStore creates a Store.
func NewStore(catalog *quest.Catalog, gen *quest.Generator, gw *persist.Gateway, hooks *hook.HookCenter, cfg Config, logger *zap.Logger) *Store {
	if cfg.MaxSignalAmount <= 0 {
		cfg.MaxSignalAmount = DefaultMaxSignalAmount
	}
	if cfg.DailyMax < cfg.DailyMin {
		cfg.DailyMax = cfg.DailyMin
	}
	return &Store{
		players: make(map[string]*playerQuests),
		catalog: catalog,
		gen:     gen,
		gw:      gw,
		hooks:   hooks,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

func (s *Store) count(tier quest.Tier) int {
	if tier == quest.TierWeekly {
		return s.cfg.WeeklyCount
	}
	if s.cfg.DailyMax > s.cfg.DailyMin {
		return s.cfg.DailyMin + rand.IntN(s.cfg.DailyMax-s.cfg.DailyMin+1)
	}
	return s.cfg.DailyMin
}

// acquire returns the player's lists locked, loading any tier not yet
// backed by storage. The caller unlocks pq.mu.
func (s *Store) acquire(ctx context.Context, playerID string) *playerQuests {
	for {
		s.mu.RLock()
		pq := s.players[playerID]
		s.mu.RUnlock()
		if pq == nil {
			s.mu.Lock()
			if pq = s.players[playerID]; pq == nil {
				pq = &playerQuests{
					lists:  make(map[quest.Tier][]*quest.Instance, len(quest.PersonalTiers)),
					loaded: make(map[quest.Tier]bool, len(quest.PersonalTiers)),
				}
				s.players[playerID] = pq
			}
			s.mu.Unlock()
		}
		pq.mu.Lock()
		if pq.evicted {
			pq.mu.Unlock()
			continue
		}
		if !pq.allLoaded() {
			s.load(ctx, playerID, pq)
		}
		return pq
	}
}

// load reads every unloaded tier once the player's queued writes have
// landed. A tier with no stored rows gets a freshly generated list. A tier
// that cannot be read stays empty and unloaded, and the next access tries
// again.
func (s *Store) load(ctx context.Context, playerID string, pq *playerQuests) {
	wctx, cancel := context.WithTimeout(ctx, loadWait)
	err := s.gw.WaitKey(wctx, persist.PersonalKey(playerID))
	cancel()
	if err != nil {
		s.logger.Warn("queued quest writes not settled, deferring load", zap.String("player", playerID), zap.Error(err))
		return
	}
	for _, tier := range quest.PersonalTiers {
		if pq.loaded[tier] {
			continue
		}
		list, err := s.read(ctx, playerID, tier)
		if err != nil {
			s.logger.Error("load personal quests failed", zap.String("player", playerID), zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		if len(list) == 0 {
			list = s.gen.Generate(tier, s.count(tier))
			s.persistList(playerID, tier, list)
		}
		pq.lists[tier] = list
		pq.loaded[tier] = true
	}
}

func (s *Store) read(ctx context.Context, playerID string, tier quest.Tier) ([]*quest.Instance, error) {
	rows, err := s.gw.Repository().LoadPersonalQuests(ctx, playerID, string(tier))
	if err != nil {
		return nil, err
	}
	list := make([]*quest.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := persist.PersonalInstance(row)
		if err != nil {
			s.logger.Warn("stored quest unreadable, dropping", zap.String("player", playerID), zap.String("quest_id", row.ID), zap.Error(err))
			continue
		}
		list = append(list, inst)
	}
	return list, nil
}

func (s *Store) persistList(playerID string, tier quest.Tier, list []*quest.Instance) {
	s.gw.ReplacePersonalQuests(playerID, string(tier), rowsOf(playerID, list))
}

func rowsOf(playerID string, list []*quest.Instance) []model.PersonalQuest {
	rows := make([]model.PersonalQuest, 0, len(list))
	for i, inst := range list {
		rows = append(rows, persist.PersonalRow(playerID, i, inst))
	}
	return rows
}

func snapshot(list []*quest.Instance) []quest.Instance {
	out := make([]quest.Instance, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Clone())
	}
	return out
}

// Get returns copies of the player's quests of a personal tier, generating
// them on first access.
func (s *Store) Get(ctx context.Context, playerID string, tier quest.Tier) ([]quest.Instance, error) {
	if !tier.Personal() {
		return nil, quest.ErrUnknownTier
	}
	pq := s.acquire(ctx, playerID)
	defer pq.mu.Unlock()
	if !pq.loaded[tier] {
		return nil, quest.ErrStorageUnavailable
	}
	return snapshot(pq.lists[tier]), nil
}

// Progress reports the effect of one signal.
type Progress struct {
	Advanced  int
	Completed []quest.Instance
}

// AddProgress applies a signal to every matching live quest of the player.
// Invalid amounts are dropped without error.
func (s *Store) AddProgress(ctx context.Context, playerID string, sig quest.Signal) Progress {
	var res Progress
	if sig.Amount <= 0 || sig.Amount > s.cfg.MaxSignalAmount {
		if sig.Amount > 0 {
			s.logger.Warn("signal amount above ceiling rejected",
				zap.String("player", playerID), zap.Int64("amount", sig.Amount))
		}
		return res
	}
	aliases := s.catalog.Aliases()
	var events []quest.Event
	now := s.now()
	pq := s.acquire(ctx, playerID)
	for _, tier := range quest.PersonalTiers {
		for slot, inst := range pq.lists[tier] {
			if !quest.MatchesSignal(inst, sig, aliases) {
				continue
			}
			before := inst.Progress
			if inst.Advance(sig.Amount, now) == 0 {
				continue
			}
			res.Advanced++
			s.gw.SavePersonalQuest(persist.PersonalRow(playerID, slot, inst))
			if quest.CrossedReportThreshold(before, inst.Progress, inst.TargetAmount) {
				c := inst.Clone()
				events = append(events, quest.Event{Kind: hook.OnQuestProgress, Player: playerID, Tier: tier, Quest: &c, Percent: inst.Percent(), Amount: sig.Amount, At: now})
			}
			if inst.Completed {
				c := inst.Clone()
				res.Completed = append(res.Completed, c)
				events = append(events, quest.Event{Kind: hook.OnQuestComplete, Player: playerID, Tier: tier, Quest: &c, Percent: 100, At: now})
			}
		}
	}
	pq.mu.Unlock()

	for _, ev := range events {
		s.hooks.Emit(ctx, ev.Kind, ev)
	}
	return res
}

// GenerateNewForPlayer discards the tier's list and draws a new one.
func (s *Store) GenerateNewForPlayer(ctx context.Context, playerID string, tier quest.Tier) ([]quest.Instance, error) {
	if !tier.Personal() {
		return nil, quest.ErrUnknownTier
	}
	pq := s.acquire(ctx, playerID)
	if !pq.loaded[tier] {
		pq.mu.Unlock()
		return nil, quest.ErrStorageUnavailable
	}
	list := s.gen.Generate(tier, s.count(tier))
	pq.lists[tier] = list
	s.persistList(playerID, tier, list)
	out := snapshot(list)
	pq.mu.Unlock()
	return out, nil
}

// ResetSlot replaces the quest at a 0-based position with a new quest from
// a template not already in the list.
func (s *Store) ResetSlot(ctx context.Context, playerID string, tier quest.Tier, index int) (quest.Instance, error) {
	if !tier.Personal() {
		return quest.Instance{}, quest.ErrUnknownTier
	}
	pq := s.acquire(ctx, playerID)
	defer pq.mu.Unlock()
	if !pq.loaded[tier] {
		return quest.Instance{}, quest.ErrStorageUnavailable
	}
	list := pq.lists[tier]
	if index < 0 || index >= len(list) {
		return quest.Instance{}, quest.ErrSlotOutOfRange
	}
	inUse := make(map[string]bool, len(list))
	for _, inst := range list {
		inUse[inst.TemplateID] = true
	}
	fresh := s.gen.GenerateExcluding(tier, 1, func(t quest.Template) bool { return inUse[t.ID] })
	if len(fresh) == 0 {
		return quest.Instance{}, quest.ErrNotFound
	}
	list[index] = fresh[0]
	s.persistList(playerID, tier, list)
	return fresh[0].Clone(), nil
}

// Claim marks a completed quest claimed. It succeeds once per quest. A
// quest missing while some tier could not be read is reported as
// ErrStorageUnavailable rather than ErrNotFound.
func (s *Store) Claim(ctx context.Context, playerID, questID string) (quest.Instance, error) {
	pq := s.acquire(ctx, playerID)
	defer pq.mu.Unlock()
	for _, tier := range quest.PersonalTiers {
		for slot, inst := range pq.lists[tier] {
			if inst.ID != questID {
				continue
			}
			switch {
			case inst.Claimed:
				return inst.Clone(), quest.ErrAlreadyClaimed
			case !inst.Completed:
				return inst.Clone(), quest.ErrNotCompleted
			}
			inst.Claimed = true
			s.gw.SavePersonalQuest(persist.PersonalRow(playerID, slot, inst))
			return inst.Clone(), nil
		}
	}
	if !pq.allLoaded() {
		return quest.Instance{}, quest.ErrStorageUnavailable
	}
	return quest.Instance{}, quest.ErrNotFound
}

// Players returns the ids of cached players.
func (s *Store) Players() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evict drops a player's lists from memory after queueing a final snapshot
// of every tier backed by storage. The player leaves the map only after
// that snapshot is queued, so a reload always waits for it.
func (s *Store) Evict(playerID string) {
	s.mu.RLock()
	pq := s.players[playerID]
	s.mu.RUnlock()
	if pq == nil {
		return
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.evicted {
		return
	}
	pq.evicted = true
	for tier, list := range pq.lists {
		if pq.loaded[tier] {
			s.persistList(playerID, tier, list)
		}
	}
	s.mu.Lock()
	if s.players[playerID] == pq {
		delete(s.players, playerID)
	}
	s.mu.Unlock()
}

// FlushAll waits for queued writes, then synchronously writes every
// cached list backed by storage.
func (s *Store) FlushAll(ctx context.Context) error {
	s.gw.Drain()
	s.mu.RLock()
	players := make(map[string]*playerQuests, len(s.players))
	for id, pq := range s.players {
		players[id] = pq
	}
	s.mu.RUnlock()

	var errs []error
	for id, pq := range players {
		pq.mu.Lock()
		for tier, list := range pq.lists {
			if !pq.loaded[tier] || pq.evicted {
				continue
			}
			if err := s.gw.Repository().ReplacePersonalQuests(ctx, id, string(tier), rowsOf(id, list)); err != nil {
				errs = append(errs, err)
			}
		}
		pq.mu.Unlock()
	}
	return errors.Join(errs...)
}
