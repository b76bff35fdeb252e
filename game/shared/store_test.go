package shared

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/persist"
	"github.com/kasuganosora/questforge/plugin/hook"
	"github.com/kasuganosora/questforge/scheduler"
	"github.com/kasuganosora/questforge/testutil"
)

func template(id string, cat quest.Category, target string, amount int64) quest.Template {
	return quest.Template{
		ID: id, Name: id, Description: "Together: {amount}",
		Category: cat, Target: target,
		Amount: quest.Range{Min: amount, Max: amount}, Weight: 10,
	}
}

var sharedTemplates = []quest.Template{
	template("community_quarry", quest.CategoryMining, "STONE", 1000),
	template("great_harvest", quest.CategoryFarming, "WHEAT", 500),
	template("monster_purge", quest.CategoryHunting, "ZOMBIE", 100),
	template("fishing_derby", quest.CategoryFishing, "COD", 50),
}

type recorder struct {
	mu     sync.Mutex
	events []quest.Event
}

func (r *recorder) fn(ctx context.Context, event string, data interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, data.(quest.Event))
	return data, nil
}

func (r *recorder) of(kind string) []quest.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []quest.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store *Store
	gw    *persist.Gateway
	sched *scheduler.Scheduler
	rec   *recorder
	cat   *quest.Catalog
	hooks *hook.HookCenter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repo := persist.NewRepository(testutil.SetupTestDB(t))
	gw := persist.NewGateway(repo, 2, 1024, zap.NewNop())
	sched := scheduler.New(zap.NewNop())
	t.Cleanup(func() {
		sched.Stop()
		gw.Stop()
	})
	hooks := hook.NewHookCenter(nil)
	rec := &recorder{}
	for _, ev := range hook.NotificationEvents {
		hooks.Register(ev, 0, "test", rec.fn)
	}
	cat := quest.NewStaticCatalog(&quest.TemplateSet{Shared: sharedTemplates})
	f := &fixture{gw: gw, sched: sched, rec: rec, cat: cat, hooks: hooks}
	f.store = f.newStore(cfg)
	return f
}

func (f *fixture) newStore(cfg Config) *Store {
	return NewStore(f.cat, quest.NewGenerator(f.cat, nil), f.gw, f.hooks, f.sched, cfg, zap.NewNop())
}

func (f *fixture) byTemplate(t *testing.T, id string) View {
	t.Helper()
	for _, v := range f.store.List() {
		if v.Quest.TemplateID == id {
			return v
		}
	}
	t.Fatalf("template %s not active", id)
	return View{}
}

func signalFor(q quest.Instance, amount int64) quest.Signal {
	return quest.Signal{Category: q.Category, Target: q.Target, Amount: amount}
}

func TestInit_TopsUpDistinct(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 3})
	require.NoError(t, f.store.Init(context.Background()))

	views := f.store.List()
	require.Len(t, views, 3)
	seen := map[string]bool{}
	for _, v := range views {
		assert.False(t, seen[v.Quest.TemplateID])
		seen[v.Quest.TemplateID] = true
		assert.Equal(t, quest.TierShared, v.Quest.Tier)
	}
}

func TestAddProgress_ConcurrentLedger(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.byTemplate(t, "community_quarry").Quest

	var wg sync.WaitGroup
	contribute := func(player string, total int) {
		defer wg.Done()
		for i := 0; i < total; i++ {
			f.store.AddProgress(ctx, player, signalFor(q, 1))
		}
	}
	wg.Add(2)
	go contribute("A", 300)
	go contribute("B", 200)
	wg.Wait()

	v := f.byTemplate(t, "community_quarry")
	assert.Equal(t, int64(500), v.Quest.Progress)
	assert.Equal(t, map[string]int64{"A": 300, "B": 200}, v.Ledger)

	milestones := f.rec.of(hook.OnSharedMilestone)
	require.Len(t, milestones, 2)
	assert.ElementsMatch(t, []int{25, 50}, []int{milestones[0].Percent, milestones[1].Percent})
}

func TestAddProgress_ClampsAndCompletes(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, RefillCooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.byTemplate(t, "monster_purge").Quest

	assert.Equal(t, int64(60), f.store.AddProgress(ctx, "A", signalFor(q, 60)))
	assert.Equal(t, int64(40), f.store.AddProgress(ctx, "B", signalFor(q, 90)))
	assert.Zero(t, f.store.AddProgress(ctx, "C", signalFor(q, 5)))

	v := f.byTemplate(t, "monster_purge")
	assert.True(t, v.Quest.Completed)
	assert.Equal(t, int64(100), v.Quest.Progress)
	assert.Equal(t, map[string]int64{"A": 60, "B": 40}, v.Ledger)
	assert.True(t, v.RefillPending)

	pcts := []int{}
	for _, e := range f.rec.of(hook.OnSharedMilestone) {
		pcts = append(pcts, e.Percent)
	}
	assert.Equal(t, []int{25, 50, 75, 100}, pcts)
	assert.Len(t, f.rec.of(hook.OnSharedComplete), 1)
	assert.Len(t, f.rec.of(hook.OnSharedRefillScheduled), 1)
	assert.True(t, f.sched.HasDelay(refillTask(q.ID)))
}

func TestAddProgress_RejectsBadAmounts(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, MaxSignalAmount: 1000})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.byTemplate(t, "community_quarry").Quest
	for _, amt := range []int64{0, -1, 1001} {
		assert.Zero(t, f.store.AddProgress(ctx, "A", signalFor(q, amt)))
	}
	assert.Zero(t, f.byTemplate(t, "community_quarry").Quest.Progress)
}

func TestRefill_ReplacesWithInactiveTemplateOnce(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 3, RefillCooldown: 30 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))

	before := f.store.List()
	active := map[string]bool{}
	for _, v := range before {
		active[v.Quest.TemplateID] = true
	}
	var unused string
	for _, tp := range sharedTemplates {
		if !active[tp.ID] {
			unused = tp.ID
		}
	}
	done := before[1].Quest
	f.store.AddProgress(ctx, "A", signalFor(done, done.TargetAmount))
	// completion is reported only once even if signals keep arriving
	f.store.AddProgress(ctx, "A", signalFor(done, 1))

	assert.Eventually(t, func() bool { return len(f.rec.of(hook.OnSharedRefill)) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.Len(t, f.rec.of(hook.OnSharedRefill), 1)

	after := f.store.List()
	require.Len(t, after, 3)
	assert.Equal(t, before[0].Quest.ID, after[0].Quest.ID)
	assert.Equal(t, before[2].Quest.ID, after[2].Quest.ID)
	assert.Equal(t, unused, after[1].Quest.TemplateID)
	assert.False(t, after[1].RefillPending)

	ev := f.rec.of(hook.OnSharedRefill)[0]
	assert.Equal(t, done.ID, ev.Quest.ID)
	assert.Equal(t, after[1].Quest.ID, ev.Replacement.ID)

	f.gw.Drain()
	rows, err := f.gw.Repository().LoadActiveSharedQuests(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.NotContains(t, ids, done.ID)
	assert.Contains(t, ids, after[1].Quest.ID)
}

func TestCancelRefills_ThenMaintainReschedules(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, RefillCooldown: 30 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.byTemplate(t, "fishing_derby").Quest
	f.store.AddProgress(ctx, "A", signalFor(q, q.TargetAmount))

	assert.Equal(t, 1, f.store.CancelRefills())
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, f.rec.of(hook.OnSharedRefill))
	v := f.byTemplate(t, "fishing_derby")
	assert.True(t, v.Quest.Completed)
	assert.False(t, v.RefillPending)

	f.store.Maintain(ctx)
	assert.Eventually(t, func() bool { return len(f.rec.of(hook.OnSharedRefill)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClose_StopsRefills(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, RefillCooldown: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.byTemplate(t, "fishing_derby").Quest
	f.store.AddProgress(ctx, "A", signalFor(q, q.TargetAmount))
	f.store.Close()
	f.store.Maintain(ctx)
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.rec.of(hook.OnSharedRefill))
	assert.False(t, f.sched.HasDelay(refillTask(q.ID)))
}

func TestClaim(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, RefillCooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.byTemplate(t, "monster_purge").Quest

	f.store.AddProgress(ctx, "A", signalFor(q, 50))
	_, err := f.store.Claim(ctx, "A", q.ID)
	assert.ErrorIs(t, err, quest.ErrNotCompleted)

	f.store.AddProgress(ctx, "B", signalFor(q, 50))
	_, err = f.store.Claim(ctx, "C", q.ID)
	assert.ErrorIs(t, err, quest.ErrNotContributor)

	got, err := f.store.Claim(ctx, "A", q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	_, err = f.store.Claim(ctx, "A", q.ID)
	assert.ErrorIs(t, err, quest.ErrAlreadyClaimed)
	_, err = f.store.Claim(ctx, "B", q.ID)
	require.NoError(t, err)

	_, err = f.store.Claim(ctx, "A", "missing")
	assert.ErrorIs(t, err, quest.ErrNotFound)
	assert.Equal(t, []string{"A", "B"}, f.byTemplate(t, "monster_purge").ClaimedBy)
}

func TestInit_ColdLoadRestoresLedgerAndRefills(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, RefillCooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	quarry := f.byTemplate(t, "community_quarry").Quest
	purge := f.byTemplate(t, "monster_purge").Quest
	f.store.AddProgress(ctx, "A", signalFor(quarry, 120))
	f.store.AddProgress(ctx, "B", signalFor(purge, 100))
	f.store.Close()
	f.gw.Drain()

	restarted := f.newStore(Config{PoolSize: 4, RefillCooldown: time.Hour})
	require.NoError(t, restarted.Init(ctx))
	f.store = restarted

	assert.Len(t, restarted.List(), 4)
	v := f.byTemplate(t, "community_quarry")
	assert.Equal(t, quarry.ID, v.Quest.ID)
	assert.Equal(t, map[string]int64{"A": 120}, v.Ledger)
	assert.True(t, f.byTemplate(t, "monster_purge").RefillPending)
	assert.True(t, f.sched.HasDelay(refillTask(purge.ID)))
}

func TestAnnounce(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 4, RefillCooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	f.store.AddProgress(ctx, "A", signalFor(f.byTemplate(t, "community_quarry").Quest, 10))
	purge := f.byTemplate(t, "monster_purge").Quest
	f.store.AddProgress(ctx, "A", signalFor(purge, purge.TargetAmount))

	assert.Equal(t, 1, f.store.Announce(ctx))
	status := f.rec.of(hook.OnSharedStatus)
	require.Len(t, status, 1)
	assert.Equal(t, "community_quarry", status[0].Quest.TemplateID)
	assert.Equal(t, 1, status[0].Percent)
}

func TestGet(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 2})
	require.NoError(t, f.store.Init(context.Background()))
	first := f.store.List()[0]
	got, err := f.store.Get(first.Quest.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Quest.ID, got.Quest.ID)
	_, err = f.store.Get("nope")
	assert.ErrorIs(t, err, quest.ErrNotFound)
}

func TestRefill_RetiredQuestStaysRetired(t *testing.T) {
	f := newFixture(t, Config{PoolSize: 3, RefillCooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.Init(ctx))
	q := f.store.List()[0].Quest
	f.store.AddProgress(ctx, "A", signalFor(q, q.TargetAmount))

	// a claim that fetched the slot before the refill swapped it out
	stale := f.store.snapshotActive()[0]
	f.store.refill(ctx, q.ID)

	stale.mu.Lock()
	assert.True(t, stale.retired)
	f.gw.SaveSharedQuest(stale.row())
	stale.mu.Unlock()
	_, err := f.store.Claim(ctx, "A", q.ID)
	assert.ErrorIs(t, err, quest.ErrNotFound)
	f.gw.Drain()

	restarted := f.newStore(Config{PoolSize: 3, RefillCooldown: time.Hour})
	require.NoError(t, restarted.Init(ctx))
	for _, v := range restarted.List() {
		assert.NotEqual(t, q.ID, v.Quest.ID)
	}
	assert.False(t, f.sched.HasDelay(refillTask(q.ID)))
	assert.Len(t, f.rec.of(hook.OnSharedRefill), 1)
}
