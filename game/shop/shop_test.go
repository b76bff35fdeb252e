package shop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kasuganosora/questforge/audit"
	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/game/reward"
	"github.com/kasuganosora/questforge/persist"
	"github.com/kasuganosora/questforge/testutil"
)

var errBroke = errors.New("not enough points")

type wallet struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (w *wallet) Spend(_ context.Context, playerID string, n int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.balances[playerID] {
		return w.balances[playerID], errBroke
	}
	w.balances[playerID] -= n
	return w.balances[playerID], nil
}

func (w *wallet) AddPoints(_ context.Context, playerID string, n int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[playerID] += n
	return w.balances[playerID], nil
}

func (w *wallet) balance(playerID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[playerID]
}

type commands struct {
	mu  sync.Mutex
	ran []string
}

func (c *commands) Run(_ context.Context, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ran = append(c.ran, command)
	return nil
}

type auditSink struct {
	mu      sync.Mutex
	entries []audit.AuditEntry
}

func (a *auditSink) Log(e audit.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type fixture struct {
	db    *gorm.DB
	svc   *Service
	w     *wallet
	cmds  *commands
	sink  *auditSink
	clock time.Time
}

func items() []Item {
	return []Item{
		{ID: "diamonds", Name: "Diamond Pouch", Cost: 30, Commands: []string{"give {player} diamond {amount}"}},
		{ID: "xp_boost", Name: "XP Boost", Cost: 10,
			Items:  []quest.ItemReward{{ID: "EXPERIENCE_BOTTLE", Qty: 16}},
			Limits: map[Period]int{PeriodDaily: 2, PeriodPermanent: 3}},
	}
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	f := &fixture{
		db:    testutil.SetupTestDB(t),
		w:     &wallet{balances: map[string]int64{"p1": balance}},
		cmds:  &commands{},
		sink:  &auditSink{},
		clock: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
	}
	issuer := reward.NewIssuer(zap.NewNop(), reward.WithCommands(f.cmds))
	f.svc = NewService(func() ([]Item, error) { return items(), nil }, persist.NewRepository(f.db),
		f.w, issuer, f.sink, func() time.Time { return f.clock }, zap.NewNop())
	require.NoError(t, f.svc.Reload())
	return f
}

func TestPurchase_DeductsAndFulfils(t *testing.T) {
	f := newFixture(t, 100)
	ctx := audit.WithTraceID(context.Background(), "trace-shop-1")

	rc, err := f.svc.Purchase(ctx, "p1", "Alex", "diamonds")
	require.NoError(t, err)
	assert.Equal(t, int64(70), rc.Balance)
	assert.Equal(t, int64(70), f.w.balance("p1"))
	assert.Equal(t, "trace-shop-1", rc.Intent.TraceID)
	assert.Equal(t, []string{"give Alex diamond 30"}, f.cmds.ran)

	require.Len(t, f.sink.entries, 1)
	assert.Equal(t, ActionPurchase, f.sink.entries[0].Action)
	assert.Equal(t, rc.ID, f.sink.entries[0].QuestID)
	assert.Empty(t, f.sink.entries[0].Error)
}

func TestPurchase_InsufficientPoints(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.svc.Purchase(context.Background(), "p1", "Alex", "xp_boost")
	assert.ErrorIs(t, err, errBroke)
	assert.Equal(t, int64(5), f.w.balance("p1"))
	assert.Empty(t, f.cmds.ran)

	rows, err := persist.NewRepository(f.db).LoadPurchases(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPurchase_UnknownItem(t *testing.T) {
	f := newFixture(t, 100)
	_, err := f.svc.Purchase(context.Background(), "p1", "Alex", "nope")
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestPurchase_LimitsRollOver(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	buy := func() error {
		_, err := f.svc.Purchase(ctx, "p1", "Alex", "xp_boost")
		return err
	}

	require.NoError(t, buy())
	require.NoError(t, buy())
	err := buy()
	var limit *LimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, PeriodDaily, limit.Period)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, int64(980), f.w.balance("p1"), "a refused purchase costs nothing")

	f.clock = f.clock.Add(24 * time.Hour)
	require.NoError(t, buy())
	f.clock = f.clock.Add(24 * time.Hour)
	err = buy()
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, PeriodPermanent, limit.Period)
	assert.Equal(t, int64(970), f.w.balance("p1"))
}

func TestPurchase_LimitWriteFailureRefunds(t *testing.T) {
	f := newFixture(t, 50)
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_purchases", func(tx *gorm.DB) {
		if tx.Statement.Table == "purchase_records" {
			tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := f.svc.Purchase(context.Background(), "p1", "Alex", "xp_boost")
	assert.ErrorIs(t, err, quest.ErrStorageUnavailable)
	assert.Equal(t, int64(50), f.w.balance("p1"))
	assert.Empty(t, f.sink.entries)
}

func TestOffers(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	_, err := f.svc.Purchase(ctx, "p1", "Alex", "xp_boost")
	require.NoError(t, err)
	_, err = f.svc.Purchase(ctx, "p1", "Alex", "xp_boost")
	require.NoError(t, err)

	offers, err := f.svc.Offers(ctx, "p1", 20)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "diamonds", offers[0].ID)
	assert.False(t, offers[0].Affordable)
	assert.Nil(t, offers[0].Remaining)
	assert.Equal(t, map[Period]int{PeriodDaily: 0, PeriodPermanent: 1}, offers[1].Remaining)
	assert.False(t, offers[1].Affordable, "daily limit spent")

	other, err := f.svc.Offers(ctx, "p2", 20)
	require.NoError(t, err)
	assert.True(t, other[1].Affordable)
	assert.Equal(t, map[Period]int{PeriodDaily: 2, PeriodPermanent: 3}, other[1].Remaining)
}

func TestPeriodExpired(t *testing.T) {
	start := time.Date(2026, 1, 31, 18, 0, 0, 0, time.UTC)
	assert.False(t, PeriodDaily.Expired(start, start.Add(23*time.Hour)))
	assert.True(t, PeriodDaily.Expired(start, start.Add(24*time.Hour)))
	assert.False(t, PeriodWeekly.Expired(start, start.AddDate(0, 0, 6)))
	assert.True(t, PeriodWeekly.Expired(start, start.AddDate(0, 0, 7)))
	assert.False(t, PeriodMonthly.Expired(start, start.AddDate(0, 0, 27)))
	assert.True(t, PeriodMonthly.Expired(start, start.AddDate(0, 1, 0)))
	assert.False(t, PeriodPermanent.Expired(start, start.AddDate(10, 0, 0)))
	assert.True(t, PeriodWeekly.Known())
	assert.False(t, Period("hourly").Known())
}

func TestReload_KeepsCatalogOnError(t *testing.T) {
	calls := 0
	svc := NewService(func() ([]Item, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("bad yaml")
		}
		return items(), nil
	}, nil, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, svc.Reload())
	assert.Error(t, svc.Reload())
	_, ok := svc.Catalog().Item("diamonds")
	assert.True(t, ok)
}

func TestCatalog_DuplicateReplaces(t *testing.T) {
	c := NewCatalog([]Item{{ID: "a", Cost: 1}, {ID: "b", Cost: 2}, {ID: "a", Cost: 3}})
	require.Len(t, c.Items(), 2)
	it, _ := c.Item("a")
	assert.Equal(t, int64(3), it.Cost)
	assert.Equal(t, "a", c.Items()[0].ID)
}
