// Package shop sells configured items for quest points, enforcing per-item
// purchase limits over rolling daily, weekly and monthly windows or for good.
package shop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/audit"
	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/game/reward"
	"github.com/kasuganosora/questforge/model"
	"github.com/kasuganosora/questforge/persist"
)

// ActionPurchase is the audit action of a completed purchase.
const ActionPurchase = "shop_purchase"

var (
	ErrUnknownItem  = errors.New("shop: unknown item")
	ErrLimitReached = errors.New("shop: purchase limit reached")
)

// Period is a purchase-limit window. A window opens with the first purchase
// in it and lasts one day, week or month; a permanent window never closes.
type Period string

const (
	PeriodDaily     Period = "daily"
	PeriodWeekly    Period = "weekly"
	PeriodMonthly   Period = "monthly"
	PeriodPermanent Period = "permanent"
)

// Periods lists every known period.
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodPermanent}

// Known reports whether p is one of Periods.
func (p Period) Known() bool {
	for _, k := range Periods {
		if p == k {
			return true
		}
	}
	return false
}

// Expired reports whether a window opened at start has closed by now.
func (p Period) Expired(start, now time.Time) bool {
	switch p {
	case PeriodDaily:
		return !now.Before(start.AddDate(0, 0, 1))
	case PeriodWeekly:
		return !now.Before(start.AddDate(0, 0, 7))
	case PeriodMonthly:
		return !now.Before(start.AddDate(0, 1, 0))
	}
	return false
}

// Item is one thing for sale.
type Item struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Cost        int64              `json:"cost"`
	Items       []quest.ItemReward `json:"items,omitempty"`
	Commands    []string           `json:"-"`
	Limits      map[Period]int     `json:"limits,omitempty"`
}

// Catalog is an immutable, ordered set of items.
type Catalog struct {
	items []Item
	byID  map[string]int
}

// NewCatalog indexes items by id. Later duplicates replace earlier ones.
func NewCatalog(items []Item) *Catalog {
	c := &Catalog{byID: make(map[string]int, len(items))}
	for _, it := range items {
		if i, ok := c.byID[it.ID]; ok {
			c.items[i] = it
			continue
		}
		c.byID[it.ID] = len(c.items)
		c.items = append(c.items, it)
	}
	return c
}

// Items returns the items in catalog order.
func (c *Catalog) Items() []Item { return append([]Item(nil), c.items...) }

// Item looks an item up by id.
func (c *Catalog) Item(id string) (Item, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Item{}, false
	}
	return c.items[i], true
}

// Loader produces the items for sale.
type Loader func() ([]Item, error)

// LimitError names the window that blocked a purchase.
type LimitError struct {
	Period Period
	Max    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("shop: %s purchase limit of %d reached", e.Period, e.Max)
}

func (e *LimitError) Unwrap() error { return ErrLimitReached }

// Wallet holds the quest-point balances purchases are paid from.
type Wallet interface {
	Spend(ctx context.Context, playerID string, n int64) (int64, error)
	AddPoints(ctx context.Context, playerID string, n int64) (int64, error)
}

// Fulfiller delivers purchased goods.
type Fulfiller interface {
	Fulfil(ctx context.Context, in reward.Intent) error
}

// Auditor records purchases.
type Auditor interface {
	Log(entry audit.AuditEntry)
}

// Offer is an item as seen by one player.
type Offer struct {
	Item
	Remaining  map[Period]int `json:"remaining,omitempty"`
	Affordable bool           `json:"affordable"`
}

// Receipt describes a completed purchase.
type Receipt struct {
	ID       string        `json:"id"`
	PlayerID string        `json:"player_id"`
	ItemID   string        `json:"item_id"`
	Cost     int64         `json:"cost"`
	Balance  int64         `json:"balance"`
	Intent   reward.Intent `json:"intent"`
}

const lockStripes = 64

// Service sells catalog items. Purchases by one player are serialised;
// limit rows are written synchronously before goods are handed out.
type Service struct {
	catalog atomic.Pointer[Catalog]
	loader  Loader
	repo    *persist.Repository
	wallet  Wallet
	issuer  Fulfiller
	auditor Auditor
	locks   [lockStripes]sync.Mutex
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates a Service with an empty catalog. loader and auditor
// may be nil.
func NewService(loader Loader, repo *persist.Repository, wallet Wallet, issuer Fulfiller, auditor Auditor, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	s := &Service{
		loader:  loader,
		repo:    repo,
		wallet:  wallet,
		issuer:  issuer,
		auditor: auditor,
		now:     now,
		logger:  logger,
	}
	s.catalog.Store(NewCatalog(nil))
	return s
}

// Reload replaces the catalog from the loader. On failure the previous
// catalog stays active.
func (s *Service) Reload() error {
	if s.loader == nil {
		return nil
	}
	items, err := s.loader()
	if err != nil {
		s.logger.Error("shop catalog reload failed, keeping previous", zap.Error(err))
		return err
	}
	s.catalog.Store(NewCatalog(items))
	s.logger.Info("shop catalog loaded", zap.Int("items", len(items)))
	return nil
}

// Catalog returns the active catalog.
func (s *Service) Catalog() *Catalog { return s.catalog.Load() }

func (s *Service) lock(playerID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(playerID)%lockStripes]
}

// windows maps each limited period of item to its live row, dropping rows
// whose window has closed.
func windows(rows []model.PurchaseRecord, item Item, now time.Time) map[Period]model.PurchaseRecord {
	out := make(map[Period]model.PurchaseRecord, len(item.Limits))
	for _, row := range rows {
		p := Period(row.Period)
		if row.ItemID != item.ID || item.Limits[p] <= 0 || p.Expired(row.WindowStart, now) {
			continue
		}
		out[p] = row
	}
	return out
}

func remaining(item Item, live map[Period]model.PurchaseRecord) map[Period]int {
	if len(item.Limits) == 0 {
		return nil
	}
	out := make(map[Period]int, len(item.Limits))
	for p, max := range item.Limits {
		if max <= 0 {
			continue
		}
		left := max - live[p].Count
		if left < 0 {
			left = 0
		}
		out[p] = left
	}
	return out
}

// Offers lists the catalog for a player with balance quest points.
func (s *Service) Offers(ctx context.Context, playerID string, balance int64) ([]Offer, error) {
	rows, err := s.repo.LoadPurchases(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quest.ErrStorageUnavailable, err)
	}
	now := s.now()
	items := s.Catalog().Items()
	out := make([]Offer, 0, len(items))
	for _, it := range items {
		left := remaining(it, windows(rows, it, now))
		affordable := balance >= it.Cost
		for _, n := range left {
			if n == 0 {
				affordable = false
			}
		}
		out = append(out, Offer{Item: it, Remaining: left, Affordable: affordable})
	}
	return out, nil
}

// Purchase sells one item to a player. Points are taken only when every
// limit allows the purchase, and are returned if the limit rows cannot be
// written.
func (s *Service) Purchase(ctx context.Context, playerID, playerName, itemID string) (Receipt, error) {
	item, ok := s.Catalog().Item(itemID)
	if !ok {
		return Receipt{}, ErrUnknownItem
	}
	mu := s.lock(playerID)
	mu.Lock()
	defer mu.Unlock()

	rows, err := s.repo.LoadPurchases(ctx, playerID)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", quest.ErrStorageUnavailable, err)
	}
	now := s.now()
	live := windows(rows, item, now)
	periods := make([]Period, 0, len(item.Limits))
	for p, max := range item.Limits {
		if max > 0 {
			periods = append(periods, p)
		}
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	for _, p := range periods {
		if live[p].Count >= item.Limits[p] {
			return Receipt{}, &LimitError{Period: p, Max: item.Limits[p]}
		}
	}

	balance, err := s.wallet.Spend(ctx, playerID, item.Cost)
	if err != nil {
		return Receipt{}, err
	}

	updated := make([]model.PurchaseRecord, 0, len(periods))
	for _, p := range periods {
		row, ok := live[p]
		if !ok {
			row = model.PurchaseRecord{PlayerID: playerID, ItemID: item.ID, Period: string(p), WindowStart: now}
		}
		row.Count++
		updated = append(updated, row)
	}
	if err := s.repo.SavePurchases(ctx, updated); err != nil {
		if _, rerr := s.wallet.AddPoints(ctx, playerID, item.Cost); rerr != nil {
			s.logger.Error("purchase refund failed", zap.String("player", playerID), zap.String("item", item.ID), zap.Int64("cost", item.Cost), zap.Error(rerr))
		}
		return Receipt{}, fmt.Errorf("%w: %v", quest.ErrStorageUnavailable, err)
	}

	name := playerName
	if name == "" {
		name = playerID
	}
	traceID := audit.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	rc := Receipt{
		ID:       uuid.NewString(),
		PlayerID: playerID,
		ItemID:   item.ID,
		Cost:     item.Cost,
		Balance:  balance,
		Intent: reward.Intent{
			TraceID:    traceID,
			PlayerID:   playerID,
			PlayerName: playerName,
			TemplateID: item.ID,
			Items:      item.Items,
		},
	}
	for _, cmd := range item.Commands {
		rc.Intent.Commands = append(rc.Intent.Commands, reward.ExpandCommand(cmd, name, item.Cost))
	}

	ferr := s.issuer.Fulfil(ctx, rc.Intent)
	if ferr != nil {
		s.logger.Error("purchase fulfilment failed",
			zap.String("player", playerID),
			zap.String("item", item.ID),
			zap.String("trace_id", traceID),
			zap.Error(ferr))
	}
	if s.auditor != nil {
		entry := audit.AuditEntry{
			TraceID:  traceID,
			PlayerID: playerID,
			QuestID:  rc.ID,
			Action:   ActionPurchase,
			Payload:  rc,
		}
		if ferr != nil {
			entry.Error = ferr.Error()
		}
		s.auditor.Log(entry)
	}
	s.logger.Info("item purchased",
		zap.String("player", playerID),
		zap.String("item", item.ID),
		zap.Int64("cost", item.Cost),
		zap.Int64("balance", balance))
	return rc, nil
}
