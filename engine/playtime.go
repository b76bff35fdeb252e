package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/questforge/game/quest"
)

const (
	// TimeAliveTarget is the target of the survival signal credited for
	// time spent online.
	TimeAliveTarget = "TIME_ALIVE"
	// PlaytimeStat counts whole minutes played.
	PlaytimeStat = "time_played_minutes"
)

// playtime remembers, per online player, the start of the span not yet
// credited. Credits are whole minutes; the remainder carries over.
type playtime struct {
	mu       sync.Mutex
	sessions map[string]time.Time
}

func newPlaytime() *playtime {
	return &playtime{sessions: make(map[string]time.Time)}
}

// start opens a session unless one is already running.
func (p *playtime) start(playerID string, now time.Time) {
	p.mu.Lock()
	if _, ok := p.sessions[playerID]; !ok {
		p.sessions[playerID] = now
	}
	p.mu.Unlock()
}

// stop closes the session and returns the minutes still owed.
func (p *playtime) stop(playerID string, now time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	since, ok := p.sessions[playerID]
	if !ok {
		return 0
	}
	delete(p.sessions, playerID)
	return wholeMinutes(since, now)
}

// due returns the minutes owed to every online player and moves their
// stamps forward by what is returned.
func (p *playtime) due(now time.Time) map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64)
	for id, since := range p.sessions {
		if n := wholeMinutes(since, now); n > 0 {
			out[id] = n
			p.sessions[id] = since.Add(time.Duration(n) * time.Minute)
		}
	}
	return out
}

func (p *playtime) online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func wholeMinutes(since, now time.Time) int64 {
	if now.Before(since) {
		return 0
	}
	return int64(now.Sub(since) / time.Minute)
}

// Online returns the ids of players with an open session.
func (e *Engine) Online() []string { return e.playtime.online() }

// CreditPlaytime credits every online player with the whole minutes played
// since their last credit. It returns the number of players credited.
func (e *Engine) CreditPlaytime(ctx context.Context) int {
	owed := e.playtime.due(e.now())
	for id, minutes := range owed {
		e.creditPlaytime(ctx, id, minutes)
	}
	return len(owed)
}

func (e *Engine) creditPlaytime(ctx context.Context, playerID string, minutes int64) {
	e.RecordProgress(ctx, playerID, quest.Signal{
		Category: quest.CategorySurvival,
		Target:   TimeAliveTarget,
		Amount:   minutes,
	})
	e.profiles.IncrementStat(ctx, playerID, PlaytimeStat, minutes)
}
